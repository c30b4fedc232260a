// Package interaction records social interactions (likes, shares, views,
// comments) against assets and serves interaction queries.
package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tunebase/market-engine/internal/broadcast"
	"github.com/tunebase/market-engine/internal/metrics"
	"github.com/tunebase/market-engine/internal/model"
	"github.com/tunebase/market-engine/internal/social"
	"github.com/tunebase/market-engine/internal/store"
)

// Recorder applies interactions to assets and answers interaction queries.
type Recorder struct {
	store    store.Store
	registry *broadcast.Registry // optional; nil disables fan-out
	now      func() time.Time
}

// NewRecorder creates a recorder. Pass nil for registry if WebSocket
// broadcasting is not needed.
func NewRecorder(st store.Store, registry *broadcast.Registry) *Recorder {
	return &Recorder{store: st, registry: registry, now: time.Now}
}

// Result reports one recorded interaction. Removed is true when a like
// toggle deleted a prior like instead of creating a new record.
type Result struct {
	AssetID          string          `json:"asset_id"`
	UserID           string          `json:"user_id"`
	Action           string          `json:"action"`
	Removed          bool            `json:"removed"`
	Delta            decimal.Decimal `json:"delta"`
	OldValue         decimal.Decimal `json:"old_value"`
	NewValue         decimal.Decimal `json:"new_value"`
	InteractionCount int64           `json:"interaction_count"`
	ShareCount24h    int64           `json:"share_count_24h"`
	SocialEvent      string          `json:"social_event"`
}

// Record applies one interaction in its own transaction. The like action is
// a toggle: a second like by the same user removes the first and reverses
// its accumulator delta.
func (rec *Recorder) Record(ctx context.Context, userID, assetID, action string) (*Result, error) {
	if userID == "" {
		return nil, model.NewValidationError("interaction", model.ReasonUserNotFound)
	}
	if _, err := social.InteractionDelta(action); err != nil {
		return nil, model.NewValidationError("interaction", model.ReasonInvalidAction)
	}

	tx, err := rec.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin interaction tx: %w", err)
	}
	defer tx.Rollback(ctx)

	asset, err := tx.AssetForUpdate(ctx, assetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.NewValidationError("interaction", model.ReasonAssetNotFound)
		}
		return nil, fmt.Errorf("lock asset: %w", err)
	}

	result, err := rec.RecordInTx(ctx, tx, asset, userID, action)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit interaction: %w", err)
	}

	metrics.InteractionsTotal.WithLabelValues(action).Inc()
	slog.Info("interaction recorded",
		"user", userID,
		"asset", assetID,
		"action", action,
		"removed", result.Removed,
		"new_value", result.NewValue.String(),
		"event", result.SocialEvent,
	)

	if rec.registry != nil {
		rec.registry.PublishAsset(assetID, broadcast.Message{
			Type: "interaction",
			Data: result,
		})
	}
	return result, nil
}

// RecordInTx applies one interaction inside a caller-owned transaction, so
// larger flows (a gift acceptance that also records a share, for example)
// can compose it with their own mutations. The asset must already be locked
// by the caller; this mutates it in place and persists it via UpdateAsset.
// The caller commits.
func (rec *Recorder) RecordInTx(ctx context.Context, tx store.Tx, asset *model.Asset, userID, action string) (*Result, error) {
	if !asset.Active {
		return nil, model.NewValidationError("interaction", model.ReasonAssetInactive)
	}

	delta, err := social.InteractionDelta(action)
	if err != nil {
		return nil, model.NewValidationError("interaction", model.ReasonInvalidAction)
	}

	now := rec.now().UTC()
	result := &Result{AssetID: asset.ID, UserID: userID, Action: action}

	switch action {
	case model.ActionLike:
		existing, err := tx.FindLike(ctx, userID, asset.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("find like: %w", err)
		}
		if existing != nil {
			// Unlike: remove the prior record and reverse its delta.
			if err := tx.DeleteInteraction(ctx, existing.ID); err != nil {
				return nil, fmt.Errorf("delete like: %w", err)
			}
			asset.InteractionCount--
			impact := social.ApplyDelta(asset, delta.Neg())
			result.Removed = true
			result.Delta = impact.Delta
			result.OldValue = impact.OldValue
			result.NewValue = impact.NewValue
		} else {
			if err := rec.insert(ctx, tx, userID, asset.ID, action, now); err != nil {
				return nil, err
			}
			asset.InteractionCount++
			impact := social.ApplyDelta(asset, delta)
			result.Delta = impact.Delta
			result.OldValue = impact.OldValue
			result.NewValue = impact.NewValue
		}

	case model.ActionShare:
		if err := rec.insert(ctx, tx, userID, asset.ID, action, now); err != nil {
			return nil, err
		}
		asset.ShareCount++
		asset.ShareCount24h++
		asset.InteractionCount++
		impact := social.ApplyDelta(asset, delta)
		social.EvaluateEvent(asset, now)
		result.Delta = impact.Delta
		result.OldValue = impact.OldValue
		result.NewValue = impact.NewValue

	default: // view, comment
		if err := rec.insert(ctx, tx, userID, asset.ID, action, now); err != nil {
			return nil, err
		}
		asset.InteractionCount++
		impact := social.ApplyDelta(asset, delta)
		result.Delta = impact.Delta
		result.OldValue = impact.OldValue
		result.NewValue = impact.NewValue
	}

	if err := tx.UpdateAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("update asset: %w", err)
	}

	result.InteractionCount = asset.InteractionCount
	result.ShareCount24h = asset.ShareCount24h
	result.SocialEvent = asset.CurrentEvent(now)
	return result, nil
}

func (rec *Recorder) insert(ctx context.Context, tx store.Tx, userID, assetID, action string, at time.Time) error {
	record := &model.InteractionRecord{
		ID:         uuid.New().String(),
		UserID:     userID,
		AssetID:    assetID,
		ActionType: action,
		CreatedAt:  at,
		Processed:  true,
	}
	if err := tx.InsertInteraction(ctx, record); err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

// --- Queries ---

// ByUser lists a user's interactions.
func (rec *Recorder) ByUser(ctx context.Context, userID string) ([]model.InteractionRecord, error) {
	return rec.store.InteractionsByUser(ctx, userID)
}

// ByAsset lists an asset's interactions, optionally filtered by action type
// and a time window.
func (rec *Recorder) ByAsset(ctx context.Context, assetID, actionType string, since time.Time) ([]model.InteractionRecord, error) {
	return rec.store.InteractionsByAsset(ctx, assetID, actionType, since)
}

// Stats aggregates interaction activity for one asset.
func (rec *Recorder) Stats(ctx context.Context, assetID string) (*model.InteractionStats, error) {
	return rec.store.InteractionStats(ctx, assetID)
}

// HasUserLiked reports whether the user currently has an active like.
func (rec *Recorder) HasUserLiked(ctx context.Context, userID, assetID string) (bool, error) {
	_, err := rec.store.FindLike(ctx, userID, assetID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Reset24hCounters zeroes the rolling 24h counters on every asset. Invoked
// by an external scheduler, not self-timed.
func (rec *Recorder) Reset24hCounters(ctx context.Context) error {
	return rec.store.Reset24hCounters(ctx)
}

// --- HTTP Handlers ---

// RecordRequest is the JSON body for POST /api/v1/interactions.
type RecordRequest struct {
	UserID  string `json:"user_id"`
	AssetID string `json:"asset_id"`
	Action  string `json:"action"`
}

// HandleRecord handles POST /api/v1/interactions
func (rec *Recorder) HandleRecord(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := rec.Record(r.Context(), req.UserID, req.AssetID, req.Action)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			status := http.StatusBadRequest
			if verr.Reason == model.ReasonAssetNotFound {
				status = http.StatusNotFound
			}
			writeError(w, verr.Error(), status)
			return
		}
		if store.IsConflict(err) {
			writeError(w, "temporarily unavailable, retry", http.StatusServiceUnavailable)
			return
		}
		slog.Error("interaction failed", "err", err)
		writeError(w, "interaction failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// HandleStats handles GET /api/v1/assets/{assetID}/interactions/stats
func (rec *Recorder) HandleStats(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")

	stats, err := rec.Stats(r.Context(), assetID)
	if err != nil {
		writeError(w, "asset not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// HandleByAsset handles GET /api/v1/assets/{assetID}/interactions
// Optional filters: ?action=<type>&since=<RFC3339>.
func (rec *Recorder) HandleByAsset(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	action := r.URL.Query().Get("action")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	records, err := rec.ByAsset(r.Context(), assetID, action, since)
	if err != nil {
		writeError(w, "failed to list interactions", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.InteractionRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// HandleByUser handles GET /api/v1/users/{userID}/interactions
func (rec *Recorder) HandleByUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	records, err := rec.ByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list interactions", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.InteractionRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// HandleReset24h handles POST /api/v1/maintenance/reset-24h
func (rec *Recorder) HandleReset24h(w http.ResponseWriter, r *http.Request) {
	if err := rec.Reset24hCounters(r.Context()); err != nil {
		slog.Error("24h counter reset failed", "err", err)
		writeError(w, "reset failed", http.StatusInternalServerError)
		return
	}

	slog.Info("24h counters reset")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
