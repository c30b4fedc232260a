package interaction_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tunebase/market-engine/internal/interaction"
	"github.com/tunebase/market-engine/internal/model"
	"github.com/tunebase/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a recorder with in-memory store and chi router.
func newTestEnv(t *testing.T) (*interaction.Recorder, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := interaction.NewRecorder(ms, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/interactions", rec.HandleRecord)
	r.Get("/api/v1/assets/{assetID}/interactions", rec.HandleByAsset)
	r.Get("/api/v1/assets/{assetID}/interactions/stats", rec.HandleStats)
	r.Get("/api/v1/users/{userID}/interactions", rec.HandleByUser)
	r.Post("/api/v1/maintenance/reset-24h", rec.HandleReset24h)

	return rec, ms, r
}

// seedAsset creates a test asset directly in the store.
func seedAsset(t *testing.T, ms *store.MemoryStore, id string, accumulator float64) *model.Asset {
	t.Helper()
	asset := &model.Asset{
		ID:                id,
		Title:             "Test Track",
		Artist:            "Test Artist",
		BasePrice:         decimal.Zero,
		SocialAccumulator: d(accumulator),
		Volume24h:         decimal.Zero,
		SocialEvent:       model.EventNone,
		Active:            true,
		CreatedAt:         time.Now().UTC(),
	}
	if err := ms.CreateAsset(context.Background(), asset); err != nil {
		t.Fatalf("failed to seed asset: %v", err)
	}
	return asset
}

func TestRecord_Like(t *testing.T) {
	rec, ms, _ := newTestEnv(t)
	seedAsset(t, ms, "asset-1", 10.00)
	ctx := context.Background()

	result, err := rec.Record(ctx, "user1", "asset-1", model.ActionLike)
	if err != nil {
		t.Fatalf("like failed: %v", err)
	}

	if result.Removed {
		t.Error("first like should not be a removal")
	}
	if !result.Delta.Equal(d(0.10)) {
		t.Errorf("expected delta 0.10, got %s", result.Delta)
	}
	if !result.NewValue.Equal(d(10.10)) {
		t.Errorf("expected new value 10.10, got %s", result.NewValue)
	}
	if result.InteractionCount != 1 {
		t.Errorf("expected interaction count 1, got %d", result.InteractionCount)
	}

	liked, err := rec.HasUserLiked(ctx, "user1", "asset-1")
	if err != nil {
		t.Fatalf("HasUserLiked failed: %v", err)
	}
	if !liked {
		t.Error("expected HasUserLiked=true after like")
	}
}

func TestRecord_LikeToggleRoundTrip(t *testing.T) {
	rec, ms, _ := newTestEnv(t)
	seedAsset(t, ms, "asset-1", 10.00)
	ctx := context.Background()

	before, _ := ms.GetAsset(ctx, "asset-1")

	if _, err := rec.Record(ctx, "user1", "asset-1", model.ActionLike); err != nil {
		t.Fatalf("like failed: %v", err)
	}

	result, err := rec.Record(ctx, "user1", "asset-1", model.ActionLike)
	if err != nil {
		t.Fatalf("unlike failed: %v", err)
	}
	if !result.Removed {
		t.Error("second like should toggle off")
	}

	after, _ := ms.GetAsset(ctx, "asset-1")
	if !after.SocialAccumulator.Equal(before.SocialAccumulator) {
		t.Errorf("accumulator should round-trip: before=%s after=%s",
			before.SocialAccumulator, after.SocialAccumulator)
	}
	if after.InteractionCount != before.InteractionCount {
		t.Errorf("interaction count should round-trip: before=%d after=%d",
			before.InteractionCount, after.InteractionCount)
	}

	liked, _ := rec.HasUserLiked(ctx, "user1", "asset-1")
	if liked {
		t.Error("expected HasUserLiked=false after unlike")
	}
}

func TestRecord_ShareCountersAndDelta(t *testing.T) {
	rec, ms, _ := newTestEnv(t)
	seedAsset(t, ms, "asset-1", 0)
	ctx := context.Background()

	// Shares never toggle; each one accumulates.
	for i := 0; i < 3; i++ {
		if _, err := rec.Record(ctx, "user1", "asset-1", model.ActionShare); err != nil {
			t.Fatalf("share %d failed: %v", i, err)
		}
	}

	a, _ := ms.GetAsset(ctx, "asset-1")
	if a.ShareCount != 3 || a.ShareCount24h != 3 {
		t.Errorf("expected share counts 3/3, got %d/%d", a.ShareCount, a.ShareCount24h)
	}
	if a.InteractionCount != 3 {
		t.Errorf("expected interaction count 3, got %d", a.InteractionCount)
	}
	if !a.SocialAccumulator.Equal(d(1.50)) {
		t.Errorf("expected accumulator 1.50, got %s", a.SocialAccumulator)
	}
}

func TestRecord_SharesTriggerTrendingThenViral(t *testing.T) {
	rec, ms, _ := newTestEnv(t)
	seedAsset(t, ms, "asset-1", 0)
	ctx := context.Background()

	var last *interaction.Result
	for i := 0; i < 5; i++ {
		var err error
		last, err = rec.Record(ctx, "user1", "asset-1", model.ActionShare)
		if err != nil {
			t.Fatalf("share %d failed: %v", i, err)
		}
	}
	if last.SocialEvent != model.EventTrending {
		t.Errorf("expected trending after 5 shares, got %s", last.SocialEvent)
	}

	for i := 5; i < 10; i++ {
		var err error
		last, err = rec.Record(ctx, "user1", "asset-1", model.ActionShare)
		if err != nil {
			t.Fatalf("share %d failed: %v", i, err)
		}
	}
	if last.SocialEvent != model.EventViral {
		t.Errorf("expected viral after 10 shares, got %s", last.SocialEvent)
	}

	a, _ := ms.GetAsset(ctx, "asset-1")
	if a.SocialEventExpiry == nil {
		t.Fatal("expected a social event expiry to be set")
	}
}

func TestRecord_InvalidAction(t *testing.T) {
	rec, ms, _ := newTestEnv(t)
	seedAsset(t, ms, "asset-1", 0)

	_, err := rec.Record(context.Background(), "user1", "asset-1", "repost")
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Reason != model.ReasonInvalidAction {
		t.Errorf("expected invalid_action validation failure, got %v", err)
	}
}

func TestRecord_AssetNotFound(t *testing.T) {
	rec, _, _ := newTestEnv(t)

	_, err := rec.Record(context.Background(), "user1", "ghost", model.ActionLike)
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Reason != model.ReasonAssetNotFound {
		t.Errorf("expected asset_not_found validation failure, got %v", err)
	}
}

func TestStats_CountsAndDistinctUsers(t *testing.T) {
	rec, ms, _ := newTestEnv(t)
	seedAsset(t, ms, "asset-1", 0)
	ctx := context.Background()

	rec.Record(ctx, "user1", "asset-1", model.ActionLike)
	rec.Record(ctx, "user2", "asset-1", model.ActionLike)
	rec.Record(ctx, "user1", "asset-1", model.ActionShare)
	rec.Record(ctx, "user1", "asset-1", model.ActionView)

	stats, err := rec.Stats(ctx, "asset-1")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}

	if stats.CountsByType[model.ActionLike] != 2 {
		t.Errorf("expected 2 likes, got %d", stats.CountsByType[model.ActionLike])
	}
	if stats.CountsByType[model.ActionShare] != 1 {
		t.Errorf("expected 1 share, got %d", stats.CountsByType[model.ActionShare])
	}
	if stats.DistinctUsers != 2 {
		t.Errorf("expected 2 distinct users, got %d", stats.DistinctUsers)
	}
}

func TestByAsset_ActionFilter(t *testing.T) {
	rec, ms, _ := newTestEnv(t)
	seedAsset(t, ms, "asset-1", 0)
	ctx := context.Background()

	rec.Record(ctx, "user1", "asset-1", model.ActionLike)
	rec.Record(ctx, "user1", "asset-1", model.ActionShare)
	rec.Record(ctx, "user2", "asset-1", model.ActionShare)

	shares, err := rec.ByAsset(ctx, "asset-1", model.ActionShare, time.Time{})
	if err != nil {
		t.Fatalf("ByAsset failed: %v", err)
	}
	if len(shares) != 2 {
		t.Fatalf("expected 2 shares, got %d", len(shares))
	}
	for _, r := range shares {
		if r.ActionType != model.ActionShare {
			t.Errorf("filter leaked action type %s", r.ActionType)
		}
	}
}

func TestReset24hCounters(t *testing.T) {
	rec, ms, _ := newTestEnv(t)
	seedAsset(t, ms, "asset-1", 0)
	ctx := context.Background()

	rec.Record(ctx, "user1", "asset-1", model.ActionShare)
	rec.Record(ctx, "user1", "asset-1", model.ActionShare)

	if err := rec.Reset24hCounters(ctx); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	a, _ := ms.GetAsset(ctx, "asset-1")
	if a.ShareCount24h != 0 {
		t.Errorf("expected share_count_24h reset to 0, got %d", a.ShareCount24h)
	}
	if a.ShareCount != 2 {
		t.Errorf("lifetime share count should survive reset, got %d", a.ShareCount)
	}
	if !a.Volume24h.IsZero() {
		t.Errorf("expected volume_24h reset to 0, got %s", a.Volume24h)
	}
}

// --- HTTP surface ---

func TestHandleRecord_HTTP(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAsset(t, ms, "asset-1", 5.00)

	body, _ := json.Marshal(interaction.RecordRequest{
		UserID:  "user1",
		AssetID: "asset-1",
		Action:  model.ActionComment,
	})
	req := httptest.NewRequest("POST", "/api/v1/interactions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result interaction.Result
	json.Unmarshal(w.Body.Bytes(), &result)
	if !result.Delta.Equal(d(0.20)) {
		t.Errorf("expected comment delta 0.20, got %s", result.Delta)
	}
}

func TestHandleRecord_HTTP_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	body, _ := json.Marshal(interaction.RecordRequest{
		UserID:  "user1",
		AssetID: "ghost",
		Action:  model.ActionLike,
	})
	req := httptest.NewRequest("POST", "/api/v1/interactions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
