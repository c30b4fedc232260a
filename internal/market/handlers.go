package market

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tunebase/market-engine/internal/model"
	"github.com/tunebase/market-engine/internal/store"
)

// --- Request types ---

// BuyRequest is the JSON body for POST /api/v1/trade/buy.
type BuyRequest struct {
	UserID   string `json:"user_id"`
	AssetID  string `json:"asset_id"`
	Quantity int64  `json:"quantity"` // 0 defaults to 1
}

// SellRequest is the JSON body for POST /api/v1/trade/sell.
type SellRequest struct {
	UserID    string `json:"user_id"`
	HoldingID string `json:"holding_id"`
}

// CreateAssetRequest is the JSON body for POST /api/v1/assets.
type CreateAssetRequest struct {
	Title       string          `json:"title"`
	Artist      string          `json:"artist"`
	BasePrice   decimal.Decimal `json:"base_price"`
	MaxEditions *int64          `json:"max_editions"` // nil = unlimited
}

// CreateUserRequest is the JSON body for POST /api/v1/users. It seeds the
// settlement balance and virtual wallet for a new user.
type CreateUserRequest struct {
	UserID          string          `json:"user_id"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
}

// WithdrawRequest is the JSON body for POST /api/v1/treasury/withdraw.
type WithdrawRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
}

// --- Handlers ---

// HandleBuy handles POST /api/v1/trade/buy
func (e *Engine) HandleBuy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	result, err := e.ExecuteBuy(r.Context(), req.UserID, req.AssetID, req.Quantity)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// HandleSell handles POST /api/v1/trade/sell
func (e *Engine) HandleSell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := e.ExecuteSell(r.Context(), req.UserID, req.HoldingID)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// HandleAssetMarketData handles GET /api/v1/assets/{assetID}/market
func (e *Engine) HandleAssetMarketData(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")

	data, err := e.AssetMarketData(r.Context(), assetID)
	if err != nil {
		writeError(w, "asset not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// HandleOverview handles GET /api/v1/market/overview
func (e *Engine) HandleOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := e.MarketOverview(r.Context())
	if err != nil {
		slog.Error("market overview failed", "err", err)
		writeError(w, "failed to build market overview", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(overview)
}

// HandleCreateAsset handles POST /api/v1/assets
func (e *Engine) HandleCreateAsset(w http.ResponseWriter, r *http.Request) {
	var req CreateAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		writeError(w, "title is required", http.StatusBadRequest)
		return
	}
	if req.BasePrice.IsNegative() {
		writeError(w, "base_price must not be negative", http.StatusBadRequest)
		return
	}
	if req.MaxEditions != nil && *req.MaxEditions < 1 {
		writeError(w, "max_editions must be positive", http.StatusBadRequest)
		return
	}

	asset := &model.Asset{
		ID:                uuid.New().String(),
		Title:             req.Title,
		Artist:            req.Artist,
		BasePrice:         req.BasePrice.Round(model.MoneyScale),
		SocialAccumulator: decimal.Zero,
		MaxEditions:       req.MaxEditions,
		Volume24h:         decimal.Zero,
		SocialEvent:       model.EventNone,
		Active:            true,
		CreatedAt:         e.now().UTC(),
	}
	if req.MaxEditions != nil {
		available := *req.MaxEditions
		asset.AvailableEditions = &available
	}

	if err := e.store.CreateAsset(r.Context(), asset); err != nil {
		writeError(w, "failed to create asset", http.StatusConflict)
		return
	}

	slog.Info("asset created",
		"id", asset.ID,
		"title", asset.Title,
		"base_price", asset.BasePrice.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(asset)
}

// HandleListAssets handles GET /api/v1/assets
func (e *Engine) HandleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := e.store.ListAssets(r.Context())
	if err != nil {
		writeError(w, "failed to list assets", http.StatusInternalServerError)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(assets)
}

// HandleCreateUser handles POST /api/v1/users
func (e *Engine) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.StartingBalance.IsNegative() {
		writeError(w, "starting_balance must not be negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	now := e.now().UTC()
	settlement := &model.SettlementBalance{
		UserID:           req.UserID,
		AvailableBalance: req.StartingBalance.Round(model.MoneyScale),
		LockedBalance:    decimal.Zero,
		UpdatedAt:        now,
	}
	if err := e.store.CreateSettlement(ctx, settlement); err != nil {
		writeError(w, "failed to create settlement balance", http.StatusInternalServerError)
		return
	}
	wallet := &model.VirtualWallet{UserID: req.UserID, Balance: decimal.Zero, UpdatedAt: now}
	if err := e.store.CreateWallet(ctx, wallet); err != nil {
		writeError(w, "failed to create wallet", http.StatusInternalServerError)
		return
	}

	slog.Info("user ledgers created", "user", req.UserID, "balance", settlement.AvailableBalance.String())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(settlement)
}

// HandleBalance handles GET /api/v1/users/{userID}/balance
func (e *Engine) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	settlement, err := e.store.GetSettlement(r.Context(), userID)
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(settlement)
}

// HandleHoldings handles GET /api/v1/users/{userID}/holdings
func (e *Engine) HandleHoldings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	holdings, err := e.store.ListHoldingsByOwner(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list holdings", http.StatusInternalServerError)
		return
	}
	if holdings == nil {
		holdings = []model.Holding{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(holdings)
}

// HandleLedger handles GET /api/v1/users/{userID}/ledger
func (e *Engine) HandleLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	entries, err := e.store.ListLedgerEntriesByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list ledger entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// HandleTreasury handles GET /api/v1/treasury
func (e *Engine) HandleTreasury(w http.ResponseWriter, r *http.Request) {
	treasury, err := e.store.GetTreasury(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lazily created; an untouched treasury is an empty one.
			json.NewEncoder(w).Encode(&model.Treasury{})
			return
		}
		writeError(w, "failed to load treasury", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(treasury)
}

// HandleWithdrawTreasury handles POST /api/v1/treasury/withdraw
func (e *Engine) HandleWithdrawTreasury(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	treasury, err := e.WithdrawTreasury(r.Context(), req.Amount, req.Destination)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(treasury)
}

// writeTradeError maps engine errors onto HTTP statuses: validation failures
// by reason, retry exhaustion and raw conflicts as retryable 503s, anything
// else as a 500.
func writeTradeError(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		status := http.StatusConflict
		switch verr.Reason {
		case model.ReasonUserNotFound, model.ReasonAssetNotFound:
			status = http.StatusNotFound
		case model.ReasonInvalidQuantity, model.ReasonInvalidAction:
			status = http.StatusBadRequest
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(verr)
		return
	}

	var exhausted *ExhaustedRetriesError
	if errors.As(err, &exhausted) {
		writeError(w, exhausted.Error(), http.StatusServiceUnavailable)
		return
	}
	if store.IsConflict(err) {
		writeError(w, "temporarily unavailable, retry", http.StatusServiceUnavailable)
		return
	}

	slog.Error("trade failed", "err", err)
	writeError(w, "trade failed", http.StatusInternalServerError)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
