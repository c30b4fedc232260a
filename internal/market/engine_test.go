package market_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tunebase/market-engine/internal/market"
	"github.com/tunebase/market-engine/internal/model"
	"github.com/tunebase/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a trade engine with in-memory store and chi router.
func newTestEnv(t *testing.T) (*market.Engine, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	engine := market.NewEngine(ms, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/trade/buy", engine.HandleBuy)
	r.Post("/api/v1/trade/sell", engine.HandleSell)
	r.Get("/api/v1/assets/{assetID}/market", engine.HandleAssetMarketData)
	r.Get("/api/v1/market/overview", engine.HandleOverview)
	r.Get("/api/v1/treasury", engine.HandleTreasury)
	r.Post("/api/v1/treasury/withdraw", engine.HandleWithdrawTreasury)

	return engine, ms, r
}

// seedUser creates the settlement balance and wallet for a test user.
func seedUser(t *testing.T, ms *store.MemoryStore, userID string, balance float64) {
	t.Helper()
	ctx := context.Background()
	err := ms.CreateSettlement(ctx, &model.SettlementBalance{
		UserID:           userID,
		AvailableBalance: d(balance),
		LockedBalance:    decimal.Zero,
		UpdatedAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed settlement: %v", err)
	}
	err = ms.CreateWallet(ctx, &model.VirtualWallet{
		UserID:    userID,
		Balance:   decimal.Zero,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed wallet: %v", err)
	}
}

// seedAsset creates a test asset with the given accumulator and age.
func seedAsset(t *testing.T, ms *store.MemoryStore, id string, accumulator float64, ageDays int, maxEditions *int64) *model.Asset {
	t.Helper()
	asset := &model.Asset{
		ID:                id,
		Title:             "Test Track",
		Artist:            "Test Artist",
		BasePrice:         decimal.Zero,
		SocialAccumulator: d(accumulator),
		MaxEditions:       maxEditions,
		Volume24h:         decimal.Zero,
		SocialEvent:       model.EventNone,
		Active:            true,
		CreatedAt:         time.Now().UTC().Add(-time.Duration(ageDays) * 24 * time.Hour),
	}
	if maxEditions != nil {
		available := *maxEditions
		asset.AvailableEditions = &available
	}
	if err := ms.CreateAsset(context.Background(), asset); err != nil {
		t.Fatalf("failed to seed asset: %v", err)
	}
	return asset
}

func seedHolding(t *testing.T, ms *store.MemoryStore, engine *market.Engine, userID, assetID string) string {
	t.Helper()
	result, err := engine.ExecuteBuy(context.Background(), userID, assetID, 1)
	if err != nil {
		t.Fatalf("failed to seed holding: %v", err)
	}
	return result.Debug.HoldingIDs[0]
}

func int64p(v int64) *int64 { return &v }

// --- Buy ---

func TestExecuteBuy_DebitAndFee(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 2000.00)
	seedAsset(t, ms, "asset-1", 1000.00, 0, nil)
	ctx := context.Background()

	result, err := engine.ExecuteBuy(ctx, "user1", "asset-1", 1)
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	if !result.Financial.UnitPrice.Equal(d(1050.00)) {
		t.Errorf("expected buy price 1050.00, got %s", result.Financial.UnitPrice)
	}
	if !result.Financial.Fee.Equal(d(50.00)) {
		t.Errorf("expected fee 50.00, got %s", result.Financial.Fee)
	}
	if !result.Financial.NewSettlementBalance.Equal(d(950.00)) {
		t.Errorf("expected new balance 950.00, got %s", result.Financial.NewSettlementBalance)
	}

	settlement, _ := ms.GetSettlement(ctx, "user1")
	if !settlement.AvailableBalance.Equal(d(950.00)) {
		t.Errorf("settlement should be 950.00, got %s", settlement.AvailableBalance)
	}

	treasury, err := ms.GetTreasury(ctx)
	if err != nil {
		t.Fatalf("treasury should exist after trade: %v", err)
	}
	if !treasury.Balance.Equal(d(50.00)) {
		t.Errorf("treasury balance should be 50.00, got %s", treasury.Balance)
	}
	if !treasury.TotalFeesCollected.Equal(d(50.00)) {
		t.Errorf("total fees should be 50.00, got %s", treasury.TotalFeesCollected)
	}
	if treasury.TotalTransactions != 1 {
		t.Errorf("expected 1 treasury transaction, got %d", treasury.TotalTransactions)
	}

	holdings, _ := ms.ListHoldingsByOwner(ctx, "user1")
	if len(holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(holdings))
	}
	if !holdings[0].Active {
		t.Error("new holding should be active")
	}
	if !holdings[0].PurchasePrice.Equal(d(1050.00)) {
		t.Errorf("purchase price should be 1050.00, got %s", holdings[0].PurchasePrice)
	}

	entries, _ := ms.ListLedgerEntriesByUser(ctx, "user1")
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 ledger entry, got %d", len(entries))
	}
	if !entries[0].Amount.Equal(d(-1050.00)) {
		t.Errorf("ledger amount should be -1050.00, got %s", entries[0].Amount)
	}
}

func TestExecuteBuy_MultiUnit(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 5000.00)
	seedAsset(t, ms, "asset-1", 1000.00, 0, nil)
	ctx := context.Background()

	result, err := engine.ExecuteBuy(ctx, "user1", "asset-1", 3)
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	if !result.Financial.GrossAmount.Equal(d(3150.00)) {
		t.Errorf("expected gross 3150.00, got %s", result.Financial.GrossAmount)
	}
	if !result.Financial.Fee.Equal(d(150.00)) {
		t.Errorf("expected fee 150.00, got %s", result.Financial.Fee)
	}
	if len(result.Debug.HoldingIDs) != 3 {
		t.Errorf("expected 3 holdings, got %d", len(result.Debug.HoldingIDs))
	}

	entries, _ := ms.ListLedgerEntriesByUser(ctx, "user1")
	if len(entries) != 1 {
		t.Errorf("multi-unit buy should produce exactly 1 ledger entry, got %d", len(entries))
	}
}

func TestExecuteBuy_InsufficientFunds(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 1000.00)
	seedAsset(t, ms, "asset-1", 1000.00, 0, nil)
	ctx := context.Background()

	_, err := engine.ExecuteBuy(ctx, "user1", "asset-1", 1)

	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if verr.Reason != model.ReasonInsufficientFunds {
		t.Errorf("expected insufficient_funds, got %s", verr.Reason)
	}
	if !verr.Shortfall.Equal(d(50.00)) {
		t.Errorf("expected exact shortfall 50.00, got %s", verr.Shortfall)
	}

	// No state change on validation failure.
	settlement, _ := ms.GetSettlement(ctx, "user1")
	if !settlement.AvailableBalance.Equal(d(1000.00)) {
		t.Errorf("balance should be untouched, got %s", settlement.AvailableBalance)
	}
	if holdings, _ := ms.ListHoldingsByOwner(ctx, "user1"); len(holdings) != 0 {
		t.Errorf("no holdings should exist, got %d", len(holdings))
	}
	if _, err := ms.GetTreasury(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Error("treasury should not have been committed")
	}
}

func TestExecuteBuy_EditionAccounting(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 100000.00)
	seedAsset(t, ms, "asset-1", 100.00, 0, int64p(3))
	ctx := context.Background()

	if _, err := engine.ExecuteBuy(ctx, "user1", "asset-1", 2); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	a, _ := ms.GetAsset(ctx, "asset-1")
	if *a.AvailableEditions != 1 {
		t.Errorf("expected 1 edition left, got %d", *a.AvailableEditions)
	}

	// Buying more than remaining stock fails without partial fill.
	_, err := engine.ExecuteBuy(ctx, "user1", "asset-1", 2)
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Reason != model.ReasonInsufficientStock {
		t.Fatalf("expected insufficient_stock, got %v", err)
	}

	a, _ = ms.GetAsset(ctx, "asset-1")
	if *a.AvailableEditions != 1 {
		t.Errorf("failed buy must not change stock, got %d", *a.AvailableEditions)
	}

	// Editions stay within [0, max] across a full drain and a sell-back.
	if _, err := engine.ExecuteBuy(ctx, "user1", "asset-1", 1); err != nil {
		t.Fatalf("final buy failed: %v", err)
	}
	a, _ = ms.GetAsset(ctx, "asset-1")
	if *a.AvailableEditions != 0 {
		t.Errorf("expected 0 editions, got %d", *a.AvailableEditions)
	}

	holdings, _ := ms.ListHoldingsByOwner(ctx, "user1")
	if _, err := engine.ExecuteSell(ctx, "user1", holdings[0].ID); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	a, _ = ms.GetAsset(ctx, "asset-1")
	if *a.AvailableEditions != 1 {
		t.Errorf("sell should return one edition, got %d", *a.AvailableEditions)
	}
	if *a.AvailableEditions < 0 || *a.AvailableEditions > *a.MaxEditions {
		t.Errorf("editions out of bounds: %d of %d", *a.AvailableEditions, *a.MaxEditions)
	}
}

func TestExecuteBuy_InactiveAsset(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 1000.00)
	asset := seedAsset(t, ms, "asset-1", 100.00, 0, nil)
	asset.Active = false
	ms.CreateAsset(context.Background(), asset)

	_, err := engine.ExecuteBuy(context.Background(), "user1", "asset-1", 1)
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Reason != model.ReasonAssetInactive {
		t.Errorf("expected asset_inactive, got %v", err)
	}
}

func TestExecuteBuy_UnknownUser(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedAsset(t, ms, "asset-1", 100.00, 0, nil)

	_, err := engine.ExecuteBuy(context.Background(), "ghost", "asset-1", 1)
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Reason != model.ReasonUserNotFound {
		t.Errorf("expected user_not_found, got %v", err)
	}
}

// --- Sell ---

func TestExecuteSell_TenDayExample(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 2000.00)
	seedAsset(t, ms, "asset-1", 1000.00, 10, nil)
	ctx := context.Background()

	holdingID := seedHolding(t, ms, engine, "user1", "asset-1")

	// The buy bumped the accumulator; reset it so the sell sees exactly 1000.
	a, _ := ms.GetAsset(ctx, "asset-1")
	a.SocialAccumulator = d(1000.00)
	ms.CreateAsset(ctx, a)

	balanceBefore, _ := ms.GetSettlement(ctx, "user1")
	treasuryBefore, _ := ms.GetTreasury(ctx)

	result, err := engine.ExecuteSell(ctx, "user1", holdingID)
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	if !result.Financial.UnitPrice.Equal(d(881.10)) {
		t.Errorf("expected sell price 881.10, got %s", result.Financial.UnitPrice)
	}
	if !result.Financial.Fee.Equal(d(118.90)) {
		t.Errorf("expected fee 118.90, got %s", result.Financial.Fee)
	}

	settlement, _ := ms.GetSettlement(ctx, "user1")
	wantBalance := balanceBefore.AvailableBalance.Add(d(881.10))
	if !settlement.AvailableBalance.Equal(wantBalance) {
		t.Errorf("expected balance %s, got %s", wantBalance, settlement.AvailableBalance)
	}

	treasury, _ := ms.GetTreasury(ctx)
	wantTreasury := treasuryBefore.Balance.Add(d(118.90))
	if !treasury.Balance.Equal(wantTreasury) {
		t.Errorf("expected treasury %s, got %s", wantTreasury, treasury.Balance)
	}

	holding, _ := ms.GetHolding(ctx, holdingID)
	if holding.Active {
		t.Error("sold holding should be retired")
	}
	if holding.RetiredAt == nil {
		t.Error("retired holding should carry a retirement time")
	}
}

func TestExecuteSell_HoldingNotOwned(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 2000.00)
	seedUser(t, ms, "user2", 2000.00)
	seedAsset(t, ms, "asset-1", 100.00, 0, nil)

	holdingID := seedHolding(t, ms, engine, "user1", "asset-1")

	_, err := engine.ExecuteSell(context.Background(), "user2", holdingID)
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Reason != model.ReasonHoldingUnavailable {
		t.Errorf("expected holding_not_available, got %v", err)
	}
}

func TestExecuteSell_RetiredHoldingNeverReused(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 2000.00)
	seedAsset(t, ms, "asset-1", 100.00, 0, nil)
	ctx := context.Background()

	holdingID := seedHolding(t, ms, engine, "user1", "asset-1")

	if _, err := engine.ExecuteSell(ctx, "user1", holdingID); err != nil {
		t.Fatalf("first sell failed: %v", err)
	}

	_, err := engine.ExecuteSell(ctx, "user1", holdingID)
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Reason != model.ReasonHoldingUnavailable {
		t.Errorf("second sell of same holding should fail, got %v", err)
	}
}

func TestExecuteSell_ConcurrentSameHolding(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 2000.00)
	seedAsset(t, ms, "asset-1", 100.00, 0, nil)

	holdingID := seedHolding(t, ms, engine, "user1", "asset-1")
	balanceBefore, _ := ms.GetSettlement(context.Background(), "user1")

	const attempts = 4
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = engine.ExecuteSell(context.Background(), "user1", holdingID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var verr *model.ValidationError
		if !errors.As(err, &verr) || verr.Reason != model.ReasonHoldingUnavailable {
			t.Errorf("loser should fail with holding_not_available, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("exactly one concurrent sell should succeed, got %d", succeeded)
	}

	// The winner credited the balance exactly once.
	settlement, _ := ms.GetSettlement(context.Background(), "user1")
	if !settlement.AvailableBalance.GreaterThan(balanceBefore.AvailableBalance) {
		t.Error("winning sell should credit the balance")
	}
}

// --- Retry discipline ---

func TestExecuteBuy_RetriesOnConflict(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 2000.00)
	seedAsset(t, ms, "asset-1", 100.00, 0, nil)

	ms.InjectCommitConflicts(1)

	result, err := engine.ExecuteBuy(context.Background(), "user1", "asset-1", 1)
	if err != nil {
		t.Fatalf("buy should succeed after retry: %v", err)
	}
	if result.Debug.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Debug.Attempts)
	}

	settlement, _ := ms.GetSettlement(context.Background(), "user1")
	if !settlement.AvailableBalance.Equal(d(1895.00)) {
		t.Errorf("expected balance 1895.00 after one debit, got %s", settlement.AvailableBalance)
	}
}

func TestExecuteBuy_ExhaustedRetries(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 2000.00)
	seedAsset(t, ms, "asset-1", 100.00, 0, nil)
	ctx := context.Background()

	ms.InjectCommitConflicts(3)

	_, err := engine.ExecuteBuy(ctx, "user1", "asset-1", 1)

	var exhausted *market.ExhaustedRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedRetriesError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", exhausted.Attempts)
	}
	if !store.IsConflict(exhausted.Last) {
		t.Errorf("last error should be the underlying conflict, got %v", exhausted.Last)
	}

	// No balance change at all.
	settlement, _ := ms.GetSettlement(ctx, "user1")
	if !settlement.AvailableBalance.Equal(d(2000.00)) {
		t.Errorf("balance must be untouched, got %s", settlement.AvailableBalance)
	}
	if holdings, _ := ms.ListHoldingsByOwner(ctx, "user1"); len(holdings) != 0 {
		t.Errorf("no holdings should exist, got %d", len(holdings))
	}
}

func TestExecuteBuy_ValidationFailureNotRetried(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 1.00)
	seedAsset(t, ms, "asset-1", 100.00, 0, nil)

	// Conflicts are staged, but the validation failure surfaces first and
	// must not consume retry attempts.
	ms.InjectCommitConflicts(3)

	_, err := engine.ExecuteBuy(context.Background(), "user1", "asset-1", 1)
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Reason != model.ReasonInsufficientFunds {
		t.Fatalf("expected insufficient_funds on first attempt, got %v", err)
	}
}

// --- Treasury ---

func TestTreasury_MonotonicAcrossTrades(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000.00)
	seedAsset(t, ms, "asset-1", 500.00, 30, nil)
	ctx := context.Background()

	var lastBalance, lastFees decimal.Decimal
	for i := 0; i < 3; i++ {
		result, err := engine.ExecuteBuy(ctx, "user1", "asset-1", 1)
		if err != nil {
			t.Fatalf("buy %d failed: %v", i, err)
		}
		treasury, _ := ms.GetTreasury(ctx)
		wantBalance := lastBalance.Add(result.Financial.Fee)
		if !treasury.Balance.Equal(wantBalance) {
			t.Errorf("trade %d: treasury should grow by exactly the fee: want %s got %s",
				i, wantBalance, treasury.Balance)
		}
		if treasury.TotalFeesCollected.LessThan(lastFees) {
			t.Errorf("total fees must never decrease")
		}
		lastBalance = treasury.Balance
		lastFees = treasury.TotalFeesCollected
	}

	holdings, _ := ms.ListHoldingsByOwner(ctx, "user1")
	result, err := engine.ExecuteSell(ctx, "user1", holdings[0].ID)
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	treasury, _ := ms.GetTreasury(ctx)
	if !treasury.Balance.Equal(lastBalance.Add(result.Financial.Fee)) {
		t.Errorf("sell fee should credit treasury exactly")
	}
}

func TestWithdrawTreasury(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 2000.00)
	seedAsset(t, ms, "asset-1", 1000.00, 0, nil)
	ctx := context.Background()

	if _, err := engine.ExecuteBuy(ctx, "user1", "asset-1", 1); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	treasury, err := engine.WithdrawTreasury(ctx, d(30.00), "ops-account")
	if err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}
	if !treasury.Balance.Equal(d(20.00)) {
		t.Errorf("expected balance 20.00 after withdrawal, got %s", treasury.Balance)
	}
	if !treasury.TotalFeesCollected.Equal(d(50.00)) {
		t.Errorf("lifetime fees must survive withdrawal, got %s", treasury.TotalFeesCollected)
	}

	// Overdraw fails with the exact shortfall.
	_, err = engine.WithdrawTreasury(ctx, d(100.00), "ops-account")
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Reason != model.ReasonInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %v", err)
	}
	if !verr.Shortfall.Equal(d(80.00)) {
		t.Errorf("expected shortfall 80.00, got %s", verr.Shortfall)
	}
}

// --- Market data ---

func TestMarketOverview(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedAsset(t, ms, "asset-1", 100.00, 0, nil)
	seedAsset(t, ms, "asset-2", 200.00, 0, nil)
	ctx := context.Background()

	// Push asset-2 into trending range.
	a, _ := ms.GetAsset(ctx, "asset-2")
	a.ShareCount = 7
	a.ShareCount24h = 7
	a.SocialEvent = model.EventTrending
	expiry := time.Now().UTC().Add(12 * time.Hour)
	a.SocialEventExpiry = &expiry
	ms.CreateAsset(ctx, a)

	overview, err := engine.MarketOverview(ctx)
	if err != nil {
		t.Fatalf("overview failed: %v", err)
	}

	if overview.TotalAssets != 2 || overview.ActiveAssets != 2 {
		t.Errorf("expected 2/2 assets, got %d/%d", overview.TotalAssets, overview.ActiveAssets)
	}
	if !overview.TotalCapitalization.Equal(d(300.00)) {
		t.Errorf("expected capitalization 300.00, got %s", overview.TotalCapitalization)
	}
	if len(overview.Trending) != 1 || overview.Trending[0].AssetID != "asset-2" {
		t.Errorf("expected asset-2 trending, got %+v", overview.Trending)
	}
	if len(overview.MostShared) != 1 || overview.MostShared[0].AssetID != "asset-2" {
		t.Errorf("most shared should list only assets with shares, got %+v", overview.MostShared)
	}
}

func TestAssetMarketData(t *testing.T) {
	engine, ms, _ := newTestEnv(t)
	seedAsset(t, ms, "asset-1", 1000.00, 0, int64p(10))

	data, err := engine.AssetMarketData(context.Background(), "asset-1")
	if err != nil {
		t.Fatalf("market data failed: %v", err)
	}

	if !data.CurrentValue.Equal(d(1000.00)) {
		t.Errorf("expected current value 1000.00, got %s", data.CurrentValue)
	}
	if !data.BuyPrice.Equal(d(1050.00)) {
		t.Errorf("expected buy price 1050.00, got %s", data.BuyPrice)
	}
	if !data.WithdrawalFee.Equal(d(0.12)) {
		t.Errorf("new asset should pay max withdrawal fee, got %s", data.WithdrawalFee)
	}
	if data.Sentiment == "" {
		t.Error("expected a sentiment label")
	}
}

// --- HTTP surface ---

func TestHandleBuy_HTTP(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "user1", 2000.00)
	seedAsset(t, ms, "asset-1", 1000.00, 0, nil)

	body, _ := json.Marshal(market.BuyRequest{UserID: "user1", AssetID: "asset-1", Quantity: 1})
	req := httptest.NewRequest("POST", "/api/v1/trade/buy", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result market.TradeResult
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.TradeID == "" {
		t.Error("expected non-empty trade_id")
	}
	if !result.Financial.NewSettlementBalance.Equal(d(950.00)) {
		t.Errorf("expected balance 950.00, got %s", result.Financial.NewSettlementBalance)
	}
}

func TestHandleBuy_HTTP_InsufficientFunds(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "user1", 10.00)
	seedAsset(t, ms, "asset-1", 1000.00, 0, nil)

	body, _ := json.Marshal(market.BuyRequest{UserID: "user1", AssetID: "asset-1", Quantity: 1})
	req := httptest.NewRequest("POST", "/api/v1/trade/buy", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	var verr model.ValidationError
	json.Unmarshal(w.Body.Bytes(), &verr)
	if verr.Reason != model.ReasonInsufficientFunds {
		t.Errorf("expected insufficient_funds in body, got %s", verr.Reason)
	}
}

func TestHandleSell_HTTP_UnknownHolding(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "user1", 2000.00)

	body, _ := json.Marshal(market.SellRequest{UserID: "user1", HoldingID: "ghost"})
	req := httptest.NewRequest("POST", "/api/v1/trade/sell", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for unavailable holding, got %d: %s", w.Code, w.Body.String())
	}
}
