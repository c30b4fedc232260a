// Package market executes atomic buy/sell trades across user balances,
// holdings, assets, and the platform treasury.
//
// Every trade runs inside one store transaction under pessimistic row locks,
// acquired in the canonical global order (wallet, settlement, holding, asset,
// treasury). Lock and serialization conflicts are retried up to a fixed cap
// with linear backoff; business-rule failures are never retried.
//
// All monetary values use shopspring/decimal, never float64 for money.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tunebase/market-engine/internal/broadcast"
	"github.com/tunebase/market-engine/internal/metrics"
	"github.com/tunebase/market-engine/internal/model"
	"github.com/tunebase/market-engine/internal/pricing"
	"github.com/tunebase/market-engine/internal/social"
	"github.com/tunebase/market-engine/internal/store"
)

const (
	// maxAttempts bounds the retry loop for transient conflicts.
	maxAttempts = 3

	// retryBackoff is multiplied by the attempt number between retries.
	retryBackoff = 100 * time.Millisecond
)

// ExhaustedRetriesError reports a trade that hit the retry cap. It names the
// last underlying conflict.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("trade failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }

// Engine executes trades. The per-user mutex serializes same-user trades
// within this process only; correctness rests on the database row locks, so
// the design stays correct under multiple server instances.
type Engine struct {
	store    store.Store
	registry *broadcast.Registry // optional; nil disables fan-out
	now      func() time.Time

	mu     sync.Mutex
	userMu map[string]*sync.Mutex
}

// NewEngine creates a trade engine. Pass nil for registry if WebSocket
// broadcasting is not needed.
func NewEngine(st store.Store, registry *broadcast.Registry) *Engine {
	return &Engine{
		store:    st,
		registry: registry,
		now:      time.Now,
		userMu:   make(map[string]*sync.Mutex),
	}
}

// userLock returns this process's mutex for a user, creating it on first use.
func (e *Engine) userLock(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.userMu[userID]
	if !ok {
		mu = &sync.Mutex{}
		e.userMu[userID] = mu
	}
	return mu
}

// TradeResult is the typed outcome of one committed trade.
type TradeResult struct {
	TradeID   string          `json:"trade_id"`
	UserID    string          `json:"user_id"`
	AssetID   string          `json:"asset_id"`
	Side      string          `json:"side"`
	Financial FinancialResult `json:"financial"`
	Social    SocialResult    `json:"social"`
	Debug     DebugResult     `json:"debug"`
}

// FinancialResult carries the money movement of a trade.
type FinancialResult struct {
	UnitPrice            decimal.Decimal `json:"unit_price"`
	Quantity             int64           `json:"quantity"`
	GrossAmount          decimal.Decimal `json:"gross_amount"`
	Fee                  decimal.Decimal `json:"fee"`
	NewSettlementBalance decimal.Decimal `json:"new_settlement_balance"`
}

// SocialResult carries the trade's effect on the asset's social value.
type SocialResult struct {
	OldValue         decimal.Decimal `json:"old_value"`
	NewValue         decimal.Decimal `json:"new_value"`
	AccumulatorDelta decimal.Decimal `json:"accumulator_delta"`
	SocialEvent      string          `json:"social_event"`
}

// DebugResult carries execution metadata.
type DebugResult struct {
	Attempts      int             `json:"attempts"`
	WithdrawalFee decimal.Decimal `json:"withdrawal_fee,omitempty"`
	HoldingIDs    []string        `json:"holding_ids,omitempty"`
}

// ExecuteBuy purchases quantity units of an asset for a user. The settlement
// balance is debited by buyPrice times quantity, the treasury is credited the
// fee, and one new Holding is created per unit.
func (e *Engine) ExecuteBuy(ctx context.Context, userID, assetID string, quantity int64) (*TradeResult, error) {
	if quantity < 1 {
		return nil, model.NewValidationError(model.LedgerBuy, model.ReasonInvalidQuantity)
	}
	if userID == "" {
		return nil, model.NewValidationError(model.LedgerBuy, model.ReasonUserNotFound)
	}

	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	start := e.now()
	result, err := e.withRetries(ctx, model.LedgerBuy, func(ctx context.Context) (*TradeResult, error) {
		return e.buyAttempt(ctx, userID, assetID, quantity)
	})
	e.observe(model.LedgerBuy, start, err)
	if err != nil {
		return nil, err
	}

	e.publishTrade(result)
	return result, nil
}

func (e *Engine) buyAttempt(ctx context.Context, userID, assetID string, quantity int64) (*TradeResult, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	wallet, settlement, err := lockUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	_ = wallet // locked for consistency, never mutated by trades

	asset, err := lockAsset(ctx, tx, assetID)
	if err != nil {
		return nil, err
	}
	treasury, err := tx.TreasuryForUpdate(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock treasury: %w", err)
	}

	// Compute against the locked asset state.
	unitPrice := pricing.BuyPrice(asset)
	qty := decimal.NewFromInt(quantity)
	totalCost := unitPrice.Mul(qty).Round(model.MoneyScale)
	fee := pricing.BuyFee(asset, quantity)

	if asset.AvailableEditions != nil {
		if *asset.AvailableEditions < quantity {
			return nil, model.NewValidationError(model.LedgerBuy, model.ReasonInsufficientStock)
		}
		remaining := *asset.AvailableEditions - quantity
		asset.AvailableEditions = &remaining
	}

	if settlement.AvailableBalance.LessThan(totalCost) {
		return nil, &model.ValidationError{
			Code:      model.LedgerBuy,
			Reason:    model.ReasonInsufficientFunds,
			Shortfall: totalCost.Sub(settlement.AvailableBalance),
		}
	}

	now := e.now().UTC()
	newBalance := settlement.AvailableBalance.Sub(totalCost)
	if err := tx.UpdateSettlement(ctx, userID, newBalance); err != nil {
		return nil, fmt.Errorf("debit settlement: %w", err)
	}

	holdingIDs := make([]string, 0, quantity)
	for i := int64(0); i < quantity; i++ {
		h := &model.Holding{
			ID:            uuid.New().String(),
			OwnerID:       userID,
			AssetID:       assetID,
			PurchasePrice: unitPrice,
			AcquiredAt:    now,
			Active:        true,
		}
		if err := tx.InsertHolding(ctx, h); err != nil {
			return nil, fmt.Errorf("create holding: %w", err)
		}
		holdingIDs = append(holdingIDs, h.ID)
	}

	entry := &model.LedgerEntry{
		ID:          uuid.New().String(),
		UserID:      userID,
		AssetID:     assetID,
		Type:        model.LedgerBuy,
		Amount:      totalCost.Neg(),
		Quantity:    quantity,
		Fee:         fee,
		Description: fmt.Sprintf("buy %d x %s @ %s", quantity, asset.Title, unitPrice.StringFixed(model.MoneyScale)),
		Status:      "completed",
		CreatedAt:   now,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("record ledger entry: %w", err)
	}

	impact := social.ApplyTradeImpact(asset, model.LedgerBuy, totalCost)
	asset.BuyCount += quantity
	asset.Volume24h = asset.Volume24h.Add(totalCost)
	social.EvaluateEvent(asset, now)
	if err := tx.UpdateAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("update asset: %w", err)
	}

	creditTreasury(treasury, fee, now)
	if err := tx.UpdateTreasury(ctx, treasury); err != nil {
		return nil, fmt.Errorf("credit treasury: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &TradeResult{
		TradeID: entry.ID,
		UserID:  userID,
		AssetID: assetID,
		Side:    model.LedgerBuy,
		Financial: FinancialResult{
			UnitPrice:            unitPrice,
			Quantity:             quantity,
			GrossAmount:          totalCost,
			Fee:                  fee,
			NewSettlementBalance: newBalance,
		},
		Social: SocialResult{
			OldValue:         impact.OldValue,
			NewValue:         impact.NewValue,
			AccumulatorDelta: impact.Delta,
			SocialEvent:      asset.CurrentEvent(now),
		},
		Debug: DebugResult{HoldingIDs: holdingIDs},
	}, nil
}

// ExecuteSell sells one holding back to the platform. The holding must be
// active and owned by the caller; it is retired and never reused. Proceeds
// are the age-discounted sell price; the withdrawal fee goes to the treasury.
func (e *Engine) ExecuteSell(ctx context.Context, userID, holdingID string) (*TradeResult, error) {
	if userID == "" {
		return nil, model.NewValidationError(model.LedgerSell, model.ReasonUserNotFound)
	}
	if holdingID == "" {
		return nil, model.NewValidationError(model.LedgerSell, model.ReasonHoldingUnavailable)
	}

	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	start := e.now()
	result, err := e.withRetries(ctx, model.LedgerSell, func(ctx context.Context) (*TradeResult, error) {
		return e.sellAttempt(ctx, userID, holdingID)
	})
	e.observe(model.LedgerSell, start, err)
	if err != nil {
		return nil, err
	}

	e.publishTrade(result)
	return result, nil
}

func (e *Engine) sellAttempt(ctx context.Context, userID, holdingID string) (*TradeResult, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	wallet, settlement, err := lockUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	_ = wallet

	holding, err := tx.HoldingForUpdate(ctx, holdingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.NewValidationError(model.LedgerSell, model.ReasonHoldingUnavailable)
		}
		return nil, fmt.Errorf("lock holding: %w", err)
	}
	if !holding.Active || holding.OwnerID != userID {
		return nil, model.NewValidationError(model.LedgerSell, model.ReasonHoldingUnavailable)
	}

	asset, err := lockAsset(ctx, tx, holding.AssetID)
	if err != nil {
		return nil, err
	}
	treasury, err := tx.TreasuryForUpdate(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock treasury: %w", err)
	}

	now := e.now().UTC()
	withdrawalFee := pricing.WithdrawalFee(asset.AgeDays(now))
	sellPrice := pricing.SellPrice(asset, now)
	fee := pricing.SellFee(asset, now)

	newBalance := settlement.AvailableBalance.Add(sellPrice)
	if err := tx.UpdateSettlement(ctx, userID, newBalance); err != nil {
		return nil, fmt.Errorf("credit settlement: %w", err)
	}

	if err := tx.RetireHolding(ctx, holdingID, now); err != nil {
		return nil, fmt.Errorf("retire holding: %w", err)
	}

	// Return the edition to the resale pool, capped at the mint limit.
	if asset.AvailableEditions != nil {
		returned := *asset.AvailableEditions + 1
		if asset.MaxEditions != nil && returned > *asset.MaxEditions {
			returned = *asset.MaxEditions
		}
		asset.AvailableEditions = &returned
	}

	entry := &model.LedgerEntry{
		ID:          uuid.New().String(),
		UserID:      userID,
		AssetID:     asset.ID,
		Type:        model.LedgerSell,
		Amount:      sellPrice,
		Quantity:    1,
		Fee:         fee,
		Description: fmt.Sprintf("sell 1 x %s @ %s", asset.Title, sellPrice.StringFixed(model.MoneyScale)),
		Status:      "completed",
		CreatedAt:   now,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("record ledger entry: %w", err)
	}

	impact := social.ApplyTradeImpact(asset, model.LedgerSell, sellPrice)
	asset.SellCount++
	asset.Volume24h = asset.Volume24h.Add(sellPrice)
	social.EvaluateEvent(asset, now)
	if err := tx.UpdateAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("update asset: %w", err)
	}

	creditTreasury(treasury, fee, now)
	if err := tx.UpdateTreasury(ctx, treasury); err != nil {
		return nil, fmt.Errorf("credit treasury: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &TradeResult{
		TradeID: entry.ID,
		UserID:  userID,
		AssetID: asset.ID,
		Side:    model.LedgerSell,
		Financial: FinancialResult{
			UnitPrice:            sellPrice,
			Quantity:             1,
			GrossAmount:          sellPrice,
			Fee:                  fee,
			NewSettlementBalance: newBalance,
		},
		Social: SocialResult{
			OldValue:         impact.OldValue,
			NewValue:         impact.NewValue,
			AccumulatorDelta: impact.Delta,
			SocialEvent:      asset.CurrentEvent(now),
		},
		Debug: DebugResult{
			WithdrawalFee: withdrawalFee,
			HoldingIDs:    []string{holdingID},
		},
	}, nil
}

// WithdrawTreasury moves collected fees out of the treasury. This is the
// only operation that decreases the treasury balance; totalFeesCollected is
// a lifetime counter and is never reduced.
func (e *Engine) WithdrawTreasury(ctx context.Context, amount decimal.Decimal, destination string) (*model.Treasury, error) {
	if !amount.IsPositive() {
		return nil, model.NewValidationError(model.LedgerTreasuryWithdrawal, model.ReasonInvalidQuantity)
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin withdrawal tx: %w", err)
	}
	defer tx.Rollback(ctx)

	treasury, err := tx.TreasuryForUpdate(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock treasury: %w", err)
	}
	if treasury.Balance.LessThan(amount) {
		return nil, &model.ValidationError{
			Code:      model.LedgerTreasuryWithdrawal,
			Reason:    model.ReasonInsufficientFunds,
			Shortfall: amount.Sub(treasury.Balance),
		}
	}

	now := e.now().UTC()
	treasury.Balance = treasury.Balance.Sub(amount).Round(model.MoneyScale)
	if err := tx.UpdateTreasury(ctx, treasury); err != nil {
		return nil, fmt.Errorf("debit treasury: %w", err)
	}

	entry := &model.LedgerEntry{
		ID:          uuid.New().String(),
		UserID:      "platform",
		Type:        model.LedgerTreasuryWithdrawal,
		Amount:      amount.Neg(),
		Description: fmt.Sprintf("treasury withdrawal to %s", destination),
		Status:      "completed",
		CreatedAt:   now,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("record ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	slog.Info("treasury withdrawal",
		"amount", amount.StringFixed(model.MoneyScale),
		"destination", destination,
		"remaining", treasury.Balance.StringFixed(model.MoneyScale),
	)
	return treasury, nil
}

// withRetries runs one trade attempt up to maxAttempts times, retrying only
// on transient lock/serialization conflicts with a linearly increasing delay.
func (e *Engine) withRetries(ctx context.Context, side string, attempt func(context.Context) (*TradeResult, error)) (*TradeResult, error) {
	var lastErr error
	for i := 1; i <= maxAttempts; i++ {
		result, err := attempt(ctx)
		if err == nil {
			result.Debug.Attempts = i
			return result, nil
		}
		if !store.IsConflict(err) {
			return nil, err
		}

		lastErr = err
		metrics.TradeRetries.Inc()
		slog.Warn("trade conflict, retrying", "side", side, "attempt", i, "err", err)
		if i < maxAttempts {
			if err := sleepWithContext(ctx, time.Duration(i)*retryBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, &ExhaustedRetriesError{Attempts: maxAttempts, Last: lastErr}
}

// lockUser acquires the wallet and settlement locks, in canonical order.
// A missing row on either means the user does not exist.
func lockUser(ctx context.Context, tx store.Tx, userID string) (*model.VirtualWallet, *model.SettlementBalance, error) {
	wallet, err := tx.WalletForUpdate(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, model.NewValidationError("trade", model.ReasonUserNotFound)
		}
		return nil, nil, fmt.Errorf("lock wallet: %w", err)
	}
	settlement, err := tx.SettlementForUpdate(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, model.NewValidationError("trade", model.ReasonUserNotFound)
		}
		return nil, nil, fmt.Errorf("lock settlement: %w", err)
	}
	return wallet, settlement, nil
}

func lockAsset(ctx context.Context, tx store.Tx, assetID string) (*model.Asset, error) {
	asset, err := tx.AssetForUpdate(ctx, assetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.NewValidationError("trade", model.ReasonAssetNotFound)
		}
		return nil, fmt.Errorf("lock asset: %w", err)
	}
	if !asset.Active {
		return nil, model.NewValidationError("trade", model.ReasonAssetInactive)
	}
	return asset, nil
}

func creditTreasury(t *model.Treasury, fee decimal.Decimal, at time.Time) {
	t.Balance = t.Balance.Add(fee).Round(model.MoneyScale)
	t.TotalFeesCollected = t.TotalFeesCollected.Add(fee).Round(model.MoneyScale)
	t.TotalTransactions++
	t.LastTransactionAt = &at
}

func (e *Engine) observe(side string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.TradesTotal.WithLabelValues(side, outcome).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(e.now().Sub(start).Seconds())
}

// publishTrade fans out post-commit updates. Best-effort only; a committed
// trade's result is never affected by broadcast failures.
func (e *Engine) publishTrade(result *TradeResult) {
	fee, _ := result.Financial.Fee.Float64()
	metrics.FeesCollected.Add(fee)
	slog.Info("trade executed",
		"trade_id", result.TradeID,
		"side", result.Side,
		"user", result.UserID,
		"asset", result.AssetID,
		"gross", result.Financial.GrossAmount.String(),
		"fee", result.Financial.Fee.String(),
		"attempts", result.Debug.Attempts,
	)

	if e.registry == nil {
		return
	}
	e.registry.PublishUser(result.UserID, broadcast.Message{
		Type: "balance_update",
		Data: map[string]any{
			"trade_id":               result.TradeID,
			"side":                   result.Side,
			"new_settlement_balance": result.Financial.NewSettlementBalance,
		},
	})
	e.registry.PublishAsset(result.AssetID, broadcast.Message{
		Type: "asset_update",
		Data: result.Social,
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
