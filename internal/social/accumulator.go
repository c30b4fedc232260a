// Package social maintains each asset's social-value accumulator: the running
// total of value contributed by likes, shares, and trades.
//
// The accumulator is clamped at zero and kept at full decimal precision;
// rounding to money scale happens only on derived prices.
package social

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tunebase/market-engine/internal/model"
)

var (
	// ErrUnknownAction is returned for action types without a delta entry.
	ErrUnknownAction = errors.New("social: unknown interaction action")

	// buyImpactRate is the fraction of a buy's gross amount added to the
	// accumulator; sellImpactRate is the fraction removed on sells.
	buyImpactRate  = decimal.NewFromFloat(0.0015) // 0.15%
	sellImpactRate = decimal.NewFromFloat(0.0010) // 0.10%

	// minImpact is the minimum magnitude of a trade impact.
	minImpact = decimal.NewFromFloat(0.01)
)

// Flat deltas applied by social interactions.
var interactionDeltas = map[string]decimal.Decimal{
	model.ActionLike:    decimal.NewFromFloat(0.10),
	model.ActionShare:   decimal.NewFromFloat(0.50),
	model.ActionView:    decimal.NewFromFloat(0.01),
	model.ActionComment: decimal.NewFromFloat(0.20),
}

// InteractionDelta returns the flat accumulator delta for an action type.
func InteractionDelta(action string) (decimal.Decimal, error) {
	d, ok := interactionDeltas[action]
	if !ok {
		return decimal.Zero, ErrUnknownAction
	}
	return d, nil
}

// ImpactRecord is the audit record returned by every accumulator mutation.
type ImpactRecord struct {
	OldAccumulator decimal.Decimal `json:"old_accumulator"`
	NewAccumulator decimal.Decimal `json:"new_accumulator"`
	OldValue       decimal.Decimal `json:"old_value"`
	NewValue       decimal.Decimal `json:"new_value"`
	Delta          decimal.Decimal `json:"delta"`
}

// ApplyDelta adds a signed amount to the asset's accumulator, clamped so it
// never drops below zero, and returns the audit record. The asset's derived
// current value is recomputed from the new accumulator.
func ApplyDelta(asset *model.Asset, delta decimal.Decimal) ImpactRecord {
	rec := ImpactRecord{
		OldAccumulator: asset.SocialAccumulator,
		OldValue:       asset.CurrentValue(),
	}

	next := asset.SocialAccumulator.Add(delta)
	if next.IsNegative() {
		next = decimal.Zero
	}
	asset.SocialAccumulator = next

	rec.NewAccumulator = next
	rec.NewValue = asset.CurrentValue()
	rec.Delta = rec.NewAccumulator.Sub(rec.OldAccumulator)
	return rec
}

// TradeImpactDelta computes the signed accumulator delta for a committed
// trade: buys add 0.15% of the traded gross, sells remove 0.10%, with a
// minimum magnitude of 0.01 in either direction.
func TradeImpactDelta(action string, grossAmount decimal.Decimal) decimal.Decimal {
	var magnitude decimal.Decimal
	switch action {
	case model.LedgerBuy:
		magnitude = grossAmount.Abs().Mul(buyImpactRate)
	case model.LedgerSell:
		magnitude = grossAmount.Abs().Mul(sellImpactRate)
	default:
		return decimal.Zero
	}

	if magnitude.LessThan(minImpact) {
		magnitude = minImpact
	}
	if action == model.LedgerSell {
		return magnitude.Neg()
	}
	return magnitude
}

// ApplyTradeImpact applies a trade's social impact to the asset. Invoked by
// the market engine after the trade's ledger mutations, inside the same
// transaction.
func ApplyTradeImpact(asset *model.Asset, action string, grossAmount decimal.Decimal) ImpactRecord {
	return ApplyDelta(asset, TradeImpactDelta(action, grossAmount))
}
