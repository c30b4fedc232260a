// Package pricing derives buy/sell prices and fee amounts from an asset's
// social value and age.
//
// Buy side applies a fixed 5% markup covering platform and creator fees.
// Sell side applies a withdrawal fee that starts at 12% and decays linearly
// toward an 8% floor over the asset's first year.
//
// All functions are pure: price is a function of the social accumulator and
// asset age only. The composite social score at the bottom of this package is
// an analytics/display metric and is never an input to pricing.
//
// All monetary values use shopspring/decimal — never float64 for money.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunebase/market-engine/internal/model"
)

var (
	// BuyMarkup is the fixed multiplier applied to current value on buys.
	BuyMarkup = decimal.NewFromFloat(1.05)

	// MaxWithdrawalFee applies to brand-new assets.
	MaxWithdrawalFee = decimal.NewFromFloat(0.12)

	// MinWithdrawalFee is the floor the fee decays toward with age.
	MinWithdrawalFee = decimal.NewFromFloat(0.08)

	// feeDecayPerYear is how much of the withdrawal fee one year of age
	// removes. Decay is capped at one year's worth.
	feeDecayPerYear = decimal.NewFromFloat(0.04)

	daysPerYear = decimal.NewFromInt(365)
)

// BuyPrice returns the per-unit purchase price: currentValue × 1.05,
// rounded to 2 places.
func BuyPrice(asset *model.Asset) decimal.Decimal {
	return asset.CurrentValue().Mul(BuyMarkup).Round(model.MoneyScale)
}

// WithdrawalFee returns the sell-side fee rate for an asset of the given age
// in days: clamp(0.12 − ageDays/365 × 0.04, 0.08, 0.12).
func WithdrawalFee(ageDays decimal.Decimal) decimal.Decimal {
	fee := MaxWithdrawalFee.Sub(ageDays.Div(daysPerYear).Mul(feeDecayPerYear))
	if fee.LessThan(MinWithdrawalFee) {
		return MinWithdrawalFee
	}
	if fee.GreaterThan(MaxWithdrawalFee) {
		return MaxWithdrawalFee
	}
	return fee
}

// SellPrice returns the per-unit sale proceeds at the given evaluation time:
// currentValue × (1 − withdrawalFee), rounded to 2 places.
func SellPrice(asset *model.Asset, at time.Time) decimal.Decimal {
	fee := WithdrawalFee(asset.AgeDays(at))
	return asset.CurrentValue().Mul(decimal.NewFromInt(1).Sub(fee)).Round(model.MoneyScale)
}

// BuyFee returns the total platform fee for buying qty units:
// (buyPrice − currentValue) × qty.
func BuyFee(asset *model.Asset, qty int64) decimal.Decimal {
	perUnit := BuyPrice(asset).Sub(asset.CurrentValue())
	return perUnit.Mul(decimal.NewFromInt(qty)).Round(model.MoneyScale)
}

// SellFee returns the platform fee for selling one unit at the given time:
// currentValue − sellPrice.
func SellFee(asset *model.Asset, at time.Time) decimal.Decimal {
	return asset.CurrentValue().Sub(SellPrice(asset, at)).Round(model.MoneyScale)
}

// --- Composite social score (analytics/display only) ---

var (
	two      = decimal.NewFromInt(2)
	half     = decimal.NewFromFloat(0.5)
	onePt5   = decimal.NewFromFloat(1.5)
	scoreDiv = decimal.NewFromInt(3)
)

// ShareFactor maps lifetime share count into [0, 2]. Saturates at 100 shares.
func ShareFactor(asset *model.Asset) decimal.Decimal {
	f := decimal.NewFromInt(asset.ShareCount).Div(decimal.NewFromInt(50))
	if f.GreaterThan(two) {
		return two
	}
	return f
}

// HolderFactor maps the buy/sell ratio into [0, 1.5]. An asset that has only
// ever been bought scores the maximum; heavy selling pulls it toward zero.
func HolderFactor(asset *model.Asset) decimal.Decimal {
	total := asset.BuyCount + asset.SellCount
	if total == 0 {
		return half
	}
	ratio := decimal.NewFromInt(asset.BuyCount).Div(decimal.NewFromInt(total))
	return ratio.Mul(onePt5)
}

// AcceptanceFactor maps like density over all interactions into [0.5, 1.5].
func AcceptanceFactor(asset *model.Asset, likeCount int64) decimal.Decimal {
	if asset.InteractionCount == 0 {
		return half
	}
	ratio := decimal.NewFromInt(likeCount).Div(decimal.NewFromInt(asset.InteractionCount))
	f := half.Add(ratio)
	if f.GreaterThan(onePt5) {
		return onePt5
	}
	return f
}

// SocialScore averages the three factors. Used for UI sentiment and trend
// labels only, never for pricing.
func SocialScore(asset *model.Asset, likeCount int64) decimal.Decimal {
	sum := ShareFactor(asset).Add(HolderFactor(asset)).Add(AcceptanceFactor(asset, likeCount))
	return sum.Div(scoreDiv).Round(4)
}

// Sentiment buckets a social score into a display label.
func Sentiment(score decimal.Decimal) string {
	switch {
	case score.GreaterThanOrEqual(decimal.NewFromFloat(1.2)):
		return "bullish"
	case score.GreaterThanOrEqual(decimal.NewFromFloat(0.8)):
		return "neutral"
	default:
		return "bearish"
	}
}
