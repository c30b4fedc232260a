package pricing_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunebase/market-engine/internal/model"
	"github.com/tunebase/market-engine/internal/pricing"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newAsset builds an asset with the given accumulator and age in days.
func newAsset(accumulator float64, ageDays int) *model.Asset {
	return &model.Asset{
		ID:                "asset-1",
		Title:             "Test Track",
		BasePrice:         decimal.Zero,
		SocialAccumulator: d(accumulator),
		CreatedAt:         time.Now().UTC().Add(-time.Duration(ageDays) * 24 * time.Hour),
		Active:            true,
	}
}

func TestBuyPrice_FixedMarkup(t *testing.T) {
	a := newAsset(1000.00, 0)

	got := pricing.BuyPrice(a)
	if !got.Equal(d(1050.00)) {
		t.Errorf("expected buy price 1050.00, got %s", got)
	}
}

func TestBuyPrice_RoundsHalfUp(t *testing.T) {
	// 10.05 × 1.05 = 10.5525 → 10.55
	a := newAsset(10.05, 0)
	if got := pricing.BuyPrice(a); !got.Equal(d(10.55)) {
		t.Errorf("expected 10.55, got %s", got)
	}

	// 10.10 × 1.05 = 10.605 → 10.61 (half rounds up)
	a = newAsset(10.10, 0)
	if got := pricing.BuyPrice(a); !got.Equal(d(10.61)) {
		t.Errorf("expected 10.61, got %s", got)
	}
}

func TestWithdrawalFee_Clamp(t *testing.T) {
	tests := []struct {
		name    string
		ageDays float64
		want    string
	}{
		{"new asset pays max", 0, "0.12"},
		{"one year hits floor", 365, "0.08"},
		{"decay capped beyond a year", 1000, "0.08"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pricing.WithdrawalFee(d(tt.ageDays))
			want, _ := decimal.NewFromString(tt.want)
			if !got.Equal(want) {
				t.Errorf("age %v: expected fee %s, got %s", tt.ageDays, want, got)
			}
		})
	}
}

func TestWithdrawalFee_LinearDecay(t *testing.T) {
	// 10 days: 0.12 − 10/365 × 0.04 ≈ 0.118904
	got := pricing.WithdrawalFee(decimal.NewFromInt(10))
	if got.Sub(d(0.1189)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected fee ≈ 0.1189 at 10 days, got %s", got)
	}
}

func TestSellPrice_TenDayExample(t *testing.T) {
	a := newAsset(1000.00, 10)
	at := a.CreatedAt.Add(10 * 24 * time.Hour)

	sellPrice := pricing.SellPrice(a, at)
	if !sellPrice.Equal(d(881.10)) {
		t.Errorf("expected sell price 881.10, got %s", sellPrice)
	}

	fee := pricing.SellFee(a, at)
	if !fee.Equal(d(118.90)) {
		t.Errorf("expected sell fee 118.90, got %s", fee)
	}
}

func TestBuyFee_PerUnitTimesQuantity(t *testing.T) {
	a := newAsset(1000.00, 0)

	// (1050 − 1000) × 3 = 150
	fee := pricing.BuyFee(a, 3)
	if !fee.Equal(d(150.00)) {
		t.Errorf("expected buy fee 150.00, got %s", fee)
	}
}

// --- Composite social score (display only) ---

func TestShareFactor_Saturates(t *testing.T) {
	a := &model.Asset{ShareCount: 25}
	if got := pricing.ShareFactor(a); !got.Equal(d(0.5)) {
		t.Errorf("expected 0.5, got %s", got)
	}

	a.ShareCount = 500
	if got := pricing.ShareFactor(a); !got.Equal(d(2)) {
		t.Errorf("expected saturation at 2, got %s", got)
	}
}

func TestHolderFactor(t *testing.T) {
	a := &model.Asset{}
	if got := pricing.HolderFactor(a); !got.Equal(d(0.5)) {
		t.Errorf("no trades: expected default 0.5, got %s", got)
	}

	a = &model.Asset{BuyCount: 10, SellCount: 0}
	if got := pricing.HolderFactor(a); !got.Equal(d(1.5)) {
		t.Errorf("buy-only: expected 1.5, got %s", got)
	}

	a = &model.Asset{BuyCount: 5, SellCount: 5}
	if got := pricing.HolderFactor(a); !got.Equal(d(0.75)) {
		t.Errorf("even split: expected 0.75, got %s", got)
	}
}

func TestAcceptanceFactor_Bounds(t *testing.T) {
	a := &model.Asset{}
	if got := pricing.AcceptanceFactor(a, 0); !got.Equal(d(0.5)) {
		t.Errorf("no interactions: expected 0.5, got %s", got)
	}

	a = &model.Asset{InteractionCount: 10}
	if got := pricing.AcceptanceFactor(a, 10); !got.Equal(d(1.5)) {
		t.Errorf("all likes: expected cap 1.5, got %s", got)
	}
}

func TestSentiment_Buckets(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{1.5, "bullish"},
		{1.2, "bullish"},
		{1.0, "neutral"},
		{0.8, "neutral"},
		{0.5, "bearish"},
	}

	for _, tt := range tests {
		if got := pricing.Sentiment(d(tt.score)); got != tt.want {
			t.Errorf("score %v: expected %s, got %s", tt.score, tt.want, got)
		}
	}
}
