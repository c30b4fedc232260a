package market

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunebase/market-engine/internal/model"
	"github.com/tunebase/market-engine/internal/pricing"
)

// mostSharedLimit caps the most-shared list in the market overview.
const mostSharedLimit = 5

// AssetMarketData is the full market view of one asset: live prices, social
// score, sentiment, and counters. Read-only, lock-free, possibly stale.
type AssetMarketData struct {
	AssetID           string          `json:"asset_id"`
	Title             string          `json:"title"`
	Artist            string          `json:"artist"`
	CurrentValue      decimal.Decimal `json:"current_value"`
	BuyPrice          decimal.Decimal `json:"buy_price"`
	SellPrice         decimal.Decimal `json:"sell_price"`
	WithdrawalFee     decimal.Decimal `json:"withdrawal_fee"`
	AvailableEditions *int64          `json:"available_editions"`
	MaxEditions       *int64          `json:"max_editions"`
	BuyCount          int64           `json:"buy_count"`
	SellCount         int64           `json:"sell_count"`
	ShareCount        int64           `json:"share_count"`
	ShareCount24h     int64           `json:"share_count_24h"`
	InteractionCount  int64           `json:"interaction_count"`
	Volume24h         decimal.Decimal `json:"volume_24h"`
	SocialScore       decimal.Decimal `json:"social_score"`
	Sentiment         string          `json:"sentiment"`
	SocialEvent       string          `json:"social_event"`
	Active            bool            `json:"active"`
}

// AssetMarketData builds the market view for one asset.
func (e *Engine) AssetMarketData(ctx context.Context, assetID string) (*AssetMarketData, error) {
	asset, err := e.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}

	var likeCount int64
	if stats, err := e.store.InteractionStats(ctx, assetID); err == nil {
		likeCount = stats.CountsByType[model.ActionLike]
	}

	now := e.now().UTC()
	score := pricing.SocialScore(asset, likeCount)
	return &AssetMarketData{
		AssetID:           asset.ID,
		Title:             asset.Title,
		Artist:            asset.Artist,
		CurrentValue:      asset.CurrentValue(),
		BuyPrice:          pricing.BuyPrice(asset),
		SellPrice:         pricing.SellPrice(asset, now),
		WithdrawalFee:     pricing.WithdrawalFee(asset.AgeDays(now)),
		AvailableEditions: asset.AvailableEditions,
		MaxEditions:       asset.MaxEditions,
		BuyCount:          asset.BuyCount,
		SellCount:         asset.SellCount,
		ShareCount:        asset.ShareCount,
		ShareCount24h:     asset.ShareCount24h,
		InteractionCount:  asset.InteractionCount,
		Volume24h:         asset.Volume24h,
		SocialScore:       score,
		Sentiment:         pricing.Sentiment(score),
		SocialEvent:       asset.CurrentEvent(now),
		Active:            asset.Active,
	}, nil
}

// AssetSummary is the per-asset line item of a market overview.
type AssetSummary struct {
	AssetID       string          `json:"asset_id"`
	Title         string          `json:"title"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	ShareCount    int64           `json:"share_count"`
	ShareCount24h int64           `json:"share_count_24h"`
	SocialEvent   string          `json:"social_event"`
}

// MarketOverview aggregates the whole market: capitalization, 24h volume,
// and trending/viral/most-shared lists.
type MarketOverview struct {
	TotalAssets         int             `json:"total_assets"`
	ActiveAssets        int             `json:"active_assets"`
	TotalCapitalization decimal.Decimal `json:"total_capitalization"`
	TotalVolume24h      decimal.Decimal `json:"total_volume_24h"`
	Trending            []AssetSummary  `json:"trending"`
	Viral               []AssetSummary  `json:"viral"`
	MostShared          []AssetSummary  `json:"most_shared"`
}

// MarketOverview builds the market-wide aggregation. Takes no locks and may
// read a slightly stale snapshot.
func (e *Engine) MarketOverview(ctx context.Context) (*MarketOverview, error) {
	assets, err := e.store.ListAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}

	now := e.now().UTC()
	overview := &MarketOverview{
		TotalAssets:         len(assets),
		TotalCapitalization: decimal.Zero,
		TotalVolume24h:      decimal.Zero,
		Trending:            []AssetSummary{},
		Viral:               []AssetSummary{},
		MostShared:          []AssetSummary{},
	}

	for i := range assets {
		a := &assets[i]
		if a.Active {
			overview.ActiveAssets++
		}
		overview.TotalCapitalization = overview.TotalCapitalization.Add(a.CurrentValue())
		overview.TotalVolume24h = overview.TotalVolume24h.Add(a.Volume24h)

		switch a.CurrentEvent(now) {
		case model.EventTrending:
			overview.Trending = append(overview.Trending, summarize(a, now))
		case model.EventViral:
			overview.Viral = append(overview.Viral, summarize(a, now))
		}
	}

	shared := make([]model.Asset, len(assets))
	copy(shared, assets)
	sort.Slice(shared, func(i, j int) bool { return shared[i].ShareCount > shared[j].ShareCount })
	for i := range shared {
		if i >= mostSharedLimit || shared[i].ShareCount == 0 {
			break
		}
		overview.MostShared = append(overview.MostShared, summarize(&shared[i], now))
	}

	overview.TotalCapitalization = overview.TotalCapitalization.Round(model.MoneyScale)
	return overview, nil
}

func summarize(a *model.Asset, now time.Time) AssetSummary {
	return AssetSummary{
		AssetID:       a.ID,
		Title:         a.Title,
		CurrentValue:  a.CurrentValue(),
		ShareCount:    a.ShareCount,
		ShareCount24h: a.ShareCount24h,
		SocialEvent:   a.CurrentEvent(now),
	}
}
