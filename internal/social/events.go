package social

import (
	"time"

	"github.com/tunebase/market-engine/internal/model"
)

// Share-volume thresholds and durations for social events.
const (
	ViralShareThreshold    = 10
	TrendingShareThreshold = 5

	ViralDuration    = 24 * time.Hour
	TrendingDuration = 12 * time.Hour
)

// EvaluateEvent transitions an asset's social event based on its rolling 24h
// share count. Events only upgrade here (none to trending, trending to viral);
// downgrades happen by expiry, read lazily via Asset.CurrentEvent. Returns
// true if the asset's event state changed.
func EvaluateEvent(a *model.Asset, at time.Time) bool {
	current := a.CurrentEvent(at)

	switch {
	case a.ShareCount24h >= ViralShareThreshold:
		if current == model.EventViral {
			return false
		}
		expiry := at.Add(ViralDuration)
		a.SocialEvent = model.EventViral
		a.SocialEventExpiry = &expiry
		return true

	case a.ShareCount24h >= TrendingShareThreshold:
		if current == model.EventViral || current == model.EventTrending {
			return false
		}
		expiry := at.Add(TrendingDuration)
		a.SocialEvent = model.EventTrending
		a.SocialEventExpiry = &expiry
		return true
	}
	return false
}
