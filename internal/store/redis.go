package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tunebase/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for asset reads. Market-overview and asset-market-data queries are
// allowed to read a slightly stale snapshot, so a short TTL is safe.
// Writes go to the primary store; asset mutations invalidate on commit.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl}
}

func (s *CachedStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	data, err := s.rdb.Get(ctx, assetKey(id)).Bytes()
	if err == nil {
		var a model.Asset
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.Store.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheAsset(ctx, a)
	return a, nil
}

func (s *CachedStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	data, err := s.rdb.Get(ctx, assetListKey).Bytes()
	if err == nil {
		var assets []model.Asset
		if json.Unmarshal(data, &assets) == nil {
			return assets, nil
		}
	}

	assets, err := s.Store.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(assets); err == nil {
		s.rdb.Set(ctx, assetListKey, data, s.ttl)
	}
	return assets, nil
}

func (s *CachedStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	if err := s.Store.CreateAsset(ctx, a); err != nil {
		return err
	}
	s.cacheAsset(ctx, a)
	s.rdb.Del(ctx, assetListKey)
	return nil
}

func (s *CachedStore) Reset24hCounters(ctx context.Context) error {
	if err := s.Store.Reset24hCounters(ctx); err != nil {
		return err
	}
	// Counters live on asset rows; drop the list and every per-asset entry
	// so reads do not serve pre-reset 24h counters for up to the TTL.
	s.rdb.Del(ctx, assetListKey)
	assets, err := s.Store.ListAssets(ctx)
	if err != nil {
		// The reset itself has already committed.
		return nil
	}
	keys := make([]string, 0, len(assets))
	for _, a := range assets {
		keys = append(keys, assetKey(a.ID))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// Begin wraps the primary transaction so asset mutations invalidate their
// cache entries once the transaction commits.
func (s *CachedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTx{Tx: tx, s: s}, nil
}

type cachedTx struct {
	Tx
	s       *CachedStore
	touched []string
}

func (t *cachedTx) UpdateAsset(ctx context.Context, a *model.Asset) error {
	if err := t.Tx.UpdateAsset(ctx, a); err != nil {
		return err
	}
	t.touched = append(t.touched, a.ID)
	return nil
}

func (t *cachedTx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		return err
	}
	for _, id := range t.touched {
		t.s.rdb.Del(ctx, assetKey(id))
	}
	if len(t.touched) > 0 {
		t.s.rdb.Del(ctx, assetListKey)
	}
	return nil
}

func (s *CachedStore) cacheAsset(ctx context.Context, a *model.Asset) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, assetKey(a.ID), data, s.ttl)
	}
}

const assetListKey = "assets:all"

func assetKey(id string) string { return fmt.Sprintf("asset:%s", id) }
