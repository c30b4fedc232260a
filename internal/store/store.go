// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth, row-level pessimistic
// locking), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunebase/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict marks a transient lock/serialization conflict. The
	// Postgres store maps SQLSTATE conflict codes onto it; the memory store
	// uses it directly for injected conflicts in tests.
	ErrConflict = errors.New("store: transient conflict")
)

// IsConflict reports whether an error is a retryable lock/serialization
// conflict rather than a business failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Store is the persistence interface. Reads outside a Tx take no locks and
// may observe a slightly stale snapshot.
type Store interface {
	// --- Asset reads ---
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// --- Ledger and balance reads ---
	GetHolding(ctx context.Context, id string) (*model.Holding, error)
	ListHoldingsByOwner(ctx context.Context, ownerID string) ([]model.Holding, error)
	GetSettlement(ctx context.Context, userID string) (*model.SettlementBalance, error)
	GetTreasury(ctx context.Context) (*model.Treasury, error)
	ListLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// --- Interaction reads ---
	InteractionsByUser(ctx context.Context, userID string) ([]model.InteractionRecord, error)

	// InteractionsByAsset filters by action type when actionType != "" and
	// by creation time when since is non-zero.
	InteractionsByAsset(ctx context.Context, assetID, actionType string, since time.Time) ([]model.InteractionRecord, error)
	InteractionStats(ctx context.Context, assetID string) (*model.InteractionStats, error)
	FindLike(ctx context.Context, userID, assetID string) (*model.InteractionRecord, error)

	// --- Entity creation (seeding / admin surface) ---
	CreateAsset(ctx context.Context, a *model.Asset) error
	CreateSettlement(ctx context.Context, b *model.SettlementBalance) error
	CreateWallet(ctx context.Context, w *model.VirtualWallet) error

	// --- Maintenance ---

	// Reset24hCounters zeroes the rolling 24h counters on every asset.
	// Invoked by an external scheduler.
	Reset24hCounters(ctx context.Context) error

	// Begin opens a transaction for the trade path.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one trade-path transaction. The ForUpdate getters acquire row locks;
// callers must acquire them in the canonical global order:
//
//	virtual wallet → settlement balance → holding → asset → treasury
//
// so that concurrent trades over the same entity set cannot deadlock.
// All mutations either commit together or roll back together.
type Tx interface {
	// Locked reads, in canonical order.
	WalletForUpdate(ctx context.Context, userID string) (*model.VirtualWallet, error)
	SettlementForUpdate(ctx context.Context, userID string) (*model.SettlementBalance, error)
	HoldingForUpdate(ctx context.Context, id string) (*model.Holding, error)
	AssetForUpdate(ctx context.Context, id string) (*model.Asset, error)

	// TreasuryForUpdate lazily creates the singleton row if absent.
	TreasuryForUpdate(ctx context.Context) (*model.Treasury, error)

	FindLike(ctx context.Context, userID, assetID string) (*model.InteractionRecord, error)

	// Mutations.
	UpdateSettlement(ctx context.Context, userID string, available decimal.Decimal) error
	UpdateTreasury(ctx context.Context, t *model.Treasury) error
	UpdateAsset(ctx context.Context, a *model.Asset) error
	InsertHolding(ctx context.Context, h *model.Holding) error
	RetireHolding(ctx context.Context, id string, at time.Time) error
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	InsertInteraction(ctx context.Context, r *model.InteractionRecord) error
	DeleteInteraction(ctx context.Context, id string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
