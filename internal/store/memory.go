package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunebase/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. A transaction holds the store-wide lock for its duration,
// which is a coarse stand-in for row-level locking: it preserves the same
// atomicity and isolation guarantees on a single process.
type MemoryStore struct {
	mu sync.Mutex

	assets       map[string]*model.Asset
	holdings     map[string]*model.Holding
	settlements  map[string]*model.SettlementBalance
	wallets      map[string]*model.VirtualWallet
	treasury     *model.Treasury
	ledger       []model.LedgerEntry
	interactions map[string]*model.InteractionRecord

	// pendingConflicts makes the next N commits fail with ErrConflict and
	// roll back, for exercising the engine's retry path in tests.
	pendingConflicts int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:       make(map[string]*model.Asset),
		holdings:     make(map[string]*model.Holding),
		settlements:  make(map[string]*model.SettlementBalance),
		wallets:      make(map[string]*model.VirtualWallet),
		interactions: make(map[string]*model.InteractionRecord),
	}
}

// InjectCommitConflicts makes the next n transaction commits fail with
// ErrConflict (rolled back), simulating lock/serialization conflicts.
func (s *MemoryStore) InjectCommitConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingConflicts = n
}

// --- Plain reads ---

func (s *MemoryStore) GetAsset(_ context.Context, id string) (*model.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, id string) (*model.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holdings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) ListHoldingsByOwner(_ context.Context, ownerID string) ([]model.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Holding
	for _, h := range s.holdings {
		if h.OwnerID == ownerID {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out, nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, userID string) (*model.SettlementBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.settlements[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) GetTreasury(_ context.Context) (*model.Treasury, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.treasury == nil {
		return nil, ErrNotFound
	}
	cp := *s.treasury
	return &cp, nil
}

func (s *MemoryStore) ListLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) InteractionsByUser(_ context.Context, userID string) ([]model.InteractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.InteractionRecord
	for _, r := range s.interactions {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	sortInteractions(out)
	return out, nil
}

func (s *MemoryStore) InteractionsByAsset(_ context.Context, assetID, actionType string, since time.Time) ([]model.InteractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.InteractionRecord
	for _, r := range s.interactions {
		if r.AssetID != assetID {
			continue
		}
		if actionType != "" && r.ActionType != actionType {
			continue
		}
		if !since.IsZero() && r.CreatedAt.Before(since) {
			continue
		}
		out = append(out, *r)
	}
	sortInteractions(out)
	return out, nil
}

func (s *MemoryStore) InteractionStats(_ context.Context, assetID string) (*model.InteractionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &model.InteractionStats{
		AssetID:      assetID,
		CountsByType: make(map[string]int64),
		Counts24h:    make(map[string]int64),
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	users := make(map[string]struct{})
	for _, r := range s.interactions {
		if r.AssetID != assetID {
			continue
		}
		stats.CountsByType[r.ActionType]++
		if r.CreatedAt.After(cutoff) {
			stats.Counts24h[r.ActionType]++
		}
		users[r.UserID] = struct{}{}
	}
	stats.DistinctUsers = int64(len(users))
	return stats, nil
}

func (s *MemoryStore) FindLike(_ context.Context, userID, assetID string) (*model.InteractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLikeLocked(userID, assetID)
}

func (s *MemoryStore) findLikeLocked(userID, assetID string) (*model.InteractionRecord, error) {
	for _, r := range s.interactions {
		if r.UserID == userID && r.AssetID == assetID && r.ActionType == model.ActionLike {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// --- Entity creation ---

func (s *MemoryStore) CreateAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.assets[a.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateSettlement(_ context.Context, b *model.SettlementBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.settlements[b.UserID] = &cp
	return nil
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.VirtualWallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.wallets[w.UserID] = &cp
	return nil
}

func (s *MemoryStore) Reset24hCounters(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assets {
		a.ShareCount24h = 0
		a.Volume24h = decimal.Zero
	}
	return nil
}

// --- Transactions ---

// Begin acquires the store-wide lock; it is released on Commit or Rollback.
func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	s.mu.Lock()
	return &memTx{
		s:              s,
		assets:         make(map[string]*model.Asset),
		settlements:    make(map[string]decimal.Decimal),
		retired:        make(map[string]time.Time),
		deletedRecords: make(map[string]struct{}),
	}, nil
}

// memTx stages all mutations and applies them on Commit, so a rollback
// leaves no trace, matching the all-or-nothing contract.
type memTx struct {
	s    *MemoryStore
	done bool

	assets         map[string]*model.Asset
	settlements    map[string]decimal.Decimal
	treasury       *model.Treasury
	newHoldings    []model.Holding
	retired        map[string]time.Time
	newLedger      []model.LedgerEntry
	newRecords     []model.InteractionRecord
	deletedRecords map[string]struct{}
}

func (t *memTx) WalletForUpdate(_ context.Context, userID string) (*model.VirtualWallet, error) {
	w, ok := t.s.wallets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (t *memTx) SettlementForUpdate(_ context.Context, userID string) (*model.SettlementBalance, error) {
	b, ok := t.s.settlements[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	if avail, staged := t.settlements[userID]; staged {
		cp.AvailableBalance = avail
	}
	return &cp, nil
}

func (t *memTx) HoldingForUpdate(_ context.Context, id string) (*model.Holding, error) {
	h, ok := t.s.holdings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	if at, staged := t.retired[id]; staged {
		cp.Active = false
		cp.RetiredAt = &at
	}
	return &cp, nil
}

func (t *memTx) AssetForUpdate(_ context.Context, id string) (*model.Asset, error) {
	if staged, ok := t.assets[id]; ok {
		cp := *staged
		return &cp, nil
	}
	a, ok := t.s.assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) TreasuryForUpdate(_ context.Context) (*model.Treasury, error) {
	if t.treasury != nil {
		cp := *t.treasury
		return &cp, nil
	}
	if t.s.treasury != nil {
		cp := *t.s.treasury
		return &cp, nil
	}
	// Lazily created; staged so rollback discards it.
	t.treasury = &model.Treasury{
		Balance:            decimal.Zero,
		TotalFeesCollected: decimal.Zero,
	}
	cp := *t.treasury
	return &cp, nil
}

func (t *memTx) FindLike(_ context.Context, userID, assetID string) (*model.InteractionRecord, error) {
	for i := range t.newRecords {
		r := t.newRecords[i]
		if r.UserID == userID && r.AssetID == assetID && r.ActionType == model.ActionLike {
			return &r, nil
		}
	}
	r, err := t.s.findLikeLocked(userID, assetID)
	if err != nil {
		return nil, err
	}
	if _, deleted := t.deletedRecords[r.ID]; deleted {
		return nil, ErrNotFound
	}
	return r, nil
}

func (t *memTx) UpdateSettlement(_ context.Context, userID string, available decimal.Decimal) error {
	if _, ok := t.s.settlements[userID]; !ok {
		return ErrNotFound
	}
	t.settlements[userID] = available
	return nil
}

func (t *memTx) UpdateTreasury(_ context.Context, tr *model.Treasury) error {
	cp := *tr
	t.treasury = &cp
	return nil
}

func (t *memTx) UpdateAsset(_ context.Context, a *model.Asset) error {
	if _, ok := t.s.assets[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	t.assets[a.ID] = &cp
	return nil
}

func (t *memTx) InsertHolding(_ context.Context, h *model.Holding) error {
	t.newHoldings = append(t.newHoldings, *h)
	return nil
}

func (t *memTx) RetireHolding(_ context.Context, id string, at time.Time) error {
	if _, ok := t.s.holdings[id]; !ok {
		return ErrNotFound
	}
	t.retired[id] = at
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	t.newLedger = append(t.newLedger, *e)
	return nil
}

func (t *memTx) InsertInteraction(_ context.Context, r *model.InteractionRecord) error {
	t.newRecords = append(t.newRecords, *r)
	return nil
}

func (t *memTx) DeleteInteraction(_ context.Context, id string) error {
	t.deletedRecords[id] = struct{}{}
	return nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.s.mu.Unlock()

	if t.s.pendingConflicts > 0 {
		t.s.pendingConflicts--
		return ErrConflict
	}

	for id, a := range t.assets {
		t.s.assets[id] = a
	}
	for userID, avail := range t.settlements {
		b := t.s.settlements[userID]
		b.AvailableBalance = avail
		b.UpdatedAt = time.Now().UTC()
	}
	if t.treasury != nil {
		t.s.treasury = t.treasury
	}
	for i := range t.newHoldings {
		h := t.newHoldings[i]
		t.s.holdings[h.ID] = &h
	}
	for id, at := range t.retired {
		h := t.s.holdings[id]
		retiredAt := at
		h.Active = false
		h.RetiredAt = &retiredAt
	}
	t.s.ledger = append(t.s.ledger, t.newLedger...)
	for i := range t.newRecords {
		r := t.newRecords[i]
		t.s.interactions[r.ID] = &r
	}
	for id := range t.deletedRecords {
		delete(t.s.interactions, id)
	}
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

func sortInteractions(rs []model.InteractionRecord) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].CreatedAt.Before(rs[j].CreatedAt) })
}
