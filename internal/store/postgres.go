package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tunebase/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Trade-path transactions rely on row-level pessimistic locks
// (SELECT ... FOR UPDATE); no optimistic version counters are used.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// mapErr translates driver errors into store sentinels. Serialization
// failures (40001), deadlocks (40P01), and lock timeouts (55P03) are the
// only retryable conflicts.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

const assetColumns = `id, title, artist,
	base_price::TEXT, social_accumulator::TEXT,
	max_editions, available_editions,
	buy_count, sell_count, share_count, share_count_24h, interaction_count,
	volume_24h::TEXT, social_event, social_event_expiry, active, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*model.Asset, error) {
	var a model.Asset
	var basePrice, accumulator, volume string
	err := row.Scan(&a.ID, &a.Title, &a.Artist,
		&basePrice, &accumulator,
		&a.MaxEditions, &a.AvailableEditions,
		&a.BuyCount, &a.SellCount, &a.ShareCount, &a.ShareCount24h, &a.InteractionCount,
		&volume, &a.SocialEvent, &a.SocialEventExpiry, &a.Active, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.BasePrice, _ = decimal.NewFromString(basePrice)
	a.SocialAccumulator, _ = decimal.NewFromString(accumulator)
	a.Volume24h, _ = decimal.NewFromString(volume)
	return &a, nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assetColumns+` FROM assets ORDER BY created_at`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

const holdingColumns = `id, owner_id, asset_id, purchase_price::TEXT, acquired_at, active, retired_at`

func scanHolding(row rowScanner) (*model.Holding, error) {
	var h model.Holding
	var price string
	err := row.Scan(&h.ID, &h.OwnerID, &h.AssetID, &price, &h.AcquiredAt, &h.Active, &h.RetiredAt)
	if err != nil {
		return nil, err
	}
	h.PurchasePrice, _ = decimal.NewFromString(price)
	return &h, nil
}

func (s *PostgresStore) GetHolding(ctx context.Context, id string) (*model.Holding, error) {
	h, err := scanHolding(s.pool.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return h, nil
}

func (s *PostgresStore) ListHoldingsByOwner(ctx context.Context, ownerID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE owner_id = $1 ORDER BY acquired_at`, ownerID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

func (s *PostgresStore) GetSettlement(ctx context.Context, userID string) (*model.SettlementBalance, error) {
	var b model.SettlementBalance
	var available, locked string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, available_balance::TEXT, locked_balance::TEXT, updated_at
		 FROM settlement_balances WHERE user_id = $1`, userID).
		Scan(&b.UserID, &available, &locked, &b.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	b.AvailableBalance, _ = decimal.NewFromString(available)
	b.LockedBalance, _ = decimal.NewFromString(locked)
	return &b, nil
}

func (s *PostgresStore) GetTreasury(ctx context.Context) (*model.Treasury, error) {
	var t model.Treasury
	var balance, fees string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT, total_fees_collected::TEXT, total_transactions, last_transaction_at
		 FROM treasury WHERE id = 1`).
		Scan(&balance, &fees, &t.TotalTransactions, &t.LastTransactionAt)
	if err != nil {
		return nil, mapErr(err)
	}
	t.Balance, _ = decimal.NewFromString(balance)
	t.TotalFeesCollected, _ = decimal.NewFromString(fees)
	return &t, nil
}

func (s *PostgresStore) ListLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, asset_id, type, amount::TEXT, quantity, fee::TEXT, description, status, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, fee string
		if err := rows.Scan(&e.ID, &e.UserID, &e.AssetID, &e.Type, &amount, &e.Quantity,
			&fee, &e.Description, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.Fee, _ = decimal.NewFromString(fee)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const interactionColumns = `id, user_id, asset_id, action_type, created_at, processed`

func scanInteractions(rows pgx.Rows) ([]model.InteractionRecord, error) {
	var records []model.InteractionRecord
	for rows.Next() {
		var r model.InteractionRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.AssetID, &r.ActionType, &r.CreatedAt, &r.Processed); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) InteractionsByUser(ctx context.Context, userID string) ([]model.InteractionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanInteractions(rows)
}

func (s *PostgresStore) InteractionsByAsset(ctx context.Context, assetID, actionType string, since time.Time) ([]model.InteractionRecord, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions WHERE asset_id = $1`
	args := []any{assetID}
	if actionType != "" {
		args = append(args, actionType)
		query += fmt.Sprintf(" AND action_type = $%d", len(args))
	}
	if !since.IsZero() {
		args = append(args, since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	query += " ORDER BY created_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanInteractions(rows)
}

func (s *PostgresStore) InteractionStats(ctx context.Context, assetID string) (*model.InteractionStats, error) {
	stats := &model.InteractionStats{
		AssetID:      assetID,
		CountsByType: make(map[string]int64),
		Counts24h:    make(map[string]int64),
	}

	rows, err := s.pool.Query(ctx,
		`SELECT action_type,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE created_at > now() - interval '24 hours')
		 FROM interactions WHERE asset_id = $1 GROUP BY action_type`, assetID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var action string
		var total, last24 int64
		if err := rows.Scan(&action, &total, &last24); err != nil {
			return nil, err
		}
		stats.CountsByType[action] = total
		if last24 > 0 {
			stats.Counts24h[action] = last24
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM interactions WHERE asset_id = $1`, assetID).
		Scan(&stats.DistinctUsers)
	if err != nil {
		return nil, mapErr(err)
	}
	return stats, nil
}

func (s *PostgresStore) FindLike(ctx context.Context, userID, assetID string) (*model.InteractionRecord, error) {
	var r model.InteractionRecord
	err := s.pool.QueryRow(ctx,
		`SELECT `+interactionColumns+` FROM interactions
		 WHERE user_id = $1 AND asset_id = $2 AND action_type = $3
		 LIMIT 1`, userID, assetID, model.ActionLike).
		Scan(&r.ID, &r.UserID, &r.AssetID, &r.ActionType, &r.CreatedAt, &r.Processed)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s *PostgresStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (id, title, artist, base_price, social_accumulator,
		    max_editions, available_editions,
		    buy_count, sell_count, share_count, share_count_24h, interaction_count,
		    volume_24h, social_event, social_event_expiry, active, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10, $11, $12,
		    $13::NUMERIC, $14, $15, $16, $17)`,
		a.ID, a.Title, a.Artist, a.BasePrice.String(), a.SocialAccumulator.String(),
		a.MaxEditions, a.AvailableEditions,
		a.BuyCount, a.SellCount, a.ShareCount, a.ShareCount24h, a.InteractionCount,
		a.Volume24h.String(), a.SocialEvent, a.SocialEventExpiry, a.Active, a.CreatedAt)
	return mapErr(err)
}

func (s *PostgresStore) CreateSettlement(ctx context.Context, b *model.SettlementBalance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlement_balances (user_id, available_balance, locked_balance, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (user_id) DO NOTHING`,
		b.UserID, b.AvailableBalance.String(), b.LockedBalance.String(), b.UpdatedAt)
	return mapErr(err)
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.VirtualWallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO virtual_wallets (user_id, balance, updated_at)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		w.UserID, w.Balance.String(), w.UpdatedAt)
	return mapErr(err)
}

func (s *PostgresStore) Reset24hCounters(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE assets SET share_count_24h = 0, volume_24h = 0`)
	return mapErr(err)
}

// Begin opens a trade-path transaction. Row locks acquired through the
// returned Tx serialize concurrent operations over the same entities.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, mapErr(err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) WalletForUpdate(ctx context.Context, userID string) (*model.VirtualWallet, error) {
	var w model.VirtualWallet
	var balance string
	err := t.tx.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, updated_at
		 FROM virtual_wallets WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&w.UserID, &balance, &w.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	w.Balance, _ = decimal.NewFromString(balance)
	return &w, nil
}

func (t *pgTx) SettlementForUpdate(ctx context.Context, userID string) (*model.SettlementBalance, error) {
	var b model.SettlementBalance
	var available, locked string
	err := t.tx.QueryRow(ctx,
		`SELECT user_id, available_balance::TEXT, locked_balance::TEXT, updated_at
		 FROM settlement_balances WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&b.UserID, &available, &locked, &b.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	b.AvailableBalance, _ = decimal.NewFromString(available)
	b.LockedBalance, _ = decimal.NewFromString(locked)
	return &b, nil
}

func (t *pgTx) HoldingForUpdate(ctx context.Context, id string) (*model.Holding, error) {
	h, err := scanHolding(t.tx.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return h, nil
}

func (t *pgTx) AssetForUpdate(ctx context.Context, id string) (*model.Asset, error) {
	a, err := scanAsset(t.tx.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return a, nil
}

func (t *pgTx) TreasuryForUpdate(ctx context.Context) (*model.Treasury, error) {
	// Lazily create the singleton row, then lock it.
	_, err := t.tx.Exec(ctx,
		`INSERT INTO treasury (id, balance, total_fees_collected, total_transactions)
		 VALUES (1, 0, 0, 0)
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return nil, mapErr(err)
	}

	var tr model.Treasury
	var balance, fees string
	err = t.tx.QueryRow(ctx,
		`SELECT balance::TEXT, total_fees_collected::TEXT, total_transactions, last_transaction_at
		 FROM treasury WHERE id = 1 FOR UPDATE`).
		Scan(&balance, &fees, &tr.TotalTransactions, &tr.LastTransactionAt)
	if err != nil {
		return nil, mapErr(err)
	}
	tr.Balance, _ = decimal.NewFromString(balance)
	tr.TotalFeesCollected, _ = decimal.NewFromString(fees)
	return &tr, nil
}

func (t *pgTx) FindLike(ctx context.Context, userID, assetID string) (*model.InteractionRecord, error) {
	var r model.InteractionRecord
	err := t.tx.QueryRow(ctx,
		`SELECT `+interactionColumns+` FROM interactions
		 WHERE user_id = $1 AND asset_id = $2 AND action_type = $3
		 LIMIT 1`, userID, assetID, model.ActionLike).
		Scan(&r.ID, &r.UserID, &r.AssetID, &r.ActionType, &r.CreatedAt, &r.Processed)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (t *pgTx) UpdateSettlement(ctx context.Context, userID string, available decimal.Decimal) error {
	cmd, err := t.tx.Exec(ctx,
		`UPDATE settlement_balances
		 SET available_balance = $2::NUMERIC, updated_at = now()
		 WHERE user_id = $1`, userID, available.String())
	if err != nil {
		return mapErr(err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) UpdateTreasury(ctx context.Context, tr *model.Treasury) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE treasury
		 SET balance = $1::NUMERIC, total_fees_collected = $2::NUMERIC,
		     total_transactions = $3, last_transaction_at = $4
		 WHERE id = 1`,
		tr.Balance.String(), tr.TotalFeesCollected.String(),
		tr.TotalTransactions, tr.LastTransactionAt)
	return mapErr(err)
}

func (t *pgTx) UpdateAsset(ctx context.Context, a *model.Asset) error {
	cmd, err := t.tx.Exec(ctx,
		`UPDATE assets
		 SET social_accumulator = $2::NUMERIC,
		     max_editions = $3, available_editions = $4,
		     buy_count = $5, sell_count = $6, share_count = $7,
		     share_count_24h = $8, interaction_count = $9,
		     volume_24h = $10::NUMERIC, social_event = $11, social_event_expiry = $12,
		     active = $13
		 WHERE id = $1`,
		a.ID, a.SocialAccumulator.String(),
		a.MaxEditions, a.AvailableEditions,
		a.BuyCount, a.SellCount, a.ShareCount,
		a.ShareCount24h, a.InteractionCount,
		a.Volume24h.String(), a.SocialEvent, a.SocialEventExpiry,
		a.Active)
	if err != nil {
		return mapErr(err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertHolding(ctx context.Context, h *model.Holding) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (id, owner_id, asset_id, purchase_price, acquired_at, active, retired_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		h.ID, h.OwnerID, h.AssetID, h.PurchasePrice.String(), h.AcquiredAt, h.Active, h.RetiredAt)
	return mapErr(err)
}

func (t *pgTx) RetireHolding(ctx context.Context, id string, at time.Time) error {
	cmd, err := t.tx.Exec(ctx,
		`UPDATE holdings SET active = FALSE, retired_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return mapErr(err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, asset_id, type, amount, quantity, fee, description, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10)`,
		e.ID, e.UserID, e.AssetID, e.Type, e.Amount.String(), e.Quantity,
		e.Fee.String(), e.Description, e.Status, e.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) InsertInteraction(ctx context.Context, r *model.InteractionRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO interactions (id, user_id, asset_id, action_type, created_at, processed)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.UserID, r.AssetID, r.ActionType, r.CreatedAt, r.Processed)
	return mapErr(err)
}

func (t *pgTx) DeleteInteraction(ctx context.Context, id string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM interactions WHERE id = $1`, id)
	return mapErr(err)
}

func (t *pgTx) Commit(ctx context.Context) error {
	return mapErr(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return mapErr(err)
	}
	return nil
}
