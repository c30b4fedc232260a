// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places for externally visible amounts.
// The social accumulator itself is kept at full precision to avoid compounding
// rounding drift; only derived prices and balances are rounded.
const MoneyScale int32 = 2

// Interaction action types.
const (
	ActionLike    = "like"
	ActionShare   = "share"
	ActionView    = "view"
	ActionComment = "comment"
)

// Social event states, triggered by 24h share volume.
const (
	EventNone     = "none"
	EventTrending = "trending"
	EventViral    = "viral"
)

// Ledger entry types.
const (
	LedgerBuy                = "buy"
	LedgerSell               = "sell"
	LedgerTreasuryWithdrawal = "treasury_withdrawal"
)

// Asset is a tradable social item whose value grows with interactions and
// trades. Assets are never deleted; inactive assets reject new trades.
type Asset struct {
	ID                string           `json:"id" db:"id"`
	Title             string           `json:"title" db:"title"`
	Artist            string           `json:"artist" db:"artist"`
	BasePrice         decimal.Decimal  `json:"base_price" db:"base_price"`
	SocialAccumulator decimal.Decimal  `json:"social_accumulator" db:"social_accumulator"`
	MaxEditions       *int64           `json:"max_editions" db:"max_editions"`             // nil = unlimited
	AvailableEditions *int64           `json:"available_editions" db:"available_editions"` // nil = unlimited
	BuyCount          int64            `json:"buy_count" db:"buy_count"`
	SellCount         int64            `json:"sell_count" db:"sell_count"`
	ShareCount        int64            `json:"share_count" db:"share_count"`
	ShareCount24h     int64            `json:"share_count_24h" db:"share_count_24h"`
	InteractionCount  int64            `json:"interaction_count" db:"interaction_count"`
	Volume24h         decimal.Decimal  `json:"volume_24h" db:"volume_24h"`
	SocialEvent       string           `json:"social_event" db:"social_event"`
	SocialEventExpiry *time.Time       `json:"social_event_expiry" db:"social_event_expiry"`
	Active            bool             `json:"active" db:"active"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
}

// CurrentValue is always base price plus the social accumulator, recomputed
// on read. It is never stored as an independent source of truth.
func (a *Asset) CurrentValue() decimal.Decimal {
	return a.BasePrice.Add(a.SocialAccumulator).Round(MoneyScale)
}

// AgeDays returns the asset's age in (fractional) days at the given time.
func (a *Asset) AgeDays(at time.Time) decimal.Decimal {
	age := at.Sub(a.CreatedAt)
	if age < 0 {
		age = 0
	}
	return decimal.NewFromFloat(age.Hours() / 24)
}

// CurrentEvent returns the asset's social event label, treating an expired
// event as none. Expiry is evaluated lazily on read.
func (a *Asset) CurrentEvent(at time.Time) string {
	if a.SocialEvent == EventNone || a.SocialEvent == "" {
		return EventNone
	}
	if a.SocialEventExpiry != nil && at.After(*a.SocialEventExpiry) {
		return EventNone
	}
	return a.SocialEvent
}

// Holding is one unit of ownership of an asset. Created exactly once per
// purchased unit; on sale it is retired (soft-deleted) and never reused.
type Holding struct {
	ID            string          `json:"id" db:"id"`
	OwnerID       string          `json:"owner_id" db:"owner_id"`
	AssetID       string          `json:"asset_id" db:"asset_id"`
	PurchasePrice decimal.Decimal `json:"purchase_price" db:"purchase_price"`
	AcquiredAt    time.Time       `json:"acquired_at" db:"acquired_at"`
	Active        bool            `json:"active" db:"active"`
	RetiredAt     *time.Time      `json:"retired_at" db:"retired_at"`
}

// SettlementBalance holds a user's real, spendable funds. This is the only
// balance debited on buy and credited on sell.
type SettlementBalance struct {
	UserID           string          `json:"user_id" db:"user_id"`
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"`
	LockedBalance    decimal.Decimal `json:"locked_balance" db:"locked_balance"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// VirtualWallet is a secondary, informational ledger. It is read and locked
// during trades for consistency but never mutated by trade execution.
type VirtualWallet struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Treasury is the platform's singleton fee-collection ledger, lazily created
// on first access.
type Treasury struct {
	Balance            decimal.Decimal `json:"balance" db:"balance"`
	TotalFeesCollected decimal.Decimal `json:"total_fees_collected" db:"total_fees_collected"`
	TotalTransactions  int64           `json:"total_transactions" db:"total_transactions"`
	LastTransactionAt  *time.Time      `json:"last_transaction_at" db:"last_transaction_at"`
}

// LedgerEntry is an immutable record of one committed money movement.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	AssetID     string          `json:"asset_id" db:"asset_id"`
	Type        string          `json:"type" db:"type"`
	Amount      decimal.Decimal `json:"amount" db:"amount"` // signed: +credit to user, -debit
	Quantity    int64           `json:"quantity" db:"quantity"`
	Fee         decimal.Decimal `json:"fee" db:"fee"`
	Description string          `json:"description" db:"description"`
	Status      string          `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// InteractionRecord is an append-only record of one social interaction.
// The only deletion case is the like toggle, which removes the prior like
// instead of duplicating it.
type InteractionRecord struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	AssetID    string    `json:"asset_id" db:"asset_id"`
	ActionType string    `json:"action_type" db:"action_type"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	Processed  bool      `json:"processed" db:"processed"`
}

// InteractionStats aggregates interaction activity for one asset.
type InteractionStats struct {
	AssetID       string           `json:"asset_id"`
	CountsByType  map[string]int64 `json:"counts_by_type"`
	Counts24h     map[string]int64 `json:"counts_24h"`
	DistinctUsers int64            `json:"distinct_users"`
}

// Validation failure codes.
const (
	ReasonUserNotFound       = "user_not_found"
	ReasonAssetNotFound      = "asset_not_found"
	ReasonAssetInactive      = "asset_inactive"
	ReasonInsufficientStock  = "insufficient_stock"
	ReasonInsufficientFunds  = "insufficient_funds"
	ReasonHoldingUnavailable = "holding_not_available"
	ReasonInvalidQuantity    = "invalid_quantity"
	ReasonInvalidAction      = "invalid_action"
)

// ValidationError is a business-rule failure: synchronous, never retried,
// no state change. Shortfall carries the exact missing amount for
// insufficient-funds failures.
type ValidationError struct {
	Code      string          `json:"code"`
	Reason    string          `json:"reason"`
	Shortfall decimal.Decimal `json:"shortfall,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Shortfall.IsPositive() {
		return fmt.Sprintf("%s: %s (short %s)", e.Code, e.Reason, e.Shortfall.StringFixed(MoneyScale))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// NewValidationError builds a validation failure with no shortfall.
func NewValidationError(code, reason string) *ValidationError {
	return &ValidationError{Code: code, Reason: reason}
}
