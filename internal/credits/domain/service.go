package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/creditgate/pkg/db/pagination"
)

// ConsumeRequest debits credits for one metered action.
type ConsumeRequest struct {
	UserID string `json:"user_id"`
	Key    string `json:"key"`
	Amount int64  `json:"amount"`
	// IdempotencyKey makes the debit at-most-once under retries. Optional
	// but strongly recommended. Callers mint it themselves; it must never
	// be taken from an untrusted client value.
	IdempotencyKey string         `json:"idempotency_key"`
	Description    string         `json:"description"`
	Metadata       map[string]any `json:"metadata"`
}

// ConsumeResult reports the outcome of an atomic consume.
type ConsumeResult struct {
	// Allowed is false when the balance could not cover the amount. That
	// is a normal outcome, not an error.
	Allowed      bool  `json:"allowed"`
	BalanceAfter int64 `json:"balance_after"`
	// Replayed is true when the idempotency key matched an existing entry
	// and no new debit was applied.
	Replayed bool `json:"replayed"`
}

// AllocateRequest credits a (user, key) balance.
type AllocateRequest struct {
	UserID          string          `json:"user_id"`
	Key             string          `json:"key"`
	Amount          int64           `json:"amount"`
	TransactionType TransactionType `json:"transaction_type"`
	Source          Source          `json:"source"`
	SourceID        string          `json:"source_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Description     string          `json:"description"`
}

// BalanceInfo pairs the materialized balance with the plan's nominal
// allocation for display ("X of Y remaining").
type BalanceInfo struct {
	Balance    int64 `json:"balance"`
	Allocation int64 `json:"allocation"`
}

type ListLedgerRequest struct {
	UserID string `json:"user_id"`
	Key    string `json:"key"`
	pagination.Pagination
}

type ListLedgerResponse struct {
	pagination.PageInfo
	Entries []CreditLedgerEntry `json:"entries"`
}

// Service is the credits gate: the authoritative check-and-debit in front
// of metered features.
type Service interface {
	// HasCredits is the advisory pre-check. It never writes and is not a
	// reservation; only Consume is authoritative.
	HasCredits(ctx context.Context, userID, key string, amount int64) (bool, error)
	// Consume atomically debits the balance and appends the ledger entry
	// in one transaction, with idempotent replay on a repeated key.
	Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error)
	// Allocate credits the balance (renewals, top-ups, refunds) and
	// appends the matching ledger entry.
	Allocate(ctx context.Context, req AllocateRequest) (int64, error)
	// GetBalance returns the committed balance plus the plan allocation.
	GetBalance(ctx context.Context, userID, key string) (BalanceInfo, error)
	// ListLedger pages through a user's ledger, newest first.
	ListLedger(ctx context.Context, req ListLedgerRequest) (ListLedgerResponse, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidKey          = errors.New("invalid_key")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidTransaction  = errors.New("invalid_transaction_type")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrUnknownFeature      = errors.New("unknown_feature")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	// ErrIdempotencyConflict reports an idempotency key already recorded
	// under a different (user, key) scope. A key never replays across
	// users or features.
	ErrIdempotencyConflict = errors.New("idempotency_key_conflict")
	// ErrStoreUnavailable classifies transient storage failures: safe to
	// retry with the same idempotency key.
	ErrStoreUnavailable = errors.New("store_unavailable")
)
