// Package domain contains the credit balance and ledger persistence models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionTypeAllocation  TransactionType = "allocation"
	TransactionTypeConsumption TransactionType = "consumption"
	TransactionTypeAdjustment  TransactionType = "adjustment"
	TransactionTypeRefund      TransactionType = "refund"
)

// Source identifies the subsystem that originated a ledger entry.
type Source string

const (
	SourceSubscriptionRenewal Source = "subscription_renewal"
	SourceAPIUsage            Source = "api_usage"
	SourceManualAdjustment    Source = "manual_adjustment"
	// SourcePlanInitial marks the lazy first allocation written when a
	// balance row is materialized from the plan's default.
	SourcePlanInitial Source = "plan_initial"
)

// CreditBalance is the materialized view of the ledger for one
// (user, feature key) pair. The ledger is the source of truth; this row
// always equals the sum of the user's ledger amounts for the key.
type CreditBalance struct {
	UserID    string    `gorm:"primaryKey;column:user_id;type:text" json:"user_id"`
	Key       string    `gorm:"primaryKey;column:key;type:text" json:"key"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	Currency  *string   `gorm:"type:text" json:"currency,omitempty"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (CreditBalance) TableName() string { return "credit_balances" }

// CreditLedgerEntry is one immutable credit mutation. Entries are never
// updated or deleted; corrections are new adjustment or refund entries.
type CreditLedgerEntry struct {
	ID              snowflake.ID      `gorm:"primaryKey" json:"id"`
	UserID          string            `gorm:"column:user_id;type:text;not null;index:idx_credit_ledger_user_key_time,priority:1" json:"user_id"`
	Key             string            `gorm:"column:key;type:text;not null;index:idx_credit_ledger_user_key_time,priority:2" json:"key"`
	Amount          int64             `gorm:"not null" json:"amount"`
	BalanceAfter    int64             `gorm:"not null" json:"balance_after"`
	TransactionType TransactionType   `gorm:"type:text;not null" json:"transaction_type"`
	Source          Source            `gorm:"type:text;not null" json:"source"`
	SourceID        *string           `gorm:"type:text;index" json:"source_id,omitempty"`
	Description     string            `gorm:"type:text" json:"description,omitempty"`
	Metadata        datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	IdempotencyKey  *string           `gorm:"type:text;uniqueIndex:ux_credit_ledger_idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_credit_ledger_user_key_time,priority:3,sort:desc" json:"created_at"`
}

// TableName sets the database table name.
func (CreditLedgerEntry) TableName() string { return "credit_ledger" }
