package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type RecordRequest struct {
	UserID string  `json:"user_id"`
	Key    string  `json:"key"`
	Amount float64 `json:"amount"`
}

type Service interface {
	// Record stores one metered action against the current billing
	// period. Best effort from the caller's perspective: failures here
	// must never block or roll back a committed ledger consumption.
	Record(ctx context.Context, req RecordRequest) (*UsageEvent, error)
	// Acknowledge sets the aggregator's meter event ID. The transition is
	// one-way; acknowledging an already-acknowledged event is a no-op.
	Acknowledge(ctx context.Context, id snowflake.ID, externalMeterEventID string) error
	// ListUnacknowledged returns events still awaiting aggregator
	// acknowledgement, oldest first.
	ListUnacknowledged(ctx context.Context, limit int) ([]UsageEvent, error)
}

var (
	ErrInvalidUser   = errors.New("invalid_user")
	ErrInvalidKey    = errors.New("invalid_key")
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidMeter  = errors.New("invalid_meter_event_id")
	ErrNotFound      = errors.New("not_found")
)
