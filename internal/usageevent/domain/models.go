// Package domain contains persistence models for metered usage reporting.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageEvent records one metered action for the external billing
// aggregator. Usage reporting and ledger consumption are independent
// concerns triggered by the same application action; a UsageEvent does not
// reference a ledger entry.
type UsageEvent struct {
	ID     snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID string       `gorm:"column:user_id;type:text;not null;index:idx_usage_events_user_key_period,priority:1" json:"user_id"`
	Key    string       `gorm:"column:key;type:text;not null;index:idx_usage_events_user_key_period,priority:2" json:"key"`
	Amount float64      `gorm:"not null" json:"amount"`
	// ExternalMeterEventID is null until the aggregator acknowledges the
	// event. The transition is one-way; it is never cleared.
	ExternalMeterEventID *string   `gorm:"column:external_meter_event_id;type:text" json:"external_meter_event_id,omitempty"`
	PeriodStart          time.Time `gorm:"not null;index:idx_usage_events_user_key_period,priority:3" json:"period_start"`
	PeriodEnd            time.Time `gorm:"not null;index:idx_usage_events_user_key_period,priority:4" json:"period_end"`
	CreatedAt            time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }
