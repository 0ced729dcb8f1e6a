// Package domain defines the plan catalog and per-user plan assignment.
package domain

import "time"

// FeatureGrant is the credit allocation a plan grants for one feature key
// per billing period.
type FeatureGrant struct {
	Allocation  int64  `json:"allocation"`
	DisplayName string `json:"display_name"`
}

// Plan is a catalog entry. The catalog is embedded in the binary; only the
// user assignment is persisted.
type Plan struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	MonthlyUSD  int64                   `json:"monthly_usd_cents"`
	YearlyUSD   int64                   `json:"yearly_usd_cents"`
	Features    map[string]FeatureGrant `json:"features"`
}

// HasFeature reports whether the plan grants credits for the feature key.
func (p Plan) HasFeature(key string) bool {
	_, ok := p.Features[key]
	return ok
}

// FeatureKeys returns the plan's feature keys in stable order.
func (p Plan) FeatureKeys() []string {
	keys := make([]string, 0, len(p.Features))
	for k := range p.Features {
		keys = append(keys, k)
	}
	return keys
}

// UserPlan assigns a plan to a user and tracks the current billing period.
type UserPlan struct {
	UserID      string    `gorm:"primaryKey;column:user_id;type:text" json:"user_id"`
	PlanID      string    `gorm:"type:text;not null" json:"plan_id"`
	PeriodStart time.Time `gorm:"not null;index" json:"period_start"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (UserPlan) TableName() string { return "user_plans" }
