package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	// Plans lists the full catalog.
	Plans() []Plan
	// GetPlan resolves a catalog entry by ID or name.
	GetPlan(id string) (Plan, error)
	// PlanForUser resolves the user's current plan, falling back to the
	// default plan when the user has no assignment yet.
	PlanForUser(ctx context.Context, userID string) (Plan, UserPlan, error)
	// AllocationFor returns the per-period credit allocation for a feature
	// key under the user's plan. Unknown keys are a configuration error.
	AllocationFor(ctx context.Context, userID, key string) (int64, error)
	// SetPlan assigns a plan to a user and starts a fresh billing period.
	SetPlan(ctx context.Context, userID, planID string) error
	// ListDue returns assignments whose billing period started before the
	// cutoff, for the allocation renewal loop.
	ListDue(ctx context.Context, before time.Time, limit int) ([]UserPlan, error)
	// AdvancePeriod moves an assignment's period forward after renewal.
	AdvancePeriod(ctx context.Context, userID string, periodStart time.Time) error
}

var (
	ErrInvalidUser    = errors.New("invalid_user")
	ErrUnknownPlan    = errors.New("unknown_plan")
	ErrUnknownFeature = errors.New("unknown_feature")
)
