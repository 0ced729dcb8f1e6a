// Package allocator renews per-period credit allocations. A periodic loop
// finds plan assignments whose billing period has elapsed and credits each
// feature's allocation through the ledger, then advances the period.
package allocator

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/config"
	creditsdomain "github.com/smallbiznis/creditgate/internal/credits/domain"
	plandomain "github.com/smallbiznis/creditgate/internal/plan/domain"
	"github.com/smallbiznis/creditgate/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	lockKey      = "creditgate:allocator"
	lockTTL      = 5 * time.Minute
	dueBatchSize = 100
)

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Clock   clock.Clock
	Locker  *ratelimit.Locker `optional:"true"`
	Plans   plandomain.Service
	Credits creditsdomain.Service
}

type Allocator struct {
	cfg     config.Config
	log     *zap.Logger
	clock   clock.Clock
	locker  *ratelimit.Locker
	plans   plandomain.Service
	credits creditsdomain.Service
}

func New(p Params) *Allocator {
	return &Allocator{
		cfg:     p.Cfg,
		log:     p.Log.Named("allocator"),
		clock:   p.Clock,
		locker:  p.Locker,
		plans:   p.Plans,
		credits: p.Credits,
	}
}

// Run ticks until ctx is cancelled. One instance at a time does the work;
// the redis lock keeps multi-node deployments from double-crediting, and
// renewal idempotency keys make even a lost lock harmless.
func (a *Allocator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.AllocatorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				a.log.Error("renewal pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single renewal pass.
func (a *Allocator) RunOnce(ctx context.Context) error {
	token, acquired, err := a.locker.TryLock(ctx, lockKey, lockTTL)
	if err != nil {
		return fmt.Errorf("acquire renewal lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := a.locker.Release(ctx, lockKey, token); err != nil {
			a.log.Warn("release renewal lock", zap.Error(err))
		}
	}()

	now := a.clock.Now()
	cutoff := now.Add(-a.cfg.BillingPeriod)

	due, err := a.plans.ListDue(ctx, cutoff, dueBatchSize)
	if err != nil {
		return fmt.Errorf("list due assignments: %w", err)
	}

	for _, assignment := range due {
		if err := a.renew(ctx, assignment, now); err != nil {
			a.log.Error("renew assignment",
				zap.String("user_id", assignment.UserID),
				zap.String("plan_id", assignment.PlanID),
				zap.Error(err),
			)
			continue
		}
	}
	return nil
}

func (a *Allocator) renew(ctx context.Context, assignment plandomain.UserPlan, now time.Time) error {
	plan, err := a.plans.GetPlan(assignment.PlanID)
	if err != nil {
		return err
	}

	// The new period starts a whole number of periods after the recorded
	// start so a stalled allocator does not drift the schedule.
	periodStart := assignment.PeriodStart
	for !periodStart.Add(a.cfg.BillingPeriod).After(now) {
		periodStart = periodStart.Add(a.cfg.BillingPeriod)
	}
	periodTag := periodStart.UTC().Format(time.RFC3339)

	for key, grant := range plan.Features {
		if grant.Allocation <= 0 {
			continue
		}
		_, err := a.credits.Allocate(ctx, creditsdomain.AllocateRequest{
			UserID:          assignment.UserID,
			Key:             key,
			Amount:          grant.Allocation,
			TransactionType: creditsdomain.TransactionTypeAllocation,
			Source:          creditsdomain.SourceSubscriptionRenewal,
			SourceID:        periodTag,
			IdempotencyKey:  fmt.Sprintf("renewal:%s:%s:%s", assignment.UserID, key, periodTag),
			Description:     fmt.Sprintf("%s period allocation", plan.Name),
		})
		if err != nil {
			return fmt.Errorf("allocate %s: %w", key, err)
		}
	}

	if err := a.plans.AdvancePeriod(ctx, assignment.UserID, periodStart); err != nil {
		return fmt.Errorf("advance period: %w", err)
	}

	a.log.Info("allocations renewed",
		zap.String("user_id", assignment.UserID),
		zap.String("plan_id", assignment.PlanID),
		zap.String("period_start", periodTag),
	)
	return nil
}
