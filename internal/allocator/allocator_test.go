package allocator

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/config"
	creditsdomain "github.com/smallbiznis/creditgate/internal/credits/domain"
	creditsservice "github.com/smallbiznis/creditgate/internal/credits/service"
	plandomain "github.com/smallbiznis/creditgate/internal/plan/domain"
	planservice "github.com/smallbiznis/creditgate/internal/plan/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type allocatorFixture struct {
	allocator *Allocator
	conn      *gorm.DB
	clock     *clock.FakeClock
	plans     plandomain.Service
	credits   creditsdomain.Service
}

func setupAllocatorTest(t *testing.T) *allocatorFixture {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&creditsdomain.CreditBalance{},
		&creditsdomain.CreditLedgerEntry{},
		&plandomain.UserPlan{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	logger := zap.NewNop()
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	plans := planservice.NewService(planservice.Params{DB: conn, Log: logger})
	credits := creditsservice.NewService(creditsservice.Params{
		DB:      conn,
		Log:     logger,
		GenID:   node,
		PlanSvc: plans,
	})

	cfg := config.Config{
		BillingPeriod:     30 * 24 * time.Hour,
		AllocatorInterval: time.Minute,
	}

	return &allocatorFixture{
		allocator: New(Params{
			Cfg:     cfg,
			Log:     logger,
			Clock:   fake,
			Plans:   plans,
			Credits: credits,
		}),
		conn:    conn,
		clock:   fake,
		plans:   plans,
		credits: credits,
	}
}

func (f *allocatorFixture) backdateAssignment(t *testing.T, userID string, age time.Duration) {
	t.Helper()
	require.NoError(t, f.conn.Model(&plandomain.UserPlan{}).
		Where("user_id = ?", userID).
		Update("period_start", f.clock.Now().Add(-age)).Error)
}

func TestRunOnce_RenewsDueAssignments(t *testing.T) {
	f := setupAllocatorTest(t)
	ctx := context.Background()

	require.NoError(t, f.plans.SetPlan(ctx, "user-1", plandomain.PlanPro))
	f.backdateAssignment(t, "user-1", 31*24*time.Hour)

	require.NoError(t, f.allocator.RunOnce(ctx))

	// First touch materializes the pro allocation, then the renewal adds a
	// fresh period on top; both land in the ledger.
	info, err := f.credits.GetBalance(ctx, "user-1", plandomain.FeatureAIChat)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), info.Balance)

	var renewals int64
	require.NoError(t, f.conn.Model(&creditsdomain.CreditLedgerEntry{}).
		Where("source = ?", creditsdomain.SourceSubscriptionRenewal).
		Count(&renewals).Error)
	assert.Equal(t, int64(2), renewals, "one renewal entry per feature")

	due, err := f.plans.ListDue(ctx, f.clock.Now().Add(-f.allocator.cfg.BillingPeriod), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "renewed assignment must not be due again")
}

func TestRunOnce_SkipsAssignmentsNotYetDue(t *testing.T) {
	f := setupAllocatorTest(t)
	ctx := context.Background()

	require.NoError(t, f.plans.SetPlan(ctx, "user-1", plandomain.PlanFree))
	f.backdateAssignment(t, "user-1", 24*time.Hour)

	require.NoError(t, f.allocator.RunOnce(ctx))

	var renewals int64
	require.NoError(t, f.conn.Model(&creditsdomain.CreditLedgerEntry{}).
		Where("source = ?", creditsdomain.SourceSubscriptionRenewal).
		Count(&renewals).Error)
	assert.Equal(t, int64(0), renewals)
}

func TestRunOnce_RerunDoesNotDoubleCredit(t *testing.T) {
	f := setupAllocatorTest(t)
	ctx := context.Background()

	require.NoError(t, f.plans.SetPlan(ctx, "user-1", plandomain.PlanFree))
	f.backdateAssignment(t, "user-1", 31*24*time.Hour)

	require.NoError(t, f.allocator.RunOnce(ctx))
	before, err := f.credits.GetBalance(ctx, "user-1", plandomain.FeatureAIChat)
	require.NoError(t, err)

	// Simulate a second node repeating the pass for the same period, as
	// after a lost lock: the renewal idempotency key absorbs it.
	f.backdateAssignment(t, "user-1", 31*24*time.Hour)
	require.NoError(t, f.allocator.RunOnce(ctx))

	after, err := f.credits.GetBalance(ctx, "user-1", plandomain.FeatureAIChat)
	require.NoError(t, err)
	assert.Equal(t, before.Balance, after.Balance)

	var entries int64
	require.NoError(t, f.conn.Model(&creditsdomain.CreditLedgerEntry{}).Count(&entries).Error)
	// plan_initial + renewal for each of the two features
	assert.Equal(t, int64(4), entries)
}
