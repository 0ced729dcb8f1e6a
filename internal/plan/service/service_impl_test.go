package service

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	plandomain "github.com/smallbiznis/creditgate/internal/plan/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupPlanTest(t *testing.T) plandomain.Service {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&plandomain.UserPlan{}))

	return NewService(Params{DB: conn, Log: zap.NewNop()})
}

func TestCatalog(t *testing.T) {
	svc := setupPlanTest(t)

	plans := svc.Plans()
	require.Len(t, plans, 2)
	assert.Equal(t, plandomain.PlanFree, plans[0].ID)
	assert.Equal(t, plandomain.PlanPro, plans[1].ID)

	free, err := svc.GetPlan("free")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), free.Features[plandomain.FeatureAIChat].Allocation)
	assert.Equal(t, int64(1000), free.Features[plandomain.FeatureTabCompletion].Allocation)

	pro, err := svc.GetPlan("Pro")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), pro.Features[plandomain.FeatureAIChat].Allocation)

	_, err = svc.GetPlan("enterprise")
	assert.ErrorIs(t, err, plandomain.ErrUnknownPlan)
}

func TestPlanForUser_DefaultsToFree(t *testing.T) {
	svc := setupPlanTest(t)

	plan, _, err := svc.PlanForUser(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, plandomain.PlanFree, plan.ID)
}

func TestSetPlan_UpsertsAssignment(t *testing.T) {
	svc := setupPlanTest(t)
	ctx := context.Background()

	require.NoError(t, svc.SetPlan(ctx, "user-1", plandomain.PlanFree))
	require.NoError(t, svc.SetPlan(ctx, "user-1", plandomain.PlanPro))

	plan, assignment, err := svc.PlanForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, plandomain.PlanPro, plan.ID)
	assert.Equal(t, plandomain.PlanPro, assignment.PlanID)

	alloc, err := svc.AllocationFor(ctx, "user-1", plandomain.FeatureAIChat)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), alloc)

	_, err = svc.AllocationFor(ctx, "user-1", "no-such-feature")
	assert.ErrorIs(t, err, plandomain.ErrUnknownFeature)
}

func TestListDueAndAdvancePeriod(t *testing.T) {
	svc := setupPlanTest(t)
	ctx := context.Background()

	require.NoError(t, svc.SetPlan(ctx, "user-1", plandomain.PlanFree))

	due, err := svc.ListDue(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "a fresh assignment is not due")

	due, err = svc.ListDue(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "user-1", due[0].UserID)

	next := time.Now().UTC().Add(30 * 24 * time.Hour)
	require.NoError(t, svc.AdvancePeriod(ctx, "user-1", next))

	due, err = svc.ListDue(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "advanced assignment is no longer due")
}
