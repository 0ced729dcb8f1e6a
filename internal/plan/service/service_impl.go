package service

import (
	"context"
	"strings"
	"time"

	plandomain "github.com/smallbiznis/creditgate/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	catalog map[string]plandomain.Plan
	ordered []plandomain.Plan
}

func NewService(p Params) plandomain.Service {
	ordered := plandomain.DefaultCatalog()
	catalog := make(map[string]plandomain.Plan, len(ordered))
	for _, plan := range ordered {
		catalog[plan.ID] = plan
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("plan.service"),
		catalog: catalog,
		ordered: ordered,
	}
}

func (s *Service) Plans() []plandomain.Plan {
	out := make([]plandomain.Plan, len(s.ordered))
	copy(out, s.ordered)
	return out
}

func (s *Service) GetPlan(id string) (plandomain.Plan, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if plan, ok := s.catalog[id]; ok {
		return plan, nil
	}
	// accept display names too ("Free", "Pro")
	for _, plan := range s.ordered {
		if strings.EqualFold(plan.Name, id) {
			return plan, nil
		}
	}
	return plandomain.Plan{}, plandomain.ErrUnknownPlan
}

func (s *Service) PlanForUser(ctx context.Context, userID string) (plandomain.Plan, plandomain.UserPlan, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return plandomain.Plan{}, plandomain.UserPlan{}, plandomain.ErrInvalidUser
	}

	var assignment plandomain.UserPlan
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&assignment).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			plan := s.catalog[plandomain.PlanFree]
			return plan, plandomain.UserPlan{UserID: userID, PlanID: plan.ID}, nil
		}
		return plandomain.Plan{}, plandomain.UserPlan{}, err
	}

	plan, ok := s.catalog[assignment.PlanID]
	if !ok {
		s.log.Warn("user assigned to unknown plan, falling back to free",
			zap.String("user_id", userID),
			zap.String("plan_id", assignment.PlanID),
		)
		plan = s.catalog[plandomain.PlanFree]
	}
	return plan, assignment, nil
}

func (s *Service) AllocationFor(ctx context.Context, userID, key string) (int64, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, plandomain.ErrUnknownFeature
	}

	plan, _, err := s.PlanForUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	grant, ok := plan.Features[key]
	if !ok {
		return 0, plandomain.ErrUnknownFeature
	}
	return grant.Allocation, nil
}

func (s *Service) SetPlan(ctx context.Context, userID, planID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return plandomain.ErrInvalidUser
	}

	plan, err := s.GetPlan(planID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO user_plans (user_id, plan_id, period_start, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id)
		 DO UPDATE SET plan_id = EXCLUDED.plan_id,
		               period_start = EXCLUDED.period_start,
		               updated_at = EXCLUDED.updated_at`,
		userID,
		plan.ID,
		now,
		now,
	).Error
}

func (s *Service) ListDue(ctx context.Context, before time.Time, limit int) ([]plandomain.UserPlan, error) {
	if limit <= 0 {
		limit = 50
	}
	var due []plandomain.UserPlan
	err := s.db.WithContext(ctx).
		Where("period_start < ?", before.UTC()).
		Order("period_start ASC").
		Limit(limit).
		Find(&due).Error
	return due, err
}

func (s *Service) AdvancePeriod(ctx context.Context, userID string, periodStart time.Time) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return plandomain.ErrInvalidUser
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&plandomain.UserPlan{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"period_start": periodStart.UTC(),
			"updated_at":   now,
		}).Error
}
