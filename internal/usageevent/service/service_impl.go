package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditgate/internal/clock"
	usagedomain "github.com/smallbiznis/creditgate/internal/usageevent/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usageevent.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (*usagedomain.UsageEvent, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, usagedomain.ErrInvalidUser
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return nil, usagedomain.ErrInvalidKey
	}
	if req.Amount <= 0 {
		return nil, usagedomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	periodStart, periodEnd := calendarMonth(now)

	event := &usagedomain.UsageEvent{
		ID:          s.genID.Generate(),
		UserID:      userID,
		Key:         key,
		Amount:      req.Amount,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		CreatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, err
	}
	return event, nil
}

func (s *Service) Acknowledge(ctx context.Context, id snowflake.ID, externalMeterEventID string) error {
	externalMeterEventID = strings.TrimSpace(externalMeterEventID)
	if externalMeterEventID == "" {
		return usagedomain.ErrInvalidMeter
	}

	result := s.db.WithContext(ctx).
		Model(&usagedomain.UsageEvent{}).
		Where("id = ? AND external_meter_event_id IS NULL", id).
		Update("external_meter_event_id", externalMeterEventID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Either the event does not exist or it was already acknowledged;
		// only the former is an error.
		var count int64
		if err := s.db.WithContext(ctx).
			Model(&usagedomain.UsageEvent{}).
			Where("id = ?", id).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return usagedomain.ErrNotFound
		}
	}
	return nil
}

func (s *Service) ListUnacknowledged(ctx context.Context, limit int) ([]usagedomain.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []usagedomain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("external_meter_event_id IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return events, nil
}

// calendarMonth bounds the billing period containing t.
func calendarMonth(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
