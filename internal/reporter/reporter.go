// Package reporter flushes recorded usage events to the external billing
// aggregator. Reporting is asynchronous and best effort; the ledger is the
// authority for gating, usage events only feed external metering.
package reporter

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/creditgate/internal/config"
	"github.com/smallbiznis/creditgate/internal/observability/metrics"
	"github.com/smallbiznis/creditgate/internal/ratelimit"
	usagedomain "github.com/smallbiznis/creditgate/internal/usageevent/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	lockKey = "creditgate:reporter"
	lockTTL = 2 * time.Minute
)

// MeterEvent is the payload sent to the aggregator for one usage event.
type MeterEvent struct {
	UserID      string
	Key         string
	Amount      float64
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// AggregatorClient sends meter events to the external billing aggregator
// and returns its event ID for acknowledgement.
type AggregatorClient interface {
	SendMeterEvent(ctx context.Context, event MeterEvent) (string, error)
}

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Locker     *ratelimit.Locker `optional:"true"`
	Usage      usagedomain.Service
	Aggregator AggregatorClient
	Metrics    *metrics.Metrics `optional:"true"`
}

type Reporter struct {
	cfg        config.Config
	log        *zap.Logger
	locker     *ratelimit.Locker
	usage      usagedomain.Service
	aggregator AggregatorClient
	metrics    *metrics.Metrics
}

func New(p Params) *Reporter {
	return &Reporter{
		cfg:        p.Cfg,
		log:        p.Log.Named("reporter"),
		locker:     p.Locker,
		usage:      p.Usage,
		aggregator: p.Aggregator,
		metrics:    p.Metrics,
	}
}

// Run flushes on a fixed interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReporterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.log.Error("usage flush failed", zap.Error(err))
			}
		}
	}
}

// Flush sends one batch of unacknowledged events. A failed send leaves the
// event unacknowledged so the next pass retries it.
func (r *Reporter) Flush(ctx context.Context) error {
	token, acquired, err := r.locker.TryLock(ctx, lockKey, lockTTL)
	if err != nil {
		return fmt.Errorf("acquire reporter lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := r.locker.Release(ctx, lockKey, token); err != nil {
			r.log.Warn("release reporter lock", zap.Error(err))
		}
	}()

	events, err := r.usage.ListUnacknowledged(ctx, r.cfg.ReporterBatchSize)
	if err != nil {
		return fmt.Errorf("list unacknowledged events: %w", err)
	}

	for _, event := range events {
		meterEventID, err := r.aggregator.SendMeterEvent(ctx, MeterEvent{
			UserID:      event.UserID,
			Key:         event.Key,
			Amount:      event.Amount,
			PeriodStart: event.PeriodStart,
			PeriodEnd:   event.PeriodEnd,
		})
		if err != nil {
			r.metrics.RecordUsageReport(ctx, "failed")
			r.log.Warn("send meter event",
				zap.String("event_id", event.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if err := r.usage.Acknowledge(ctx, event.ID, meterEventID); err != nil {
			// The aggregator accepted the event but the acknowledgement did
			// not stick; the next pass re-sends, which the aggregator must
			// deduplicate by its own event ID.
			r.log.Warn("acknowledge meter event",
				zap.String("event_id", event.ID.String()),
				zap.Error(err),
			)
			continue
		}
		r.metrics.RecordUsageReport(ctx, "sent")
	}
	return nil
}
