package reporter

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LoggingClient is the default aggregator backend. It logs each meter
// event and fabricates an event ID, which keeps the reporting pipeline
// exercised in deployments without a real aggregator.
type LoggingClient struct {
	log *zap.Logger
}

func NewLoggingClient(log *zap.Logger) *LoggingClient {
	return &LoggingClient{log: log.Named("reporter.aggregator")}
}

func (c *LoggingClient) SendMeterEvent(ctx context.Context, event MeterEvent) (string, error) {
	id := fmt.Sprintf("evt_%s", uuid.NewString())
	c.log.Info("meter event",
		zap.String("meter_event_id", id),
		zap.String("user_id", event.UserID),
		zap.String("key", event.Key),
		zap.Float64("amount", event.Amount),
		zap.Time("period_start", event.PeriodStart),
		zap.Time("period_end", event.PeriodEnd),
	)
	return id, nil
}
