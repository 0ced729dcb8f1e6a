package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	consume       metric.Int64Counter
	ledgerEntries metric.Int64Counter
	usageReports  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditgate"
	}
	meter := provider.Meter(name)

	consume, err := meter.Int64Counter("creditgate_consume_total")
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("creditgate_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	usageReports, err := meter.Int64Counter("creditgate_usage_reports_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		consume:       consume,
		ledgerEntries: ledgerEntries,
		usageReports:  usageReports,
	}, nil
}

// RecordConsume counts a consume attempt with its outcome
// (allowed, denied, replayed).
func (m *Metrics) RecordConsume(ctx context.Context, key, result string) {
	if m == nil {
		return
	}
	m.consume.Add(ctx, 1, metric.WithAttributes(
		attribute.String("key", strings.TrimSpace(key)),
		attribute.String("result", strings.TrimSpace(result)),
	))
}

// RecordLedgerEntry counts committed ledger entries by transaction type.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, transactionType string) {
	if m == nil {
		return
	}
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transaction_type", strings.TrimSpace(transactionType)),
	))
}

// RecordUsageReport counts aggregator flush outcomes (sent, failed).
func (m *Metrics) RecordUsageReport(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.usageReports.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", strings.TrimSpace(result)),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp metric protocol %q", protocol)
	}
}
