package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the gateway.
type MetricsCollector struct {
	meter metric.Meter

	// Narration metrics
	narrationAccepted   metric.Int64Counter
	narrationSuppressed metric.Int64Counter
	narrationDelivery   metric.Int64Counter

	// Trace extraction metrics
	traceEvents          metric.Int64Counter
	extractionFallbacks  metric.Int64Counter
	conversationDuration metric.Float64Histogram

	// Export metrics
	exportValidation metric.Int64Counter
	exportWrites     metric.Int64Counter

	// Conversation metrics
	conversationsActive metric.Int64UpDownCounter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("sonar")

	narrationAccepted, err := meter.Int64Counter(
		"sonar.narration.accepted.total",
		metric.WithDescription("Narration updates accepted by the rate controller"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create narration_accepted counter: %w", err)
	}

	narrationSuppressed, err := meter.Int64Counter(
		"sonar.narration.suppressed.total",
		metric.WithDescription("Narration candidates rejected by the rate controller"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create narration_suppressed counter: %w", err)
	}

	narrationDelivery, err := meter.Int64Counter(
		"sonar.narration.delivery.total",
		metric.WithDescription("Outbound narration delivery attempts by status"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create narration_delivery counter: %w", err)
	}

	traceEvents, err := meter.Int64Counter(
		"sonar.trace.events.total",
		metric.WithDescription("Trace fragments consumed, by classified kind"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace_events counter: %w", err)
	}

	extractionFallbacks, err := meter.Int64Counter(
		"sonar.extraction.fallbacks.total",
		metric.WithDescription("Times trace extraction degraded to the generic fallback"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create extraction_fallbacks counter: %w", err)
	}

	conversationDuration, err := meter.Float64Histogram(
		"sonar.conversation.duration",
		metric.WithDescription("End-to-end conversation processing time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation_duration histogram: %w", err)
	}

	exportValidation, err := meter.Int64Counter(
		"sonar.export.validation.total",
		metric.WithDescription("Export pipeline stage outcomes"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create export_validation counter: %w", err)
	}

	exportWrites, err := meter.Int64Counter(
		"sonar.export.writes.total",
		metric.WithDescription("Persistence sink writes by status"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create export_writes counter: %w", err)
	}

	conversationsActive, err := meter.Int64UpDownCounter(
		"sonar.conversations.active",
		metric.WithDescription("Number of conversations currently being processed"),
		metric.WithUnit("{conversation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversations_active gauge: %w", err)
	}

	collector := &MetricsCollector{
		meter:                meter,
		narrationAccepted:    narrationAccepted,
		narrationSuppressed:  narrationSuppressed,
		narrationDelivery:    narrationDelivery,
		traceEvents:          traceEvents,
		extractionFallbacks:  extractionFallbacks,
		conversationDuration: conversationDuration,
		exportValidation:     exportValidation,
		exportWrites:         exportWrites,
		conversationsActive:  conversationsActive,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordNarrationAccepted counts an accepted narration update.
func (m *MetricsCollector) RecordNarrationAccepted(ctx context.Context, category string) {
	if m.narrationAccepted == nil {
		return
	}
	m.narrationAccepted.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordNarrationSuppressed counts a rejected narration candidate.
func (m *MetricsCollector) RecordNarrationSuppressed(ctx context.Context, reason string) {
	if m.narrationSuppressed == nil {
		return
	}
	m.narrationSuppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordNarrationDelivery counts an outbound delivery attempt.
func (m *MetricsCollector) RecordNarrationDelivery(ctx context.Context, status string) {
	if m.narrationDelivery == nil {
		return
	}
	m.narrationDelivery.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTraceEvent counts one consumed trace fragment by classified kind.
func (m *MetricsCollector) RecordTraceEvent(ctx context.Context, kind string) {
	if m.traceEvents == nil {
		return
	}
	m.traceEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordExtractionFallback counts a degraded extraction.
func (m *MetricsCollector) RecordExtractionFallback(ctx context.Context) {
	if m.extractionFallbacks == nil {
		return
	}
	m.extractionFallbacks.Add(ctx, 1)
}

// RecordConversation records a finished conversation.
func (m *MetricsCollector) RecordConversation(ctx context.Context, duration time.Duration, success bool) {
	if m.conversationDuration == nil {
		return
	}
	m.conversationDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordExportStage counts an export pipeline stage outcome.
func (m *MetricsCollector) RecordExportStage(ctx context.Context, stage string, ok bool) {
	if m.exportValidation == nil {
		return
	}
	m.exportValidation.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("ok", ok),
	))
}

// RecordExportWrite counts a persistence write.
func (m *MetricsCollector) RecordExportWrite(ctx context.Context, format string, ok bool) {
	if m.exportWrites == nil {
		return
	}
	m.exportWrites.Add(ctx, 1, metric.WithAttributes(
		attribute.String("format", format),
		attribute.Bool("ok", ok),
	))
}

// IncrementActiveConversations increments the active conversation counter.
func (m *MetricsCollector) IncrementActiveConversations(ctx context.Context) {
	if m.conversationsActive == nil {
		return
	}
	m.conversationsActive.Add(ctx, 1)
}

// DecrementActiveConversations decrements the active conversation counter.
func (m *MetricsCollector) DecrementActiveConversations(ctx context.Context) {
	if m.conversationsActive == nil {
		return
	}
	m.conversationsActive.Add(ctx, -1)
}
