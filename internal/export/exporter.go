package export

import (
	"context"
	"fmt"

	"sonar/internal/conversation"
	"sonar/internal/logging"
	"sonar/internal/observability"
)

// Exporter runs the normalization pipeline and persists every format to
// every configured sink.
type Exporter struct {
	pipeline *Pipeline
	sinks    []Sink
	prefix   string
	metrics  *observability.MetricsCollector
	tracing  *observability.TracerProvider
	logger   logging.Logger

	// critical is the high-severity channel for persistence failures: a
	// failed write means the conversation record is at risk of being lost.
	critical logging.Logger
}

// NewExporter wires the default pipeline. The prefix is the leading path
// segment of every object key.
func NewExporter(sinks []Sink, prefix string, metrics *observability.MetricsCollector, tracing *observability.TracerProvider, logger logging.Logger) *Exporter {
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	logger = logging.OrNop(logger)
	return &Exporter{
		pipeline: NewPipeline(metrics, logger),
		sinks:    sinks,
		prefix:   prefix,
		metrics:  metrics,
		tracing:  tracing,
		logger:   logger,
		critical: logging.NewExportCriticalLogger(),
	}
}

// Export normalizes and persists one completed conversation. It returns the
// normalized document regardless of persistence outcome; write failures are
// escalated on the critical log channel, not returned as fatal errors.
func (e *Exporter) Export(ctx context.Context, record *conversation.Record) *Document {
	ctx, span := e.startSpan(ctx, record)
	defer span()

	doc := e.pipeline.Run(ctx, record)
	applyBounds(doc)

	rendered, err := RenderFormats(doc)
	if err != nil {
		e.critical.Error("conversation %s could not be rendered for export: %v", record.ConversationID, err)
		return doc
	}

	for _, format := range formatOrder {
		body, ok := rendered[format]
		if !ok {
			continue
		}
		key := objectKey(e.prefix, record, format)
		for _, sink := range e.sinks {
			if err := sink.Put(ctx, key, body, ContentTypeFor(format)); err != nil {
				e.metrics.RecordExportWrite(ctx, format, false)
				e.critical.Error("persist failed, record at risk: sink=%s key=%s conversation=%s: %v",
					sink.Name(), key, record.ConversationID, err)
				continue
			}
			e.metrics.RecordExportWrite(ctx, format, true)
			e.logger.Debug("exported conversation %s format=%s sink=%s key=%s",
				record.ConversationID, format, sink.Name(), key)
		}
	}
	return doc
}

func (e *Exporter) startSpan(ctx context.Context, record *conversation.Record) (context.Context, func()) {
	if e.tracing == nil {
		return ctx, func() {}
	}
	ctx, span := e.tracing.StartSpan(ctx, observability.SpanExportRecord,
		observability.ConversationAttrs(record.ConversationID, record.SessionID)...)
	return ctx, func() { span.End() }
}

/// objectKey builds the deterministic hierarchical key:
// prefix/year/month/day/hour-bucket/conversation-id/format.ext.
func objectKey(prefix string, record *conversation.Record, format string) string {
	t := record.StartTime.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%02d/%s/%s.%s",
		prefix, t.Year(), int(t.Month()), t.Day(), t.Hour(),
		record.ConversationID, format, FileExtension(format))
}
