// Package export post-processes completed conversation records: a fixed
// stage pipeline normalizes and scores each record, renderers project it
// into the persisted formats, and sinks write those to durable storage.
package export

import (
	"context"
	"fmt"

	"sonar/internal/conversation"
	"sonar/internal/logging"
	"sonar/internal/observability"
)

// Document is the unit flowing through the pipeline: the sealed record plus
// everything the stages derive from it.
type Document struct {
	Record *conversation.Record `json:"record"`

	// DetectedHandoffs are conversation-level "source → target" handoff keys
	// filled by the attribution stage.
	DetectedHandoffs []string `json:"detected_handoffs,omitempty"`

	// Quality is filled by the scoring stage; nil when that stage failed.
	Quality *QualityAssessment `json:"quality,omitempty"`

	// StrippedPromptBytes totals the boilerplate removed by prompt stripping.
	StrippedPromptBytes int `json:"stripped_prompt_bytes,omitempty"`
}

// Stage is one normalization step. Apply mutates the document in place; an
// error marks the stage failed without stopping the pipeline.
type Stage interface {
	Name() string
	Apply(ctx context.Context, doc *Document) error
}

// Pipeline runs the stages in fixed order, fail-soft: a stage that errors or
// panics loses only its own contribution, never the accumulated record.
type Pipeline struct {
	stages  []Stage
	metrics *observability.MetricsCollector
	logger  logging.Logger
}

// NewPipeline builds the default stage order: prompt stripping, attribution
// refinement, tool normalization, quality scoring.
func NewPipeline(metrics *observability.MetricsCollector, logger logging.Logger) *Pipeline {
	return NewPipelineWithStages(metrics, logger,
		NewPromptFilterStage(),
		NewAttributionStage(),
		NewToolNormStage(),
		NewQualityStage(),
	)
}

// NewPipelineWithStages builds a pipeline with an explicit stage list.
func NewPipelineWithStages(metrics *observability.MetricsCollector, logger logging.Logger, stages ...Stage) *Pipeline {
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	return &Pipeline{
		stages:  stages,
		metrics: metrics,
		logger:  logging.OrNop(logger),
	}
}

// Run processes one record and returns the normalized document. Never fails:
// the worst case is a document identical to the input record.
func (p *Pipeline) Run(ctx context.Context, record *conversation.Record) *Document {
	doc := &Document{Record: record}
	for _, stage := range p.stages {
		err := p.applyStage(ctx, stage, doc)
		p.metrics.RecordExportStage(ctx, stage.Name(), err == nil)
		if err != nil {
			p.logger.Warn("export stage %s failed for conversation %s, continuing: %v",
				stage.Name(), record.ConversationID, err)
		}
	}
	return doc
}

func (p *Pipeline) applyStage(ctx context.Context, stage Stage, doc *Document) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return stage.Apply(ctx, doc)
}
