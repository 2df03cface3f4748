package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonar/internal/conversation"
	"sonar/internal/logging"
)

func sampleRecord() *conversation.Record {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &conversation.Record{
		ConversationID:   "conv-1",
		SessionID:        "S1",
		UserID:           "U1",
		Channel:          "C1",
		StartTime:        start,
		EndTime:          start.Add(12 * time.Second),
		ProcessingTimeMS: 12000,
		UserQuery:        "how is the pipeline looking this quarter",
		FinalResponse:    "Pipeline looks strong: $4.5M across 12 open deals.",
		Success:          true,
		AgentsInvolved:   []string{"Manager"},
		AgentFlow: []*conversation.AgentStep{
			{
				AgentName:     "Manager",
				StartTime:     start,
				EndTime:       start.Add(12 * time.Second),
				ReasoningText: "Analyzing the pipeline request",
				ToolsUsed: []*conversation.ToolExecution{
					{
						ToolName:        "firebolt_query",
						Parameters:      map[string]string{"query": "SELECT 1"},
						ResultSummary:   `{"rows": 12}`,
						Success:         true,
						ExecutionTimeMS: 900,
						QualityScore:    1.0,
						StartTime:       start.Add(time.Second),
					},
				},
			},
		},
	}
}

type panicStage struct{ name string }

func (s *panicStage) Name() string                              { return s.name }
func (s *panicStage) Apply(context.Context, *Document) error    { panic("boom") }

type errorStage struct{ name string }

func (s *errorStage) Name() string                           { return s.name }
func (s *errorStage) Apply(context.Context, *Document) error { return errors.New("nope") }

func TestPipelineRunsAllDefaultStages(t *testing.T) {
	p := NewPipeline(nil, logging.Nop())
	doc := p.Run(context.Background(), sampleRecord())

	require.NotNil(t, doc.Quality)
	assert.NotEmpty(t, doc.Quality.Outcome)
	require.NotNil(t, doc.Record.FunctionAudit)
	assert.Equal(t, 1, doc.Record.FunctionAudit.TotalCalls)
}

func TestStagePanicDoesNotLoseRecord(t *testing.T) {
	// The scoring slot panics; everything accumulated earlier must survive.
	p := NewPipelineWithStages(nil, logging.Nop(),
		NewPromptFilterStage(),
		NewAttributionStage(),
		NewToolNormStage(),
		&panicStage{name: "quality_scoring"},
	)
	record := sampleRecord()
	doc := p.Run(context.Background(), record)

	assert.Nil(t, doc.Quality)
	require.NotEmpty(t, doc.Record.AgentFlow)
	assert.Equal(t, record.FinalResponse, doc.Record.FinalResponse)
	require.NotNil(t, doc.Record.FunctionAudit)
}

func TestStageErrorContinuesToNextStage(t *testing.T) {
	p := NewPipelineWithStages(nil, logging.Nop(),
		&errorStage{name: "broken"},
		NewQualityStage(),
	)
	doc := p.Run(context.Background(), sampleRecord())
	require.NotNil(t, doc.Quality, "later stages still run after a failure")
}
