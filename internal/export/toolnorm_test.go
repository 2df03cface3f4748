package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonar/internal/conversation"
)

func TestDuplicateObservationsMerged(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	record := sampleRecord()
	record.AgentFlow[0].ToolsUsed = []*conversation.ToolExecution{
		{
			ToolName:     "firebolt_query",
			Parameters:   map[string]string{"query": "SELECT 1"},
			StartTime:    start,
			QualityScore: 0.5,
		},
		{
			// Same logical call seen through the result fragment: no params,
			// two seconds later, higher quality.
			ToolName:        "firebolt_query",
			ResultSummary:   `{"rows": 12}`,
			Success:         true,
			StartTime:       start.Add(2 * time.Second),
			ExecutionTimeMS: 2000,
			QualityScore:    0.8,
		},
	}

	doc := &Document{Record: record}
	require.NoError(t, NewToolNormStage().Apply(context.Background(), doc))

	require.Len(t, record.AgentFlow[0].ToolsUsed, 1)
	merged := record.AgentFlow[0].ToolsUsed[0]
	assert.Equal(t, "firebolt_query", merged.ToolName)
	assert.Equal(t, map[string]string{"query": "SELECT 1"}, merged.Parameters)
	assert.Equal(t, `{"rows": 12}`, merged.ResultSummary)
	assert.Equal(t, start, merged.StartTime, "merged entry keeps the earliest start")
	assert.GreaterOrEqual(t, merged.QualityScore, 0.8)
}

func TestDistantCallsNotMerged(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	record := sampleRecord()
	record.AgentFlow[0].ToolsUsed = []*conversation.ToolExecution{
		{ToolName: "deal_lookup", Parameters: map[string]string{"deal": "A"}, StartTime: start, Success: true},
		{ToolName: "deal_lookup", Parameters: map[string]string{"deal": "A"}, StartTime: start.Add(time.Minute), Success: true},
	}

	doc := &Document{Record: record}
	require.NoError(t, NewToolNormStage().Apply(context.Background(), doc))

	assert.Len(t, record.AgentFlow[0].ToolsUsed, 2)
}

func TestDifferentParamsNotMerged(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	record := sampleRecord()
	record.AgentFlow[0].ToolsUsed = []*conversation.ToolExecution{
		{ToolName: "deal_lookup", Parameters: map[string]string{"deal": "A"}, StartTime: start},
		{ToolName: "deal_lookup", Parameters: map[string]string{"deal": "B"}, StartTime: start.Add(time.Second)},
	}

	doc := &Document{Record: record}
	require.NoError(t, NewToolNormStage().Apply(context.Background(), doc))

	assert.Len(t, record.AgentFlow[0].ToolsUsed, 2)
}

func TestFunctionAuditComputed(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	record := sampleRecord()
	record.AgentFlow[0].ToolsUsed = []*conversation.ToolExecution{
		{ToolName: "firebolt_query", Success: true, ExecutionTimeMS: 900, StartTime: start},
		{ToolName: "deal_lookup", Success: false, ExecutionTimeMS: 300, StartTime: start.Add(10 * time.Second)},
		{ToolName: "firebolt_query", Success: true, ExecutionTimeMS: 1100, StartTime: start.Add(20 * time.Second)},
	}

	doc := &Document{Record: record}
	require.NoError(t, NewToolNormStage().Apply(context.Background(), doc))

	audit := record.FunctionAudit
	require.NotNil(t, audit)
	assert.Equal(t, 3, audit.TotalCalls)
	assert.Equal(t, 2, audit.Succeeded)
	assert.Equal(t, 1, audit.Failed)
	assert.Equal(t, int64(2300), audit.TotalTimeMS)
	assert.Equal(t, []string{"deal_lookup", "firebolt_query"}, audit.DistinctTools)
	assert.InDelta(t, 2.0/3.0, audit.SuccessRate, 1e-9)
}
