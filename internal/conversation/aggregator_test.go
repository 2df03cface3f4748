package conversation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonar/internal/logging"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestAggregator() (*Aggregator, *testClock) {
	agg := NewAggregator(logging.Nop())
	clock := newTestClock()
	agg.SetClock(clock.Now)
	return agg, clock
}

func TestStepExclusivity(t *testing.T) {
	agg, _ := newTestAggregator()
	agg.Start("show me the pipeline", "U1", "C1", "S1", "2026-03-01")

	agg.OpenAgentStep("Manager", "AGT1")
	assert.Equal(t, "Manager", agg.CurrentAgent())

	// Opening a second step closes the first.
	agg.OpenAgentStep("DealAnalysisAgent", "AGT2")
	assert.Equal(t, "DealAnalysisAgent", agg.CurrentAgent())

	record := agg.Complete("done", true, nil)
	require.Len(t, record.AgentFlow, 2)
	assert.Equal(t, "Manager", record.AgentFlow[0].AgentName)
	assert.Equal(t, "DealAnalysisAgent", record.AgentFlow[1].AgentName)
}

func TestCloseAgentStepIdempotent(t *testing.T) {
	agg, _ := newTestAggregator()
	agg.Start("q", "U1", "C1", "S1", "")
	agg.OpenAgentStep("Manager", "")

	agg.CloseAgentStep()
	agg.CloseAgentStep() // second call is a no-op

	record := agg.Complete("done", true, nil)
	assert.Len(t, record.AgentFlow, 1)
}

func TestCompleteIsTerminal(t *testing.T) {
	agg, clock := newTestAggregator()
	agg.Start("q", "U1", "C1", "S1", "")
	agg.OpenAgentStep("Manager", "")
	clock.Advance(4200 * time.Millisecond)

	record := agg.Complete("the answer", true, nil)
	assert.Equal(t, int64(4200), record.ProcessingTimeMS)
	assert.Equal(t, record.EndTime.Sub(record.StartTime).Milliseconds(), record.ProcessingTimeMS)

	// Post-complete mutations are ignored, not fatal.
	agg.AppendReasoning("late reasoning", nil)
	agg.AddToolExecution(&ToolExecution{ToolName: "late_tool"})
	agg.OpenAgentStep("Intruder", "")
	again := agg.Complete("other answer", false, nil)

	assert.Equal(t, "the answer", again.FinalResponse)
	assert.True(t, again.Success)
	assert.Len(t, again.AgentFlow, 1)
}

func TestAppendReasoningAutoOpensStep(t *testing.T) {
	agg, _ := newTestAggregator()
	agg.Start("q", "U1", "C1", "S1", "")

	agg.AppendReasoning("first thought", map[string]any{"k": "v"})
	agg.AppendReasoning("second thought", nil)

	record := agg.Complete("r", true, nil)
	require.Len(t, record.AgentFlow, 1)
	step := record.AgentFlow[0]
	assert.Equal(t, UnknownAgent, step.AgentName)
	assert.Equal(t, "first thought\nsecond thought", step.ReasoningText)
	assert.Len(t, step.TraceContent, 1)
}

func TestToolExecutionQualityScoredOnAdd(t *testing.T) {
	agg, _ := newTestAggregator()
	agg.Start("q", "U1", "C1", "S1", "")
	agg.OpenAgentStep("DataAnalysisAgent", "")

	exec := &ToolExecution{
		ToolName:      "firebolt_query",
		Parameters:    map[string]string{"query": "SELECT 1"},
		ResultSummary: `{"success": true, "rows": 1}`,
		Success:       true,
	}
	agg.AddToolExecution(exec)

	record := agg.Complete("done", true, nil)
	got := record.AgentFlow[0].ToolsUsed[0]
	assert.GreaterOrEqual(t, got.QualityScore, 0.7)
}

func TestQualityNeverDecreases(t *testing.T) {
	exec := &ToolExecution{ToolName: "firebolt_query"}
	exec.ScoreQuality()
	first := exec.QualityScore
	require.Greater(t, first, 0.0)

	exec.RaiseQuality(0.1) // lower than current, must not stick
	assert.Equal(t, first, exec.QualityScore)

	exec.ResultSummary = "rows: 42"
	exec.ScoreQuality()
	assert.GreaterOrEqual(t, exec.QualityScore, first)
}

func TestCollaborationMapResponseTime(t *testing.T) {
	agg, clock := newTestAggregator()
	agg.Start("q", "U1", "C1", "S1", "")

	agg.OpenAgentStep("Manager", "")
	agg.RecordCollaboration(DirectionSent, "DealAnalysisAgent", "analyze this deal")

	clock.Advance(2 * time.Second)
	agg.OpenAgentStep("DealAnalysisAgent", "")
	clock.Advance(1 * time.Second)
	agg.RecordCollaboration(DirectionReceived, "DealAnalysisAgent", "deal looks healthy")

	record := agg.Complete("done", true, nil)
	edge, ok := record.CollaborationMap[EdgeKey("Manager", "DealAnalysisAgent")]
	require.True(t, ok, "expected Manager → DealAnalysisAgent edge")
	assert.Equal(t, 1, edge.MessageCount)
	assert.Equal(t, int64(3000), edge.ResponseTimeMS)
}

func TestAgentsInvolved(t *testing.T) {
	agg, _ := newTestAggregator()
	agg.Start("q", "U1", "C1", "S1", "")
	agg.OpenAgentStep("Manager", "")
	agg.OpenAgentStep("DealAnalysisAgent", "")
	agg.OpenAgentStep("Manager", "")

	record := agg.Complete("done", true, nil)
	assert.Equal(t, []string{"DealAnalysisAgent", "Manager"}, record.AgentsInvolved)
	assert.Len(t, record.AgentFlow, 3)
}

func TestFailureRecordStillFinalized(t *testing.T) {
	agg, _ := newTestAggregator()
	agg.Start("q", "U1", "C1", "S1", "")
	agg.OpenAgentStep("Manager", "")

	record := agg.Complete("", false, &ErrorDetails{Stage: "invoke", Message: "stream aborted"})
	assert.False(t, record.Success)
	require.NotNil(t, record.ErrorDetails)
	assert.Equal(t, "stream aborted", record.ErrorDetails.Message)
	assert.NotEmpty(t, record.AgentFlow)
}
