package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonar/internal/agentcall"
	"sonar/internal/conversation"
	"sonar/internal/logging"
	"sonar/internal/narration"
	"sonar/internal/trace"
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

// fakeStream replays a fixed event sequence, advancing the test clock one
// second per event so timestamps in the record are strictly ordered.
type fakeStream struct {
	events []agentcall.Event
	idx    int
	err    error
	tick   func()
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) (agentcall.Event, bool) {
	if ctx.Err() != nil || s.idx >= len(s.events) {
		return agentcall.Event{}, false
	}
	if s.tick != nil {
		s.tick()
	}
	event := s.events[s.idx]
	s.idx++
	return event, true
}

func (s *fakeStream) Err() error   { return s.err }
func (s *fakeStream) Close() error { s.closed = true; return nil }

type fakeInvoker struct {
	stream    *fakeStream
	err       error
	lastInput agentcall.Request
}

func (f *fakeInvoker) Invoke(_ context.Context, req agentcall.Request) (agentcall.Stream, error) {
	f.lastInput = req
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

type spyNotifier struct {
	mu    sync.Mutex
	lines []string
}

func (s *spyNotifier) Notify(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, text)
	return nil
}

func (s *spyNotifier) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func chunk(text string) agentcall.Event {
	return agentcall.Event{Kind: agentcall.EventChunk, Chunk: []byte(text)}
}

func traceEvent(body map[string]any) agentcall.Event {
	return agentcall.Event{Kind: agentcall.EventTrace, Trace: map[string]any{
		"trace": map[string]any{"orchestrationTrace": body},
	}}
}

func rationaleTrace(text string) agentcall.Event {
	return traceEvent(map[string]any{"rationale": map[string]any{"text": text}})
}

func toolInvocationTrace(tool, param, value string) agentcall.Event {
	return traceEvent(map[string]any{"invocationInput": map[string]any{
		"invocationType": "ACTION_GROUP",
		"actionGroupInvocationInput": map[string]any{
			"function": tool,
			"parameters": []any{
				map[string]any{"name": param, "value": value},
			},
		},
	}})
}

func toolResultTrace(text string) agentcall.Event {
	return traceEvent(map[string]any{"observation": map[string]any{
		"actionGroupInvocationOutput": map[string]any{"text": text},
	}})
}

func collaboratorInvocationTrace(name, text string) agentcall.Event {
	return traceEvent(map[string]any{"invocationInput": map[string]any{
		"agentCollaboratorInvocationInput": map[string]any{
			"agentCollaboratorName": name,
			"input":                 map[string]any{"text": text},
		},
	}})
}

func collaboratorResultTrace(name, text string) agentcall.Event {
	return traceEvent(map[string]any{"observation": map[string]any{
		"agentCollaboratorInvocationOutput": map[string]any{
			"agentCollaboratorName": name,
			"output":                map[string]any{"text": text},
		},
	}})
}

func finalResponseTrace(text string) agentcall.Event {
	return traceEvent(map[string]any{"observation": map[string]any{
		"finalResponse": map[string]any{"text": text},
	}})
}

func garbageTrace() agentcall.Event {
	return agentcall.Event{Kind: agentcall.EventTrace, Trace: map[string]any{
		"somethingNew": []any{1, 2, 3},
	}}
}

func newTestConsumer(t *testing.T, events []agentcall.Event, streamErr error) (*Consumer, *fakeInvoker, *spyNotifier, *testClock) {
	t.Helper()
	clock := newTestClock()
	stream := &fakeStream{
		events: events,
		err:    streamErr,
		tick:   func() { clock.Advance(time.Second) },
	}
	invoker := &fakeInvoker{stream: stream}
	notifier := &spyNotifier{}
	c := New(invoker, notifier, Config{
		Narration: narration.ControllerConfig{MinInterval: time.Nanosecond},
	}, nil, logging.Nop())
	c.SetClock(clock.Now)
	return c, invoker, notifier, clock
}

func TestRunHappyPath(t *testing.T) {
	c, invoker, notifier, _ := newTestConsumer(t, []agentcall.Event{
		rationaleTrace("Analyzing the pipeline request from the user"),
		toolInvocationTrace("firebolt_query", "query", "SELECT stage, SUM(amount) FROM deals GROUP BY stage"),
		toolResultTrace(`{"rows": 12, "total": 4500000}`),
		chunk("Pipeline looks strong: "),
		chunk("$4.5M across 12 open deals."),
	}, nil)

	record := c.Run(context.Background(), Request{
		Query:           "how is the pipeline looking",
		UserID:          "U1",
		Channel:         "C1",
		SessionID:       "S1",
		TemporalContext: "2026-03-01 (Q1)",
	})

	assert.True(t, record.Success)
	assert.Equal(t, "Pipeline looks strong: $4.5M across 12 open deals.", record.FinalResponse)
	assert.Contains(t, invoker.lastInput.InputText, "how is the pipeline looking")
	assert.Contains(t, invoker.lastInput.InputText, "2026-03-01")

	require.NotEmpty(t, record.AgentFlow)
	root := record.AgentFlow[0]
	assert.Equal(t, "Manager", root.AgentName)

	require.Len(t, root.ToolsUsed, 1)
	exec := root.ToolsUsed[0]
	assert.Equal(t, "firebolt_query", exec.ToolName)
	assert.True(t, exec.Success)
	assert.Contains(t, exec.ResultSummary, "rows")
	assert.GreaterOrEqual(t, exec.QualityScore, 0.7)
	assert.Equal(t, int64(1000), exec.ExecutionTimeMS)

	require.Len(t, root.DataOperations, 1)
	assert.Equal(t, "firebolt_query", root.DataOperations[0].Source)

	// Tool ownership is the weakest handoff signal, but it is still recorded.
	require.NotEmpty(t, root.HandoffEvidence)
	assert.Equal(t, "DataAnalysisAgent", root.HandoffEvidence[0].Target)

	assert.GreaterOrEqual(t, len(notifier.Lines()), 2)
	assert.Zero(t, record.ExtractionFallbacks)
}

func TestStreamErrorFinalizesPartialRecord(t *testing.T) {
	c, _, _, _ := newTestConsumer(t, []agentcall.Event{
		rationaleTrace("Analyzing the churn question"),
		toolInvocationTrace("account_health", "account", "Acme"),
	}, errors.New("connection reset by peer"))

	record := c.Run(context.Background(), Request{Query: "churn risk for Acme?", UserID: "U1", Channel: "C1", SessionID: "S1"})

	assert.False(t, record.Success)
	require.NotNil(t, record.ErrorDetails)
	assert.Equal(t, "stream", record.ErrorDetails.Stage)
	assert.Contains(t, record.ErrorDetails.Message, "connection reset")

	// Everything extracted before the failure survives in the record.
	require.NotEmpty(t, record.AgentFlow)
	assert.Contains(t, record.AgentFlow[0].ReasoningText, "churn question")
	require.Len(t, record.AgentFlow[0].ToolsUsed, 1)
	assert.Equal(t, "account_health", record.AgentFlow[0].ToolsUsed[0].ToolName)
}

func TestInvokeErrorFailsConversation(t *testing.T) {
	clock := newTestClock()
	invoker := &fakeInvoker{err: errors.New("throttled")}
	c := New(invoker, &spyNotifier{}, Config{}, nil, logging.Nop())
	c.SetClock(clock.Now)

	record := c.Run(context.Background(), Request{Query: "q", UserID: "U1", Channel: "C1", SessionID: "S1"})

	assert.False(t, record.Success)
	require.NotNil(t, record.ErrorDetails)
	assert.Equal(t, "invoke", record.ErrorDetails.Stage)
	assert.Contains(t, record.ErrorDetails.Message, "throttled")
}

func TestMalformedTraceDegradesToFallback(t *testing.T) {
	c, _, notifier, _ := newTestConsumer(t, []agentcall.Event{
		garbageTrace(),
		garbageTrace(),
		chunk("All good."),
	}, nil)

	record := c.Run(context.Background(), Request{Query: "what about the Acme deal", UserID: "U1", Channel: "C1", SessionID: "S1"})

	assert.True(t, record.Success, "degraded extraction must not fail the conversation")
	assert.Equal(t, "All good.", record.FinalResponse)
	assert.Equal(t, 2, record.ExtractionFallbacks)

	// The canned line matches the query keyword; the identical repeat is
	// suppressed by the rate controller.
	lines := notifier.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "🔎 Looking into the deal details...", lines[0])

	// Raw payloads are retained even when nothing could be extracted.
	require.NotEmpty(t, record.AgentFlow)
	assert.Len(t, record.AgentFlow[0].TraceContent, 2)
}

func TestAlmostReadyLineAfterLongRun(t *testing.T) {
	clock := newTestClock()
	stream := &fakeStream{
		events: []agentcall.Event{garbageTrace(), garbageTrace(), garbageTrace(), chunk("done")},
		tick:   func() { clock.Advance(time.Second) },
	}
	invoker := &fakeInvoker{stream: stream}
	notifier := &spyNotifier{}
	c := New(invoker, notifier, Config{
		Narration:        narration.ControllerConfig{MinInterval: time.Nanosecond},
		AlmostReadyAfter: 2 * time.Second,
	}, nil, logging.Nop())
	c.SetClock(clock.Now)

	record := c.Run(context.Background(), Request{Query: "hello there", UserID: "U1", Channel: "C1", SessionID: "S1"})

	assert.True(t, record.Success)
	lines := notifier.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "💭 Working on it...", lines[0])
	assert.Equal(t, almostReadyLine, lines[1])
}

func TestFinalResponseFromTraceWhenNoChunks(t *testing.T) {
	c, _, _, _ := newTestConsumer(t, []agentcall.Event{
		finalResponseTrace("There are 42 open deals this quarter."),
	}, nil)

	record := c.Run(context.Background(), Request{Query: "open deals?", UserID: "U1", Channel: "C1", SessionID: "S1"})

	assert.True(t, record.Success)
	assert.Equal(t, "There are 42 open deals this quarter.", record.FinalResponse)
}

func TestEmptyStreamIsFailure(t *testing.T) {
	c, _, _, _ := newTestConsumer(t, nil, nil)

	record := c.Run(context.Background(), Request{Query: "q", UserID: "U1", Channel: "C1", SessionID: "S1"})

	assert.False(t, record.Success)
	require.NotNil(t, record.ErrorDetails)
	assert.Equal(t, "agent", record.ErrorDetails.Stage)
}

func TestCollaborationEdgeRecorded(t *testing.T) {
	c, _, _, _ := newTestConsumer(t, []agentcall.Event{
		collaboratorInvocationTrace("DealAnalysisAgent", "analyze the Acme renewal"),
		collaboratorResultTrace("DealAnalysisAgent", "renewal looks healthy, 85% confidence"),
		chunk("The Acme renewal looks healthy."),
	}, nil)

	record := c.Run(context.Background(), Request{Query: "check the Acme renewal", UserID: "U1", Channel: "C1", SessionID: "S1"})

	require.True(t, record.Success)
	assert.Contains(t, record.AgentsInvolved, "Manager")
	assert.Contains(t, record.AgentsInvolved, "DealAnalysisAgent")

	edge, ok := record.CollaborationMap[conversation.EdgeKey("Manager", "DealAnalysisAgent")]
	require.True(t, ok, "expected Manager → DealAnalysisAgent edge")
	assert.Equal(t, 1, edge.MessageCount)
	assert.Equal(t, int64(1000), edge.ResponseTimeMS)

	// Structured handoff evidence lands on the supervisor's step.
	root := record.AgentFlow[0]
	require.NotEmpty(t, root.HandoffEvidence)
	assert.Equal(t, "DealAnalysisAgent", root.HandoffEvidence[0].Target)
	assert.Equal(t, trace.MethodStructured, root.HandoffEvidence[0].Method)
}

func TestCancellationFinalizesRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, _, _, _ := newTestConsumer(t, []agentcall.Event{
		rationaleTrace("never consumed"),
	}, nil)

	record := c.Run(ctx, Request{Query: "q", UserID: "U1", Channel: "C1", SessionID: "S1"})

	assert.False(t, record.Success)
	require.NotNil(t, record.ErrorDetails)
	assert.Equal(t, "stream", record.ErrorDetails.Stage)
}
