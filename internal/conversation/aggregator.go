package conversation

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"sonar/internal/logging"
)

// Direction marks which way a collaboration message flowed relative to the
// step that observed it.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Aggregator builds the conversation record during the life of one request.
// It owns the record exclusively: the streaming consumer requests mutations
// through this API and never holds step references of its own. All methods
// are called from the single goroutine processing the conversation.
type Aggregator struct {
	logger    logging.Logger
	now       func() time.Time
	record    *Record
	current   *AgentStep
	completed bool
}

// NewAggregator creates an aggregator with its own fresh record.
func NewAggregator(logger logging.Logger) *Aggregator {
	return &Aggregator{
		logger: logging.OrNop(logger),
		now:    time.Now,
		record: &Record{ConversationID: uuid.NewString()},
	}
}

// SetClock injects a clock for tests.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// ConversationID returns the record's identifier.
func (a *Aggregator) ConversationID() string {
	return a.record.ConversationID
}

// Start initializes the record for a new inbound request.
func (a *Aggregator) Start(query, userID, channel, sessionID, temporalContext string) {
	if a.rejectIfCompleted("Start") {
		return
	}
	a.record.UserQuery = query
	a.record.UserID = userID
	a.record.Channel = channel
	a.record.SessionID = sessionID
	a.record.TemporalContext = temporalContext
	a.record.StartTime = a.now()
}

// OpenAgentStep closes any open step and opens a new one for the named
// agent. At most one step is open at a time.
func (a *Aggregator) OpenAgentStep(name, id string) {
	if a.rejectIfCompleted("OpenAgentStep") {
		return
	}
	a.CloseAgentStep()
	if name == "" {
		name = UnknownAgent
	}
	a.current = &AgentStep{
		AgentName: name,
		AgentID:   id,
		StartTime: a.now(),
	}
}

// CurrentAgent returns the name of the open step's agent, or empty.
func (a *Aggregator) CurrentAgent() string {
	if a.current == nil {
		return ""
	}
	return a.current.AgentName
}

// AppendReasoning appends a reasoning fragment (and its raw trace payload)
// to the open step, opening an unattributed step if none is open.
func (a *Aggregator) AppendReasoning(text string, raw map[string]any) {
	if a.rejectIfCompleted("AppendReasoning") {
		return
	}
	a.ensureStep()
	if text != "" {
		if a.current.ReasoningText != "" {
			a.current.ReasoningText += "\n"
		}
		a.current.ReasoningText += text
	}
	if raw != nil {
		a.current.TraceContent = append(a.current.TraceContent, raw)
	}
}

// AddToolExecution records a tool call against the open step.
func (a *Aggregator) AddToolExecution(exec *ToolExecution) {
	if a.rejectIfCompleted("AddToolExecution") {
		return
	}
	if exec == nil {
		return
	}
	a.ensureStep()
	if exec.StartTime.IsZero() {
		exec.StartTime = a.now()
	}
	exec.ScoreQuality()
	a.current.ToolsUsed = append(a.current.ToolsUsed, exec)
}

// AddDataOperation records a data-source query against the open step.
func (a *Aggregator) AddDataOperation(op *DataOperation) {
	if a.rejectIfCompleted("AddDataOperation") {
		return
	}
	if op == nil {
		return
	}
	a.ensureStep()
	if op.Timestamp.IsZero() {
		op.Timestamp = a.now()
	}
	a.current.DataOperations = append(a.current.DataOperations, op)
}

// RecordCollaboration records an inter-agent message on the open step.
func (a *Aggregator) RecordCollaboration(direction Direction, peer, message string) {
	if a.rejectIfCompleted("RecordCollaboration") {
		return
	}
	if peer == "" {
		return
	}
	a.ensureStep()
	msg := &CollaborationMessage{
		Peer:      peer,
		Message:   message,
		Timestamp: a.now(),
	}
	switch direction {
	case DirectionSent:
		a.current.CollaborationSent = append(a.current.CollaborationSent, msg)
	case DirectionReceived:
		a.current.CollaborationReceived = append(a.current.CollaborationReceived, msg)
	default:
		a.logger.Warn("unknown collaboration direction %q for peer %s", direction, peer)
	}
}

// RecordHandoffEvidence attaches one piece of handoff evidence to the open
// step. Export-side attribution refinement consumes these later.
func (a *Aggregator) RecordHandoffEvidence(target, method string, confidence float64) {
	if a.rejectIfCompleted("RecordHandoffEvidence") {
		return
	}
	if target == "" {
		return
	}
	a.ensureStep()
	a.current.HandoffEvidence = append(a.current.HandoffEvidence, &HandoffRecord{
		Target:     target,
		Method:     method,
		Confidence: confidence,
		Timestamp:  a.now(),
	})
}

// AttachToolResult attaches a result payload to the most recent tool call in
// the open step that has none yet, stamping its execution time. Returns false
// when no such call exists; the caller then records a standalone execution.
func (a *Aggregator) AttachToolResult(summary, full string, success bool, errMsg string) bool {
	if a.rejectIfCompleted("AttachToolResult") {
		return false
	}
	if a.current == nil {
		return false
	}
	for i := len(a.current.ToolsUsed) - 1; i >= 0; i-- {
		exec := a.current.ToolsUsed[i]
		if exec.ResultSummary != "" || exec.FullResult != "" {
			continue
		}
		exec.ResultSummary = summarize(summary)
		exec.FullResult = full
		exec.Success = success
		exec.ErrorMessage = errMsg
		exec.ExecutionTimeMS = a.now().Sub(exec.StartTime).Milliseconds()
		exec.ScoreQuality()
		return true
	}
	return false
}

// summarize caps result summaries so steps stay readable in exports. The full
// payload survives in FullResult.
func summarize(s string) string {
	const maxSummary = 500
	if len(s) <= maxSummary {
		return s
	}
	return s[:maxSummary] + "… (truncated)"
}

// IncrementFallbacks bumps the per-conversation extraction-fallback counter.
func (a *Aggregator) IncrementFallbacks() {
	if a.completed {
		return
	}
	a.record.ExtractionFallbacks++
}

// CloseAgentStep seals the open step and appends it to the agent flow.
// Idempotent: calling it with nothing open is a no-op.
func (a *Aggregator) CloseAgentStep() {
	if a.completed || a.current == nil {
		return
	}
	a.current.EndTime = a.now()
	a.record.AgentFlow = append(a.record.AgentFlow, a.current)
	a.current = nil
}

// Complete seals the record: closes any open step, stamps timings, derives
// the agents-involved set and the collaboration map, and marks the record
// terminal. Any mutation attempted afterwards is logged and ignored.
func (a *Aggregator) Complete(finalResponse string, success bool, errDetails *ErrorDetails) *Record {
	if a.completed {
		a.logger.Warn("Complete called twice on conversation %s", a.record.ConversationID)
		return a.record
	}
	a.CloseAgentStep()

	a.record.FinalResponse = finalResponse
	a.record.Success = success
	a.record.ErrorDetails = errDetails
	a.record.EndTime = a.now()
	a.record.ProcessingTimeMS = a.record.EndTime.Sub(a.record.StartTime).Milliseconds()

	a.record.AgentsInvolved = agentSet(a.record.AgentFlow)
	a.record.CollaborationMap = buildCollaborationMap(a.record.AgentFlow)

	a.completed = true
	return a.record
}

// Completed reports whether the record has been sealed.
func (a *Aggregator) Completed() bool {
	return a.completed
}

func (a *Aggregator) ensureStep() {
	if a.current == nil {
		a.OpenAgentStep(UnknownAgent, "")
	}
}

// rejectIfCompleted guards against mutation after Complete. A violation is
// a programming error in the caller, logged but never fatal.
func (a *Aggregator) rejectIfCompleted(op string) bool {
	if a.completed {
		a.logger.Warn("%s ignored: conversation %s already completed", op, a.record.ConversationID)
		return true
	}
	return false
}

func agentSet(flow []*AgentStep) []string {
	seen := make(map[string]struct{})
	var agents []string
	for _, step := range flow {
		if _, ok := seen[step.AgentName]; ok {
			continue
		}
		seen[step.AgentName] = struct{}{}
		agents = append(agents, step.AgentName)
	}
	sort.Strings(agents)
	return agents
}

// buildCollaborationMap derives source → target edges from the recorded
// messages. Response times are correlated best-effort: a received message
// answers the earliest edge targeting its sender whose response time is
// still unset and whose first message precedes it. The upstream protocol
// exposes no request ID, so temporal ordering and agent identity are all
// we have to match on.
func buildCollaborationMap(flow []*AgentStep) map[string]*CollaborationEdge {
	edges := make(map[string]*CollaborationEdge)

	for _, step := range flow {
		for _, msg := range step.CollaborationSent {
			key := EdgeKey(step.AgentName, msg.Peer)
			edge, ok := edges[key]
			if !ok {
				edge = &CollaborationEdge{
					Source:         step.AgentName,
					Target:         msg.Peer,
					FirstMessageAt: msg.Timestamp,
				}
				edges[key] = edge
			}
			edge.MessageCount++
			if msg.Timestamp.Before(edge.FirstMessageAt) {
				edge.FirstMessageAt = msg.Timestamp
			}
		}
	}

	for _, step := range flow {
		for _, msg := range step.CollaborationReceived {
			if edge := earliestUnansweredEdge(edges, msg); edge != nil {
				edge.ResponseTimeMS = msg.Timestamp.Sub(edge.FirstMessageAt).Milliseconds()
				edge.responded = true
			}
		}
	}

	if len(edges) == 0 {
		return nil
	}
	return edges
}

func earliestUnansweredEdge(edges map[string]*CollaborationEdge, msg *CollaborationMessage) *CollaborationEdge {
	var best *CollaborationEdge
	for _, edge := range edges {
		if edge.responded || edge.Target != msg.Peer {
			continue
		}
		if !edge.FirstMessageAt.Before(msg.Timestamp) {
			continue
		}
		if best == nil || edge.FirstMessageAt.Before(best.FirstMessageAt) {
			best = edge
		}
	}
	return best
}
