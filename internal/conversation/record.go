// Package conversation holds the durable per-conversation data model and
// the aggregator that mutates it while a request is being processed. One
// aggregator per conversation; nothing here is shared across conversations.
package conversation

import "time"

// Record is the full audit record of one end-user request.
type Record struct {
	ConversationID  string              `json:"conversation_id"`
	SessionID       string              `json:"session_id"`
	UserID          string              `json:"user_id"`
	Channel         string              `json:"channel"`
	StartTime       time.Time           `json:"start_time"`
	EndTime         time.Time           `json:"end_time"`
	UserQuery       string              `json:"user_query"`
	TemporalContext string              `json:"temporal_context,omitempty"`
	AgentsInvolved  []string            `json:"agents_involved"`
	AgentFlow       []*AgentStep        `json:"agent_flow"`
	FinalResponse   string              `json:"final_response"`
	CollaborationMap map[string]*CollaborationEdge `json:"collaboration_map,omitempty"`
	FunctionAudit   *FunctionAudit      `json:"function_audit,omitempty"`
	Success         bool                `json:"success"`
	ProcessingTimeMS int64              `json:"processing_time_ms"`
	ErrorDetails    *ErrorDetails       `json:"error_details,omitempty"`

	// ExtractionFallbacks counts how often trace extraction degraded to the
	// generic fallback during this conversation.
	ExtractionFallbacks int `json:"extraction_fallbacks,omitempty"`
}

// AgentStep covers one contiguous period a single named agent was active,
// including time spent waiting on its own tool calls.
type AgentStep struct {
	AgentName            string                  `json:"agent_name"`
	AgentID              string                  `json:"agent_id,omitempty"`
	StartTime            time.Time               `json:"start_time"`
	EndTime              time.Time               `json:"end_time"`
	ReasoningText        string                  `json:"reasoning_text"`
	ToolsUsed            []*ToolExecution        `json:"tools_used,omitempty"`
	DataOperations       []*DataOperation        `json:"data_operations,omitempty"`
	TraceContent         []map[string]any        `json:"bedrock_trace_content,omitempty"`
	CollaborationSent    []*CollaborationMessage `json:"collaboration_sent,omitempty"`
	CollaborationReceived []*CollaborationMessage `json:"collaboration_received,omitempty"`
	HandoffEvidence      []*HandoffRecord        `json:"handoff_evidence,omitempty"`

	// AttributionConfidence is filled by the export pipeline's attribution
	// refinement stage.
	AttributionConfidence float64 `json:"attribution_confidence,omitempty"`
}

// UnknownAgent is the placeholder identity before attribution resolves.
const UnknownAgent = "unknown"

// ToolExecution is one detected tool/action invocation.
type ToolExecution struct {
	ToolName        string            `json:"tool_name"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	ExecutionTimeMS int64             `json:"execution_time_ms"`
	ResultSummary   string            `json:"result_summary,omitempty"`
	FullResult      string            `json:"full_result,omitempty"`
	Success         bool              `json:"success"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	QualityScore    float64           `json:"quality_score"`
	StartTime       time.Time         `json:"start_time"`
}

// RaiseQuality increases the quality score to v if v is higher. Scores are
// only ever raised by evidence, never lowered.
func (t *ToolExecution) RaiseQuality(v float64) {
	if v > t.QualityScore {
		t.QualityScore = v
	}
}

// ScoreQuality recomputes the evidence-based score and raises the stored
// score accordingly: name, parameters, result presence, and concrete data
// in the result each contribute.
func (t *ToolExecution) ScoreQuality() {
	score := 0.0
	if t.ToolName != "" && t.ToolName != "unknown_tool" {
		score += 0.30
	}
	if len(t.Parameters) > 0 {
		score += 0.20
	}
	if t.ResultSummary != "" || t.FullResult != "" {
		score += 0.20
	}
	if resultHasData(t.ResultSummary) || resultHasData(t.FullResult) {
		score += 0.30
	}
	t.RaiseQuality(score)
}

// resultHasData checks for concrete payload content (digits or structured
// fields) as opposed to bare acknowledgements.
func resultHasData(s string) bool {
	if len(s) < 2 {
		return false
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits > 0 {
		return true
	}
	return len(s) > 80
}

// HandoffRecord is one piece of agent-handoff evidence attached to a step.
type HandoffRecord struct {
	Target     string    `json:"target"`
	Confidence float64   `json:"confidence"`
	Method     string    `json:"method"`
	Timestamp  time.Time `json:"timestamp"`
}

// DataOperation is a tool-execution subtype for data-source queries.
type DataOperation struct {
	Source    string    `json:"source"`
	Query     string    `json:"query,omitempty"`
	RowCount  int       `json:"row_count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CollaborationMessage is one inter-agent message observed in the trace.
type CollaborationMessage struct {
	Peer      string    `json:"peer"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CollaborationEdge aggregates the messages on one source → target pair.
type CollaborationEdge struct {
	Source         string    `json:"source"`
	Target         string    `json:"target"`
	MessageCount   int       `json:"message_count"`
	FirstMessageAt time.Time `json:"first_message_at"`
	ResponseTimeMS int64     `json:"response_time_ms,omitempty"`
	responded      bool
}

// EdgeKey builds the collaboration-map key for a source → target pair.
func EdgeKey(source, target string) string {
	return source + " → " + target
}

// FunctionAudit aggregates counts and timings over all tool calls.
type FunctionAudit struct {
	TotalCalls    int      `json:"total_calls"`
	Succeeded     int      `json:"succeeded"`
	Failed        int      `json:"failed"`
	TotalTimeMS   int64    `json:"total_time_ms"`
	DistinctTools []string `json:"distinct_tools,omitempty"`
	SuccessRate   float64  `json:"success_rate"`
}

// ErrorDetails is the structured error attached to failed conversations.
type ErrorDetails struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}
