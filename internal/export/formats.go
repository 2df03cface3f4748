package export

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Export format names. Each conversation is persisted once per format.
const (
	FormatAnalytics  = "analytics"
	FormatFull       = "full"
	FormatTranscript = "transcript"
	FormatSummary    = "summary"
)

// formatOrder fixes the rendering and write order.
var formatOrder = []string{FormatAnalytics, FormatFull, FormatTranscript, FormatSummary}

// Size bounds applied before rendering. Oversized fields are truncated with
// an explicit marker, never dropped silently.
const (
	maxReasoningBytes  = 16000
	maxResultBytes     = 8000
	maxTraceFragments  = 100
	maxResponseBytes   = 32000
)

// applyBounds truncates unbounded fields in place. The document is owned by
// the exporter at this point; nothing else reads it afterwards.
func applyBounds(doc *Document) {
	record := doc.Record
	record.FinalResponse = truncateWithMarker(record.FinalResponse, maxResponseBytes)
	for _, step := range record.AgentFlow {
		step.ReasoningText = truncateWithMarker(step.ReasoningText, maxReasoningBytes)
		for _, exec := range step.ToolsUsed {
			exec.FullResult = truncateWithMarker(exec.FullResult, maxResultBytes)
		}
		if len(step.TraceContent) > maxTraceFragments {
			dropped := len(step.TraceContent) - maxTraceFragments
			step.TraceContent = append(step.TraceContent[:maxTraceFragments],
				map[string]any{"truncated_fragments": dropped})
		}
	}
}

func truncateWithMarker(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("… [truncated %d bytes]", len(s)-max)
}

// RenderFormats projects the document into every persisted format. JSON
// formats marshal the typed structures; the transcript is plain text.
func RenderFormats(doc *Document) (map[string][]byte, error) {
	rendered := make(map[string][]byte, len(formatOrder))

	analytics, err := json.Marshal(analyticsView(doc))
	if err != nil {
		return nil, fmt.Errorf("marshal analytics format: %w", err)
	}
	rendered[FormatAnalytics] = analytics

	full, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal full format: %w", err)
	}
	rendered[FormatFull] = full

	rendered[FormatTranscript] = []byte(renderTranscript(doc))

	summary, err := json.Marshal(summaryView(doc))
	if err != nil {
		return nil, fmt.Errorf("marshal summary format: %w", err)
	}
	rendered[FormatSummary] = summary

	return rendered, nil
}

// ContentTypeFor returns the MIME type persisted alongside a format.
func ContentTypeFor(format string) string {
	if format == FormatTranscript {
		return "text/plain; charset=utf-8"
	}
	return "application/json"
}

// FileExtension returns the object-key extension for a format.
func FileExtension(format string) string {
	if format == FormatTranscript {
		return "txt"
	}
	return "json"
}

// analyticsView is the compact per-conversation row for downstream analysis.
func analyticsView(doc *Document) map[string]any {
	record := doc.Record
	view := map[string]any{
		"conversation_id":      record.ConversationID,
		"session_id":           record.SessionID,
		"user_id":              record.UserID,
		"channel":              record.Channel,
		"start_time":           record.StartTime,
		"end_time":             record.EndTime,
		"processing_time_ms":   record.ProcessingTimeMS,
		"success":              record.Success,
		"agents_involved":      record.AgentsInvolved,
		"agent_step_count":     len(record.AgentFlow),
		"detected_handoffs":    doc.DetectedHandoffs,
		"extraction_fallbacks": record.ExtractionFallbacks,
	}
	if record.FunctionAudit != nil {
		view["function_audit"] = record.FunctionAudit
	}
	if record.ErrorDetails != nil {
		view["error_details"] = record.ErrorDetails
	}
	if doc.Quality != nil {
		view["quality"] = doc.Quality
	}
	return view
}

// summaryView is metadata only, no content fields.
func summaryView(doc *Document) map[string]any {
	record := doc.Record
	toolCalls := 0
	if record.FunctionAudit != nil {
		toolCalls = record.FunctionAudit.TotalCalls
	}
	view := map[string]any{
		"conversation_id":    record.ConversationID,
		"start_time":         record.StartTime,
		"processing_time_ms": record.ProcessingTimeMS,
		"success":            record.Success,
		"agents_involved":    record.AgentsInvolved,
		"tool_calls":         toolCalls,
	}
	if doc.Quality != nil {
		view["outcome"] = doc.Quality.Outcome
		view["overall_score"] = doc.Quality.OverallScore
	}
	return view
}

// renderTranscript produces the human-readable conversation log.
func renderTranscript(doc *Document) string {
	record := doc.Record
	var b strings.Builder

	fmt.Fprintf(&b, "Conversation %s\n", record.ConversationID)
	fmt.Fprintf(&b, "Started: %s\n", record.StartTime.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "User %s in %s\n\n", record.UserID, record.Channel)
	fmt.Fprintf(&b, "Query: %s\n", record.UserQuery)
	if record.TemporalContext != "" {
		fmt.Fprintf(&b, "Context: %s\n", record.TemporalContext)
	}

	for i, step := range record.AgentFlow {
		fmt.Fprintf(&b, "\n--- Step %d: %s (%s) ---\n", i+1, step.AgentName,
			step.StartTime.Format("15:04:05"))
		if step.ReasoningText != "" {
			fmt.Fprintf(&b, "%s\n", step.ReasoningText)
		}
		for _, exec := range step.ToolsUsed {
			status := "ok"
			if !exec.Success {
				status = "failed"
			}
			fmt.Fprintf(&b, "  [tool] %s (%s, %dms)\n", exec.ToolName, status, exec.ExecutionTimeMS)
			if exec.ResultSummary != "" {
				fmt.Fprintf(&b, "    → %s\n", exec.ResultSummary)
			}
		}
		for _, msg := range step.CollaborationSent {
			fmt.Fprintf(&b, "  [to %s] %s\n", msg.Peer, msg.Message)
		}
		for _, msg := range step.CollaborationReceived {
			fmt.Fprintf(&b, "  [from %s] %s\n", msg.Peer, msg.Message)
		}
	}

	fmt.Fprintf(&b, "\n=== Final response ===\n%s\n", record.FinalResponse)
	if !record.Success && record.ErrorDetails != nil {
		fmt.Fprintf(&b, "\n(failed at %s: %s)\n", record.ErrorDetails.Stage, record.ErrorDetails.Message)
	}
	if doc.Quality != nil {
		fmt.Fprintf(&b, "\nOutcome: %s (score %.2f)\n", doc.Quality.Outcome, doc.Quality.OverallScore)
	}
	return b.String()
}
