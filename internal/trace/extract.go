package trace

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// FallbackReasoning is returned when no reasoning can be extracted at all.
const FallbackReasoning = "processing request"

// Handoff evidence confidence by detection method. Structured collaboration
// fields are trusted most, free-text routing phrases less, and ownership
// inference from tool names least.
const (
	ConfidenceStructured    = 0.95
	ConfidencePhrase        = 0.70
	ConfidenceToolOwnership = 0.50
)

// Handoff detection method names, recorded on the evidence for attribution.
const (
	MethodStructured    = "structured"
	MethodPhrase        = "phrase"
	MethodToolOwnership = "tool_ownership"
)

// ToolCall is one detected tool/action invocation, possibly paired with its
// result when the result arrived in the same fragment.
type ToolCall struct {
	ToolName   string
	Parameters map[string]string
	Result     string
	HasResult  bool
}

// HandoffEvidence is one piece of evidence that work moved to another agent.
type HandoffEvidence struct {
	TargetAgent string
	Confidence  float64
	Method      string
}

// KBSearch is one knowledge-base lookup with its retrieved references.
type KBSearch struct {
	Query      string
	References []KBReference
}

// Extraction is everything one fragment yielded. All fields may be empty;
// Fallback marks that reasoning degraded to the generic string.
type Extraction struct {
	ReasoningText string
	ToolCalls     []ToolCall
	Handoffs      []HandoffEvidence
	KBSearches    []KBSearch
	AgentName     string
	AgentID       string
	FinalResponse string
	Failure       string
	Fallback      bool
}

// routingPhrases match free-text evidence of an agent handoff in reasoning
// output. Ordered; every matching pattern contributes evidence.
var routingPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rout(?:e|ing)\s+(?:this\s+)?(?:request\s+)?to\s+(?:the\s+)?([A-Za-z][A-Za-z0-9_]*)\s+agent`),
	regexp.MustCompile(`(?i)collaborat(?:e|ing)\s+with\s+(?:the\s+)?([A-Za-z][A-Za-z0-9_]*)`),
	regexp.MustCompile(`(?i)hand(?:ing)?\s+(?:off|over)\s+to\s+(?:the\s+)?([A-Za-z][A-Za-z0-9_]*)`),
	regexp.MustCompile(`(?i)delegat(?:e|ing)\s+(?:this\s+)?to\s+(?:the\s+)?([A-Za-z][A-Za-z0-9_]*)`),
	regexp.MustCompile(`(?i)ask(?:ing)?\s+(?:the\s+)?([A-Za-z][A-Za-z0-9_]*Agent)`),
}

// Extractor pulls structured data out of classified fragments. The tool
// ownership table maps tool names to the agent known to own them, used as
// the weakest handoff-detection method.
type Extractor struct {
	toolOwners map[string]string
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithToolOwners replaces the tool → owning-agent table.
func WithToolOwners(owners map[string]string) Option {
	return func(e *Extractor) {
		e.toolOwners = owners
	}
}

// NewExtractor creates an extractor with the default tool ownership table.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		toolOwners: map[string]string{
			"firebolt_query":    "DataAnalysisAgent",
			"pipeline_report":   "DealAnalysisAgent",
			"deal_lookup":       "DealAnalysisAgent",
			"account_health":    "CustomerSuccessAgent",
			"usage_metrics":     "CustomerSuccessAgent",
			"revenue_forecast":  "ForecastAgent",
			"knowledge_search":  "KnowledgeAgent",
			"salesforce_lookup": "CRMAgent",
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract runs the full extraction over one raw fragment: classify, then
// pull reasoning text, tool calls, handoff evidence, and KB results. It
// never returns an error; unparseable input yields the generic fallback.
func (e *Extractor) Extract(raw map[string]any) Extraction {
	return e.ExtractFragment(Classify(raw))
}

// ExtractFragment extracts from an already-classified fragment.
func (e *Extractor) ExtractFragment(f Fragment) Extraction {
	ex := Extraction{AgentName: f.AgentName, AgentID: f.AgentID}

	switch f.Kind {
	case KindRationale:
		ex.ReasoningText = strings.TrimSpace(f.Rationale)
	case KindModelInput, KindModelOutput:
		ex.ReasoningText = strings.TrimSpace(f.ModelText)
	case KindInvocation:
		e.extractInvocation(f.Invocation, &ex)
	case KindObservation:
		e.extractObservation(f.Observation, &ex)
	case KindFailure:
		ex.Failure = f.FailureReason
		ex.ReasoningText = "recovering from an upstream error"
	}

	// Free-text routing phrases fire on whatever reasoning we have; they do
	// not replace structured evidence, they add to it.
	for _, pattern := range routingPhrases {
		for _, match := range pattern.FindAllStringSubmatch(ex.ReasoningText, -1) {
			if len(match) < 2 {
				continue
			}
			target := strings.TrimSpace(match[1])
			if target == "" || isStopTarget(target) {
				continue
			}
			ex.Handoffs = append(ex.Handoffs, HandoffEvidence{
				TargetAgent: target,
				Confidence:  ConfidencePhrase,
				Method:      MethodPhrase,
			})
		}
	}

	if ex.ReasoningText == "" {
		ex.ReasoningText = FallbackReasoning
		ex.Fallback = true
	}
	return ex
}

func (e *Extractor) extractInvocation(inv *Invocation, ex *Extraction) {
	if inv == nil {
		return
	}
	switch inv.Type {
	case InvocationTool, InvocationCodeInterpreter:
		ex.ToolCalls = append(ex.ToolCalls, ToolCall{
			ToolName:   inv.ToolName,
			Parameters: inv.Parameters,
		})
		ex.ReasoningText = describeToolCall(inv)
		if owner, ok := e.toolOwners[strings.ToLower(inv.ToolName)]; ok {
			ex.Handoffs = append(ex.Handoffs, HandoffEvidence{
				TargetAgent: owner,
				Confidence:  ConfidenceToolOwnership,
				Method:      MethodToolOwnership,
			})
		}
	case InvocationCollaborator:
		ex.Handoffs = append(ex.Handoffs, HandoffEvidence{
			TargetAgent: inv.CollaboratorName,
			Confidence:  ConfidenceStructured,
			Method:      MethodStructured,
		})
		ex.ReasoningText = fmt.Sprintf("collaborating with %s", inv.CollaboratorName)
	case InvocationKnowledgeBase:
		ex.KBSearches = append(ex.KBSearches, KBSearch{Query: inv.Query})
		if inv.Query != "" {
			ex.ReasoningText = fmt.Sprintf("searching the knowledge base for %q", truncateQuery(inv.Query))
		} else {
			ex.ReasoningText = "searching the knowledge base"
		}
	}
}

func (e *Extractor) extractObservation(obs *Observation, ex *Extraction) {
	if obs == nil {
		return
	}
	switch obs.Type {
	case ObservationToolResult:
		ex.ToolCalls = append(ex.ToolCalls, ToolCall{
			ToolName:  obs.ToolName,
			Result:    normalizeResult(obs.ResultText),
			HasResult: true,
		})
		ex.ReasoningText = "received tool results"
	case ObservationCollaborator:
		// A collaborator's answer is attribution evidence for that agent.
		ex.AgentName = firstNonEmpty(ex.AgentName, obs.CollaboratorName)
		ex.Handoffs = append(ex.Handoffs, HandoffEvidence{
			TargetAgent: obs.CollaboratorName,
			Confidence:  ConfidenceStructured,
			Method:      MethodStructured,
		})
		ex.ReasoningText = fmt.Sprintf("received response from %s", obs.CollaboratorName)
	case ObservationKnowledgeBase:
		ex.KBSearches = append(ex.KBSearches, KBSearch{References: obs.References})
		ex.ReasoningText = fmt.Sprintf("reviewing %d knowledge base results", len(obs.References))
	case ObservationFinalResponse:
		ex.FinalResponse = obs.FinalResponse
		ex.ReasoningText = "preparing the final response"
	case ObservationReprompt:
		ex.ReasoningText = "refining the approach"
	}
}

func describeToolCall(inv *Invocation) string {
	if len(inv.Parameters) == 0 {
		return fmt.Sprintf("calling %s", inv.ToolName)
	}
	keys := make([]string, 0, len(inv.Parameters))
	for k := range inv.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("calling %s with %s", inv.ToolName, strings.Join(keys, ", "))
}

// normalizeResult makes embedded JSON results readable. Tool outputs are
// often JSON that arrives truncated or single-quoted; strict parsing is
// tried first, then repair, then the raw text is kept as-is.
func normalizeResult(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return trimmed
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		compact, err := json.Marshal(parsed)
		if err == nil {
			return string(compact)
		}
		return trimmed
	}
	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return trimmed
	}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return trimmed
	}
	compact, err := json.Marshal(parsed)
	if err != nil {
		return trimmed
	}
	return string(compact)
}

// modelOutputText pulls readable text out of a modelInvocationOutput
// fragment. The raw response content is provider-encoded JSON holding a
// content array; repair is attempted before giving up on malformed payloads.
func modelOutputText(modelOutput map[string]any) string {
	raw, ok := getMap(modelOutput, "rawResponse")
	if !ok {
		return ""
	}
	content, ok := getString(raw, "content")
	if !ok || strings.TrimSpace(content) == "" {
		return ""
	}
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed
	}

	parsed, ok := parseLooseJSON(trimmed)
	if !ok {
		return trimmed
	}
	if blocks, ok := getSlice(parsed, "content"); ok {
		var parts []string
		for _, b := range blocks {
			bm, ok := b.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := getString(bm, "text"); ok && text != "" {
				parts = append(parts, text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return trimmed
}

func parseLooseJSON(s string) (map[string]any, bool) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(s), &parsed); err == nil {
		return parsed, true
	}
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// isStopTarget filters phrase matches that are clearly not agent names.
func isStopTarget(target string) bool {
	switch strings.ToLower(target) {
	case "the", "this", "that", "a", "an", "user", "customer", "team":
		return true
	}
	return false
}

func truncateQuery(q string) string {
	const max = 60
	if len(q) <= max {
		return q
	}
	return q[:max] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
