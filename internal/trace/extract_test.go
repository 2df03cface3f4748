package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractRationaleReasoning(t *testing.T) {
	e := NewExtractor()
	ex := e.Extract(map[string]any{
		"orchestrationTrace": map[string]any{
			"rationale": map[string]any{"text": "reviewing the account history"},
		},
	})
	assert.Equal(t, "reviewing the account history", ex.ReasoningText)
	assert.False(t, ex.Fallback)
}

func TestExtractFallbackOnUnknown(t *testing.T) {
	e := NewExtractor()
	ex := e.Extract(map[string]any{"arbitrary": map[string]any{"unexpected": []any{1, 2}}})
	assert.Equal(t, FallbackReasoning, ex.ReasoningText)
	assert.True(t, ex.Fallback)
	assert.Empty(t, ex.ToolCalls)
	assert.Empty(t, ex.Handoffs)
}

func TestExtractToolCallWithOwnershipEvidence(t *testing.T) {
	e := NewExtractor()
	ex := e.Extract(map[string]any{
		"orchestrationTrace": map[string]any{
			"invocationInput": map[string]any{
				"actionGroupInvocationInput": map[string]any{
					"actionGroupName": "firebolt_query",
					"parameters": []any{
						map[string]any{"name": "query", "value": "SELECT 1"},
					},
				},
			},
		},
	})

	require.Len(t, ex.ToolCalls, 1)
	assert.Equal(t, "firebolt_query", ex.ToolCalls[0].ToolName)
	assert.Equal(t, "SELECT 1", ex.ToolCalls[0].Parameters["query"])
	assert.Contains(t, ex.ReasoningText, "firebolt_query")

	require.Len(t, ex.Handoffs, 1)
	assert.Equal(t, "DataAnalysisAgent", ex.Handoffs[0].TargetAgent)
	assert.Equal(t, MethodToolOwnership, ex.Handoffs[0].Method)
	assert.InDelta(t, ConfidenceToolOwnership, ex.Handoffs[0].Confidence, 1e-9)
}

func TestExtractStructuredHandoff(t *testing.T) {
	e := NewExtractor()
	ex := e.Extract(map[string]any{
		"orchestrationTrace": map[string]any{
			"invocationInput": map[string]any{
				"agentCollaboratorInvocationInput": map[string]any{
					"agentCollaboratorName": "DealAnalysisAgent",
					"input":                 map[string]any{"text": "review this deal"},
				},
			},
		},
	})

	require.Len(t, ex.Handoffs, 2) // structured plus the phrase match on the narration
	assert.Equal(t, "DealAnalysisAgent", ex.Handoffs[0].TargetAgent)
	assert.Equal(t, MethodStructured, ex.Handoffs[0].Method)
	assert.InDelta(t, ConfidenceStructured, ex.Handoffs[0].Confidence, 1e-9)
}

func TestExtractPhraseHandoffsDoNotStopAtFirstMatch(t *testing.T) {
	e := NewExtractor()
	ex := e.ExtractFragment(Fragment{
		Kind:      KindRationale,
		Rationale: "I will route this to the DealAnalysis agent and also collaborate with ForecastAgent",
	})

	targets := make([]string, 0, len(ex.Handoffs))
	for _, h := range ex.Handoffs {
		targets = append(targets, h.TargetAgent)
	}
	assert.Contains(t, targets, "DealAnalysis")
	assert.Contains(t, targets, "ForecastAgent")
	for _, h := range ex.Handoffs {
		assert.Equal(t, MethodPhrase, h.Method)
	}
}

func TestExtractCollaboratorObservationAttributesAgent(t *testing.T) {
	e := NewExtractor()
	ex := e.Extract(map[string]any{
		"orchestrationTrace": map[string]any{
			"observation": map[string]any{
				"agentCollaboratorInvocationOutput": map[string]any{
					"agentCollaboratorName": "DealAnalysisAgent",
					"output":                map[string]any{"text": "done"},
				},
			},
		},
	})

	assert.Equal(t, "DealAnalysisAgent", ex.AgentName)
	require.NotEmpty(t, ex.Handoffs)
	assert.Equal(t, MethodStructured, ex.Handoffs[0].Method)
}

func TestExtractFinalResponse(t *testing.T) {
	e := NewExtractor()
	ex := e.Extract(map[string]any{
		"orchestrationTrace": map[string]any{
			"observation": map[string]any{
				"finalResponse": map[string]any{"text": "here is your summary"},
			},
		},
	})
	assert.Equal(t, "here is your summary", ex.FinalResponse)
}

func TestExtractFailure(t *testing.T) {
	e := NewExtractor()
	ex := e.Extract(map[string]any{
		"failureTrace": map[string]any{"failureReason": "throttled"},
	})
	assert.Equal(t, "throttled", ex.Failure)
	assert.NotEmpty(t, ex.ReasoningText)
}

func TestNormalizeResultRepairsTruncatedJSON(t *testing.T) {
	// Single-quoted pseudo-JSON, the common malformed tool output.
	out := normalizeResult(`{'success': true, 'rows': 1}`)
	assert.JSONEq(t, `{"success": true, "rows": 1}`, out)

	// Valid JSON is compacted.
	out = normalizeResult(`{ "a" : 1 }`)
	assert.JSONEq(t, `{"a":1}`, out)

	// Plain text passes through.
	assert.Equal(t, "42 rows returned", normalizeResult("  42 rows returned "))
}

func TestModelOutputText(t *testing.T) {
	text := modelOutputText(map[string]any{
		"rawResponse": map[string]any{
			"content": `{"content":[{"type":"text","text":"analyzing the query"}]}`,
		},
	})
	assert.Equal(t, "analyzing the query", text)

	// Non-JSON content is returned verbatim.
	text = modelOutputText(map[string]any{
		"rawResponse": map[string]any{"content": "plain model text"},
	})
	assert.Equal(t, "plain model text", text)
}
