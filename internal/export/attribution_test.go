package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonar/internal/conversation"
	"sonar/internal/trace"
)

func TestUnknownStepRenamedAfterHandoff(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	record := sampleRecord()
	record.AgentFlow = []*conversation.AgentStep{
		{
			AgentName: "Manager",
			StartTime: start,
			HandoffEvidence: []*conversation.HandoffRecord{
				{Target: "DealAnalysisAgent", Method: trace.MethodStructured, Confidence: 0.95},
			},
		},
		{
			AgentName: conversation.UnknownAgent,
			StartTime: start.Add(2 * time.Second),
		},
	}

	doc := &Document{Record: record}
	require.NoError(t, NewAttributionStage().Apply(context.Background(), doc))

	assert.Equal(t, "DealAnalysisAgent", record.AgentFlow[1].AgentName)
	assert.InDelta(t, 0.95, record.AgentFlow[1].AttributionConfidence, 1e-9)
	assert.Equal(t, []string{"DealAnalysisAgent", "Manager"}, record.AgentsInvolved)
	assert.Equal(t, []string{conversation.EdgeKey("Manager", "DealAnalysisAgent")}, doc.DetectedHandoffs)
}

func TestToolOwnershipIdentifiesStep(t *testing.T) {
	record := sampleRecord()
	record.AgentFlow = []*conversation.AgentStep{
		{
			AgentName: conversation.UnknownAgent,
			HandoffEvidence: []*conversation.HandoffRecord{
				{Target: "DataAnalysisAgent", Method: trace.MethodToolOwnership, Confidence: 0.50},
			},
		},
	}

	doc := &Document{Record: record}
	require.NoError(t, NewAttributionStage().Apply(context.Background(), doc))

	assert.Equal(t, "DataAnalysisAgent", record.AgentFlow[0].AgentName)
	assert.InDelta(t, 0.50, record.AgentFlow[0].AttributionConfidence, 1e-9)
}

func TestNamedStepKeepsNameWithHighConfidence(t *testing.T) {
	record := sampleRecord()
	doc := &Document{Record: record}
	require.NoError(t, NewAttributionStage().Apply(context.Background(), doc))

	assert.Equal(t, "Manager", record.AgentFlow[0].AgentName)
	assert.InDelta(t, confidenceNamed, record.AgentFlow[0].AttributionConfidence, 1e-9)
}

func TestUnattributableStepStaysUnknown(t *testing.T) {
	record := sampleRecord()
	record.AgentFlow = []*conversation.AgentStep{
		{AgentName: conversation.UnknownAgent, ReasoningText: "something"},
	}

	doc := &Document{Record: record}
	require.NoError(t, NewAttributionStage().Apply(context.Background(), doc))

	assert.Equal(t, conversation.UnknownAgent, record.AgentFlow[0].AgentName)
	assert.InDelta(t, confidenceUnattributed, record.AgentFlow[0].AttributionConfidence, 1e-9)
}
