package export

import (
	"context"
	"sort"

	"sonar/internal/conversation"
	"sonar/internal/trace"
)

// Attribution confidence assigned when no evidence points anywhere and the
// step stays unattributed.
const confidenceUnattributed = 0.30

// Steps already named by the trace envelope or structured collaborator
// fields are trusted at this level.
const confidenceNamed = 0.95

// AttributionStage re-derives agent identity per step from the handoff
// evidence collected during streaming, plus cross-step patterns: an
// unattributed step right after a handoff to agent X is most likely X.
type AttributionStage struct{}

func NewAttributionStage() *AttributionStage { return &AttributionStage{} }

func (s *AttributionStage) Name() string { return "attribution" }

func (s *AttributionStage) Apply(_ context.Context, doc *Document) error {
	flow := doc.Record.AgentFlow

	for i, step := range flow {
		if step.AgentName != "" && step.AgentName != conversation.UnknownAgent {
			step.AttributionConfidence = confidenceNamed
			continue
		}

		target, confidence := "", 0.0
		if i > 0 {
			target, confidence = strongestEvidence(flow[i-1].HandoffEvidence, "")
		}
		// A step's own tool usage can identify it: tools have known owners.
		if ownTarget, ownConfidence := strongestEvidence(step.HandoffEvidence, trace.MethodToolOwnership); ownConfidence > confidence {
			target, confidence = ownTarget, ownConfidence
		}

		if target == "" {
			step.AttributionConfidence = confidenceUnattributed
			continue
		}
		step.AgentName = target
		step.AttributionConfidence = confidence
	}

	doc.Record.AgentsInvolved = involvedAgents(flow)
	doc.DetectedHandoffs = detectHandoffs(flow)
	return nil
}

// strongestEvidence returns the highest-confidence evidence target,
// optionally restricted to one detection method.
func strongestEvidence(evidence []*conversation.HandoffRecord, method string) (string, float64) {
	target, confidence := "", 0.0
	for _, h := range evidence {
		if method != "" && h.Method != method {
			continue
		}
		if h.Confidence > confidence {
			target, confidence = h.Target, h.Confidence
		}
	}
	return target, confidence
}

func involvedAgents(flow []*conversation.AgentStep) []string {
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

// detectHandoffs records every step-boundary agent change as a
// conversation-level handoff key, deduplicated in first-seen order.
func detectHandoffs(flow []*conversation.AgentStep) []string {
	seen := make(map[string]struct{})
	var handoffs []string
	for i := 1; i < len(flow); i++ {
		from, to := flow[i-1].AgentName, flow[i].AgentName
		if from == to || from == "" || to == "" {
			continue
		}
		key := conversation.EdgeKey(from, to)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		handoffs = append(handoffs, key)
	}
	return handoffs
}
