package export

import (
	"context"
	"sort"
	"time"

	"sonar/internal/conversation"
)

// toolDedupWindow bounds how far apart two observations of the same logical
// tool call can be. The provider reports one call through several trace
// fragments within a few seconds of each other.
const toolDedupWindow = 5 * time.Second

// ToolNormStage deduplicates tool executions observed through multiple trace
// fragments and computes the conversation-wide function audit.
type ToolNormStage struct{}

func NewToolNormStage() *ToolNormStage { return &ToolNormStage{} }

func (s *ToolNormStage) Name() string { return "tool_normalization" }

func (s *ToolNormStage) Apply(_ context.Context, doc *Document) error {
	audit := &conversation.FunctionAudit{}
	distinct := make(map[string]struct{})

	for _, step := range doc.Record.AgentFlow {
		step.ToolsUsed = dedupTools(step.ToolsUsed)
		for _, exec := range step.ToolsUsed {
			audit.TotalCalls++
			if exec.Success {
				audit.Succeeded++
			} else {
				audit.Failed++
			}
			audit.TotalTimeMS += exec.ExecutionTimeMS
			distinct[exec.ToolName] = struct{}{}
		}
	}

	for name := range distinct {
		audit.DistinctTools = append(audit.DistinctTools, name)
	}
	sort.Strings(audit.DistinctTools)
	if audit.TotalCalls > 0 {
		audit.SuccessRate = float64(audit.Succeeded) / float64(audit.TotalCalls)
	}
	doc.Record.FunctionAudit = audit
	return nil
}

// dedupTools merges executions that are the same logical call: same tool,
// compatible parameters, overlapping time window. The merged entry keeps the
// highest quality score and fills gaps from the duplicate.
func dedupTools(execs []*conversation.ToolExecution) []*conversation.ToolExecution {
	var kept []*conversation.ToolExecution
	for _, exec := range execs {
		merged := false
		for i, existing := range kept {
			if !sameLogicalCall(existing, exec) {
				continue
			}
			kept[i] = mergeExecutions(existing, exec)
			merged = true
			break
		}
		if !merged {
			kept = append(kept, exec)
		}
	}
	return kept
}

func sameLogicalCall(a, b *conversation.ToolExecution) bool {
	if a.ToolName != b.ToolName {
		return false
	}
	if !compatibleParams(a.Parameters, b.Parameters) {
		return false
	}
	gap := b.StartTime.Sub(a.StartTime)
	if gap < 0 {
		gap = -gap
	}
	return gap <= toolDedupWindow
}

// compatibleParams treats an empty parameter set as compatible with anything:
// result-only fragments carry no parameters.
func compatibleParams(a, b map[string]string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func mergeExecutions(a, b *conversation.ToolExecution) *conversation.ToolExecution {
	primary, secondary := a, b
	if b.QualityScore > a.QualityScore {
		primary, secondary = b, a
	}
	if len(primary.Parameters) == 0 {
		primary.Parameters = secondary.Parameters
	}
	if primary.ResultSummary == "" {
		primary.ResultSummary = secondary.ResultSummary
	}
	if primary.FullResult == "" {
		primary.FullResult = secondary.FullResult
	}
	if primary.ExecutionTimeMS == 0 {
		primary.ExecutionTimeMS = secondary.ExecutionTimeMS
	}
	if primary.StartTime.IsZero() || (!secondary.StartTime.IsZero() && secondary.StartTime.Before(primary.StartTime)) {
		primary.StartTime = secondary.StartTime
	}
	if secondary.ErrorMessage != "" && primary.ErrorMessage == "" {
		primary.ErrorMessage = secondary.ErrorMessage
		primary.Success = secondary.Success
	}
	primary.ScoreQuality()
	return primary
}
