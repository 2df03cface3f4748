package export

import (
	"context"
	"fmt"
	"strings"
)

// Thresholds for classifying a text block as system-prompt boilerplate. A
// block over the keyword threshold needs several instructional markers; a
// block over the absolute threshold is stripped regardless, since no real
// conversational content is that large.
const (
	promptKeywordSizeThreshold  = 2000
	promptAbsoluteSizeThreshold = 10000
	promptMarkerMinimum         = 3
)

// instructionalMarkers are phrases characteristic of agent instruction
// prompts rather than conversational output.
var instructionalMarkers = []string{
	"you are",
	"your role",
	"your task",
	"you must",
	"you should",
	"always respond",
	"never reveal",
	"do not disclose",
	"when responding",
	"instructions:",
	"guidelines:",
	"system prompt",
	"respond only",
	"follow these",
}

// PromptFilterStage removes verbatim agent instruction blocks from reasoning
// text so persisted records are not dominated by static boilerplate.
type PromptFilterStage struct{}

func NewPromptFilterStage() *PromptFilterStage { return &PromptFilterStage{} }

func (s *PromptFilterStage) Name() string { return "prompt_filter" }

func (s *PromptFilterStage) Apply(_ context.Context, doc *Document) error {
	for _, step := range doc.Record.AgentFlow {
		filtered, stripped := filterPromptBlocks(step.ReasoningText)
		step.ReasoningText = filtered
		doc.StrippedPromptBytes += stripped
	}
	filtered, stripped := filterPromptBlocks(doc.Record.FinalResponse)
	doc.Record.FinalResponse = filtered
	doc.StrippedPromptBytes += stripped
	return nil
}

// filterPromptBlocks replaces system-prompt blocks with a short marker that
// records the original size. Blocks are paragraph-separated.
func filterPromptBlocks(text string) (string, int) {
	if len(text) < promptKeywordSizeThreshold {
		return text, 0
	}
	blocks := strings.Split(text, "\n\n")
	stripped := 0
	for i, block := range blocks {
		if !isSystemPrompt(block) {
			continue
		}
		stripped += len(block)
		blocks[i] = fmt.Sprintf("[system prompt removed: %d bytes]", len(block))
	}
	if stripped == 0 {
		return text, 0
	}
	return strings.Join(blocks, "\n\n"), stripped
}

func isSystemPrompt(block string) bool {
	if len(block) > promptAbsoluteSizeThreshold {
		return true
	}
	if len(block) <= promptKeywordSizeThreshold {
		return false
	}
	lower := strings.ToLower(block)
	markers := 0
	for _, marker := range instructionalMarkers {
		if strings.Contains(lower, marker) {
			markers++
			if markers >= promptMarkerMinimum {
				return true
			}
		}
	}
	return false
}
