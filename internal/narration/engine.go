// Package narration converts extracted agent reasoning into short,
// user-facing status lines and decides which of them are worth sending.
package narration

import (
	"fmt"
	"regexp"
	"strings"
)

// Category labels the kind of progress a narration line reports. Two lines
// with different categories are never considered duplicates of each other.
type Category string

const (
	CategoryAnalysis      Category = "analysis"
	CategoryDataRetrieval Category = "data_retrieval"
	CategoryRouting       Category = "agent_routing"
	CategoryCollaboration Category = "collaboration"
	CategoryRisk          Category = "risk_assessment"
	CategoryDecision      Category = "decision_making"
	CategoryToolDone      Category = "tool_completion"
	CategoryThinking      Category = "thinking"
)

// categoryGlyphs are the progress markers embedded in emitted text. The rate
// controller recognizes them when checking rule 5 (new-information check).
var categoryGlyphs = map[Category]string{
	CategoryAnalysis:      "🔎",
	CategoryDataRetrieval: "📊",
	CategoryRouting:       "🔀",
	CategoryCollaboration: "🤝",
	CategoryRisk:          "⚠️",
	CategoryDecision:      "🎯",
	CategoryToolDone:      "✅",
	CategoryThinking:      "💭",
}

// Glyph returns the progress marker for a category.
func Glyph(c Category) string {
	return categoryGlyphs[c]
}

// Narration is one candidate status line.
type Narration struct {
	Text     string
	Category Category
}

// Rule maps a reasoning-text pattern to a category and templates. The first
// matching rule wins. EntityTemplate is used when an entity was extracted
// from the text; it must contain exactly one %s verb.
type Rule struct {
	Category       Category
	Pattern        *regexp.Regexp
	Template       string
	EntityTemplate string
}

// defaultRules is the ordered classification list. Order matters: more
// specific activities (risk, routing) sit above the broad analysis bucket.
func defaultRules() []Rule {
	return []Rule{
		{
			Category:       CategoryRisk,
			Pattern:        regexp.MustCompile(`(?i)\b(risk|churn|exposure|compliance|escalat)`),
			Template:       "Assessing risk factors...",
			EntityTemplate: "Assessing risk factors for %s...",
		},
		{
			Category:       CategoryRouting,
			Pattern:        regexp.MustCompile(`(?i)\b(rout(?:e|ing)|hand(?:ing)?\s+(?:off|over)|delegat)`),
			Template:       "Routing to a specialist agent...",
			EntityTemplate: "Routing %s to a specialist agent...",
		},
		{
			Category:       CategoryCollaboration,
			Pattern:        regexp.MustCompile(`(?i)\b(collaborat|consult|working with|received response from)`),
			Template:       "Coordinating with specialist agents...",
			EntityTemplate: "Coordinating with %s...",
		},
		{
			Category:       CategoryDataRetrieval,
			Pattern:        regexp.MustCompile(`(?i)\b(quer(?:y|ying|ies)|fetch|retriev|search|lookup|sql|calling \w+ with)`),
			Template:       "Pulling the data...",
			EntityTemplate: "Pulling data for %s...",
		},
		{
			Category:       CategoryToolDone,
			Pattern:        regexp.MustCompile(`(?i)\b(received (?:tool )?results|completed|finished|returned)`),
			Template:       "Got results, interpreting them...",
			EntityTemplate: "Got results for %s, interpreting them...",
		},
		{
			Category:       CategoryDecision,
			Pattern:        regexp.MustCompile(`(?i)\b(decid|recommend|conclu|determin|preparing the final)`),
			Template:       "Drawing conclusions...",
			EntityTemplate: "Drawing conclusions about %s...",
		},
		{
			Category:       CategoryAnalysis,
			Pattern:        regexp.MustCompile(`(?i)\b(analyz|examin|review|look(?:ing)? (?:at|into)|investigat|assess)`),
			Template:       "Analyzing the request...",
			EntityTemplate: "Analyzing %s...",
		},
		{
			Category:       CategoryThinking,
			Pattern:        regexp.MustCompile(``),
			Template:       "Thinking through the next step...",
			EntityTemplate: "Thinking through %s...",
		},
	}
}

// entityPatterns pull a company/account name out of reasoning text, tried in
// order. Pure heuristics; a miss just means the generic template is used.
var entityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"([^"]{2,40})"`),
	regexp.MustCompile(`\b(?:for|about|on)\s+((?:[A-Z][A-Za-z0-9&]+\s?){1,3})(?:\s+(?:account|deal|renewal|contract))?`),
	regexp.MustCompile(`\b((?:[A-Z][A-Za-z0-9&]+\s?){1,3})\s+(?:account|deal|renewal|contract)\b`),
}

// Engine classifies reasoning text and renders a one-line status string.
// Stateless per call; rate limiting is the Controller's job.
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine with the default rule list.
func NewEngine() *Engine {
	return &Engine{rules: defaultRules()}
}

// NewEngineWithRules creates an engine with a custom ordered rule list.
func NewEngineWithRules(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Narrate classifies reasoning into a category and produces a status line.
// Returns nil for empty or near-empty input.
func (e *Engine) Narrate(reasoning string) *Narration {
	text := strings.TrimSpace(reasoning)
	if len(text) < 3 {
		return nil
	}

	for _, rule := range e.rules {
		if !rule.Pattern.MatchString(text) {
			continue
		}
		line := rule.Template
		if entity := extractEntity(text); entity != "" && rule.EntityTemplate != "" {
			line = fmt.Sprintf(rule.EntityTemplate, entity)
		}
		return &Narration{
			Text:     categoryGlyphs[rule.Category] + " " + line,
			Category: rule.Category,
		}
	}
	return nil
}

// extractEntity applies the entity heuristics in order.
func extractEntity(text string) string {
	for _, pattern := range entityPatterns {
		match := pattern.FindStringSubmatch(text)
		if len(match) < 2 {
			continue
		}
		entity := strings.TrimSpace(match[1])
		if entity == "" || isEntityStopword(entity) {
			continue
		}
		return entity
	}
	return ""
}

// isEntityStopword rejects capitalized sentence starters and pronouns that
// the positional patterns mistake for names.
func isEntityStopword(entity string) bool {
	switch strings.ToLower(entity) {
	case "i", "the", "this", "that", "it", "we", "they", "select", "from", "where":
		return true
	}
	return false
}
