package narration

import (
	"strings"
	"time"
)

// Rejection reasons returned by ShouldEmit, used as metric labels.
const (
	RejectEmpty        = "empty"
	RejectInterval     = "min_interval"
	RejectBudget       = "budget_exhausted"
	RejectSimilar      = "too_similar"
	RejectNoNewInfo    = "no_new_information"
	AcceptedNoPrevious = ""
)

// actionVerbs satisfy the new-information check when no category glyph is
// present (e.g. custom narrations injected by the fallback path).
var actionVerbs = []string{
	"analyzing", "querying", "fetching", "searching", "routing",
	"collaborating", "coordinating", "assessing", "evaluating", "pulling",
	"reviewing", "retrieving", "checking", "computing", "preparing",
	"interpreting", "drawing", "thinking", "wrapping",
}

// ControllerConfig tunes the rate controller.
type ControllerConfig struct {
	MinInterval         time.Duration
	UpdateBudget        int
	SimilarityThreshold float64
}

// Controller decides, across the lifetime of one conversation, whether a
// candidate narration is sent to the user. It is a small deterministic state
// machine over (count, last emission time, last text); one instance per
// conversation, never shared, discarded at conversation end.
type Controller struct {
	cfg ControllerConfig
	now func() time.Time

	lastUpdate   time.Time
	lastText     string
	lastCategory Category
	count        int
}

// NewController creates a controller. A zero MinInterval or UpdateBudget is
// replaced with conservative defaults.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 800 * time.Millisecond
	}
	if cfg.UpdateBudget <= 0 {
		cfg.UpdateBudget = 15
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = 0.6
	}
	return &Controller{cfg: cfg, now: time.Now}
}

// SetClock injects a clock for tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Count returns how many narrations have been accepted so far.
func (c *Controller) Count() int {
	return c.count
}

// ShouldEmit evaluates the candidate against all rules in order and, on
// acceptance, records it as the latest emission. The returned reason is
// empty on acceptance and names the failed rule otherwise.
func (c *Controller) ShouldEmit(candidate Narration) (bool, string) {
	text := strings.TrimSpace(candidate.Text)
	if text == "" {
		return false, RejectEmpty
	}

	nowTime := c.now()
	if !c.lastUpdate.IsZero() && nowTime.Sub(c.lastUpdate) < c.cfg.MinInterval {
		return false, RejectInterval
	}

	if c.count >= c.cfg.UpdateBudget {
		return false, RejectBudget
	}

	// Two different kinds of progress are never "too similar", even when the
	// wording overlaps heavily.
	if c.lastText != "" && (candidate.Category == "" || candidate.Category == c.lastCategory) {
		if similarity(text, c.lastText) > c.cfg.SimilarityThreshold {
			return false, RejectSimilar
		}
	}

	if !carriesNewInformation(text, candidate.Category) {
		return false, RejectNoNewInfo
	}

	c.lastUpdate = nowTime
	c.lastText = text
	c.lastCategory = candidate.Category
	c.count++
	return true, AcceptedNoPrevious
}

// similarity is the word-set overlap ratio relative to the candidate:
// |candidate ∩ previous| / |candidate|.
func similarity(candidate, previous string) float64 {
	candidateWords := wordSet(candidate)
	if len(candidateWords) == 0 {
		return 1.0
	}
	previousWords := wordSet(previous)
	shared := 0
	for w := range candidateWords {
		if _, ok := previousWords[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(candidateWords))
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?:;\"'")
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// carriesNewInformation requires a recognized progress marker or an action
// verb; purely descriptive restatements are dropped.
func carriesNewInformation(text string, category Category) bool {
	if glyph, ok := categoryGlyphs[category]; ok && strings.Contains(text, glyph) {
		return true
	}
	for _, glyph := range categoryGlyphs {
		if strings.Contains(text, glyph) {
			return true
		}
	}
	lower := strings.ToLower(text)
	for _, verb := range actionVerbs {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}
