package export

import (
	"context"
	"strings"
	"time"

	"sonar/internal/conversation"
)

// Outcome classification values.
const (
	OutcomeSuccess        = "success"
	OutcomePartialSuccess = "partial_success"
	OutcomeFailure        = "failure"
	OutcomeTimeout        = "timeout"
	OutcomeError          = "error"
)

// QualityAssessment is the multi-factor conversation score. All factors are
// in [0, 1]; OverallScore is their fixed-weight average.
type QualityAssessment struct {
	Completeness          float64 `json:"completeness"`
	Accuracy              float64 `json:"accuracy"`
	Relevance             float64 `json:"relevance"`
	Timeliness            float64 `json:"timeliness"`
	EstimatedSatisfaction float64 `json:"estimated_satisfaction"`
	TechnicalQuality      float64 `json:"technical_quality"`
	BusinessImpact        float64 `json:"business_impact"`
	OverallScore          float64 `json:"overall_score"`
	Outcome               string  `json:"outcome"`
}

// Factor weights. Completeness and accuracy dominate; satisfaction and
// business impact are the softest signals and weigh least.
const (
	weightCompleteness = 0.20
	weightAccuracy     = 0.20
	weightRelevance    = 0.15
	weightTimeliness   = 0.10
	weightSatisfaction = 0.10
	weightTechnical    = 0.15
	weightBusiness     = 0.10
)

var positiveMarkers = []string{
	"here is", "here's", "successfully", "found", "completed", "happy to",
	"looks strong", "on track", "recommend",
}

var negativeMarkers = []string{
	"unable", "error", "failed", "couldn't", "cannot", "sorry", "no data",
	"not available", "unfortunately",
}

var businessTerms = []string{
	"revenue", "pipeline", "forecast", "quota", "renewal", "upsell", "churn",
	"arr", "bookings", "deal", "account", "expansion", "close rate",
}

// QualityStage computes the conversation-level quality assessment and
// outcome classification.
type QualityStage struct {
	timeout time.Duration
}

// NewQualityStage uses the invocation timeout as the timeout-classification
// threshold.
func NewQualityStage() *QualityStage {
	return &QualityStage{timeout: 14 * time.Minute}
}

func NewQualityStageWithTimeout(timeout time.Duration) *QualityStage {
	return &QualityStage{timeout: timeout}
}

func (s *QualityStage) Name() string { return "quality_scoring" }

func (s *QualityStage) Apply(_ context.Context, doc *Document) error {
	record := doc.Record
	q := &QualityAssessment{
		Completeness:          scoreCompleteness(record),
		Accuracy:              scoreAccuracy(record),
		Relevance:             scoreRelevance(record),
		Timeliness:            scoreTimeliness(record),
		TechnicalQuality:      scoreTechnical(record),
		BusinessImpact:        scoreBusiness(record),
		Outcome:               s.classifyOutcome(record),
	}
	q.EstimatedSatisfaction = scoreSatisfaction(record, q.Timeliness)
	q.OverallScore = clamp01(
		weightCompleteness*q.Completeness +
			weightAccuracy*q.Accuracy +
			weightRelevance*q.Relevance +
			weightTimeliness*q.Timeliness +
			weightSatisfaction*q.EstimatedSatisfaction +
			weightTechnical*q.TechnicalQuality +
			weightBusiness*q.BusinessImpact)
	doc.Quality = q
	return nil
}

// scoreCompleteness checks whether the final response addresses the query,
// by word overlap plus a minimum-substance length bonus.
func scoreCompleteness(record *conversation.Record) float64 {
	if record.FinalResponse == "" {
		return 0
	}
	score := 0.8 * wordOverlap(record.UserQuery, record.FinalResponse)
	if len(record.FinalResponse) >= 50 {
		score += 0.2
	}
	return clamp01(score)
}

// scoreAccuracy blends tool success rate with the presence of concrete data
// points in the answer.
func scoreAccuracy(record *conversation.Record) float64 {
	score := 0.0
	if record.FunctionAudit != nil && record.FunctionAudit.TotalCalls > 0 {
		score += 0.6 * record.FunctionAudit.SuccessRate
	} else if record.Success {
		// No tools used at all; nothing contradicts the answer.
		score += 0.4
	}
	if containsDigit(record.FinalResponse) {
		score += 0.4
	}
	return clamp01(score)
}

func scoreRelevance(record *conversation.Record) float64 {
	score := 0.7 * wordOverlap(record.UserQuery, record.FinalResponse)
	if sharesBusinessTerm(record.UserQuery, record.FinalResponse) {
		score += 0.3
	}
	return clamp01(score)
}

// scoreTimeliness buckets processing time. Multi-minute analytical runs are
// normal for this workload, so the decay is gentle.
func scoreTimeliness(record *conversation.Record) float64 {
	elapsed := time.Duration(record.ProcessingTimeMS) * time.Millisecond
	switch {
	case elapsed < 5*time.Second:
		return 1.0
	case elapsed < 15*time.Second:
		return 0.9
	case elapsed < 30*time.Second:
		return 0.75
	case elapsed < time.Minute:
		return 0.6
	case elapsed < 3*time.Minute:
		return 0.4
	default:
		return 0.2
	}
}

// scoreSatisfaction estimates user satisfaction from response sentiment
// markers, discounted when the user had to wait.
func scoreSatisfaction(record *conversation.Record, timeliness float64) float64 {
	score := 0.5
	lower := strings.ToLower(record.FinalResponse)
	for _, marker := range positiveMarkers {
		if strings.Contains(lower, marker) {
			score += 0.2
			break
		}
	}
	for _, marker := range negativeMarkers {
		if strings.Contains(lower, marker) {
			score -= 0.3
			break
		}
	}
	score += 0.3 * (timeliness - 0.5)
	return clamp01(score)
}

// scoreTechnical reflects how cleanly the trace was understood: attribution
// confidence averaged over steps, discounted by extraction fallbacks.
func scoreTechnical(record *conversation.Record) float64 {
	if len(record.AgentFlow) == 0 {
		return 0
	}
	total := 0.0
	for _, step := range record.AgentFlow {
		total += step.AttributionConfidence
	}
	avg := total / float64(len(record.AgentFlow))

	fallbackFactor := 1.0 - float64(record.ExtractionFallbacks)/10.0
	if fallbackFactor < 0 {
		fallbackFactor = 0
	}
	return clamp01(0.7*avg + 0.3*fallbackFactor)
}

func scoreBusiness(record *conversation.Record) float64 {
	text := strings.ToLower(record.UserQuery + " " + record.FinalResponse)
	score := 0.0
	for _, term := range businessTerms {
		if strings.Contains(text, term) {
			score += 0.25
		}
	}
	for _, marker := range []string{"recommend", "next step", "action item", "should"} {
		if strings.Contains(text, marker) {
			score += 0.2
			break
		}
	}
	return clamp01(score)
}

func (s *QualityStage) classifyOutcome(record *conversation.Record) string {
	elapsed := time.Duration(record.ProcessingTimeMS) * time.Millisecond
	if !record.Success {
		switch {
		case elapsed >= s.timeout:
			return OutcomeTimeout
		case record.ErrorDetails != nil:
			return OutcomeError
		default:
			return OutcomeFailure
		}
	}
	lower := strings.ToLower(record.FinalResponse)
	failures := countMarkers(lower, negativeMarkers)
	successes := countMarkers(lower, positiveMarkers)
	if failures > 0 && failures >= successes {
		return OutcomePartialSuccess
	}
	return OutcomeSuccess
}

func countMarkers(text string, markers []string) int {
	count := 0
	for _, marker := range markers {
		if strings.Contains(text, marker) {
			count++
		}
	}
	return count
}

// wordOverlap is |query ∩ response| / |query| over lowercase word sets,
// ignoring very short words.
func wordOverlap(query, response string) float64 {
	queryWords := significantWords(query)
	if len(queryWords) == 0 {
		return 0
	}
	responseWords := significantWords(response)
	shared := 0
	for w := range queryWords {
		if _, ok := responseWords[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(queryWords))
}

func significantWords(s string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?:;\"'()")
		if len(w) > 3 {
			words[w] = struct{}{}
		}
	}
	return words
}

func sharesBusinessTerm(query, response string) bool {
	q, r := strings.ToLower(query), strings.ToLower(response)
	for _, term := range businessTerms {
		if strings.Contains(q, term) && strings.Contains(r, term) {
			return true
		}
	}
	return false
}

func containsDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
