package consumer

import (
	"strings"
	"time"

	"sonar/internal/narration"
)

// cannedLines map query keywords to degraded-mode status lines, tried in
// order. Used when trace extraction yields nothing usable, so the user still
// sees a plausible progress update.
var cannedLines = []struct {
	keyword  string
	text     string
	category narration.Category
}{
	{"pipeline", "📊 Reviewing the pipeline...", narration.CategoryDataRetrieval},
	{"forecast", "📊 Crunching the forecast numbers...", narration.CategoryDataRetrieval},
	{"revenue", "📊 Crunching the revenue numbers...", narration.CategoryDataRetrieval},
	{"churn", "⚠️ Assessing churn signals...", narration.CategoryRisk},
	{"risk", "⚠️ Assessing risk factors...", narration.CategoryRisk},
	{"deal", "🔎 Looking into the deal details...", narration.CategoryAnalysis},
	{"customer", "🔎 Checking on the customer...", narration.CategoryAnalysis},
	{"account", "🔎 Checking on the account...", narration.CategoryAnalysis},
}

// almostReadyLine replaces keyword guessing late in a long conversation,
// when "still looking into it" would read as being stuck.
const almostReadyLine = "💭 Almost ready, wrapping up the answer..."

// fallbackNarration picks a canned status line from the user's query when
// extraction degraded. The line still goes through the rate controller like
// any other candidate.
func fallbackNarration(query string, elapsed, almostReadyAfter time.Duration) narration.Narration {
	if almostReadyAfter > 0 && elapsed >= almostReadyAfter {
		return narration.Narration{Text: almostReadyLine, Category: narration.CategoryThinking}
	}
	lower := strings.ToLower(query)
	for _, line := range cannedLines {
		if strings.Contains(lower, line.keyword) {
			return narration.Narration{Text: line.text, Category: line.category}
		}
	}
	return narration.Narration{Text: "💭 Working on it...", Category: narration.CategoryThinking}
}
