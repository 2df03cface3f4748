package narration

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock provides a controllable clock for controller tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestController(cfg ControllerConfig) (*Controller, *testClock) {
	c := NewController(cfg)
	clock := newTestClock()
	c.SetClock(clock.Now)
	return c, clock
}

func TestBudgetNeverExceeded(t *testing.T) {
	c, clock := newTestController(ControllerConfig{UpdateBudget: 5, MinInterval: time.Millisecond})

	candidates := []Narration{
		{Text: "🔎 Analyzing the request...", Category: CategoryAnalysis},
		{Text: "📊 Pulling the data...", Category: CategoryDataRetrieval},
		{Text: "🤝 Coordinating with specialist agents...", Category: CategoryCollaboration},
		{Text: "🎯 Drawing conclusions...", Category: CategoryDecision},
	}

	accepted := 0
	for i := 0; i < 50; i++ {
		clock.Advance(time.Second)
		ok, _ := c.ShouldEmit(candidates[i%len(candidates)])
		if ok {
			accepted++
		}
	}
	assert.Equal(t, 5, accepted)
	assert.Equal(t, 5, c.Count())
}

func TestMinIntervalSpacing(t *testing.T) {
	c, clock := newTestController(ControllerConfig{MinInterval: 800 * time.Millisecond, UpdateBudget: 10})

	ok, _ := c.ShouldEmit(Narration{Text: "🔎 Analyzing the request...", Category: CategoryAnalysis})
	require.True(t, ok)

	clock.Advance(100 * time.Millisecond)
	ok, reason := c.ShouldEmit(Narration{Text: "📊 Pulling the data...", Category: CategoryDataRetrieval})
	assert.False(t, ok)
	assert.Equal(t, RejectInterval, reason)

	clock.Advance(700 * time.Millisecond)
	ok, _ = c.ShouldEmit(Narration{Text: "📊 Pulling the data...", Category: CategoryDataRetrieval})
	assert.True(t, ok)
}

func TestImmediateDuplicateAcceptedOnce(t *testing.T) {
	c, clock := newTestController(ControllerConfig{MinInterval: time.Millisecond, UpdateBudget: 10})

	n := Narration{Text: "🔎 Analyzing the request...", Category: CategoryAnalysis}
	ok, _ := c.ShouldEmit(n)
	require.True(t, ok)

	clock.Advance(time.Second)
	ok, reason := c.ShouldEmit(n)
	assert.False(t, ok)
	assert.Equal(t, RejectSimilar, reason)
}

func TestDifferentCategoriesEscapeSimilarity(t *testing.T) {
	c, clock := newTestController(ControllerConfig{MinInterval: time.Millisecond, UpdateBudget: 10})

	ok, _ := c.ShouldEmit(Narration{Text: "🔎 Reviewing the pipeline data...", Category: CategoryAnalysis})
	require.True(t, ok)

	clock.Advance(time.Second)
	// Heavy word overlap, but a different kind of progress.
	ok, _ = c.ShouldEmit(Narration{Text: "✅ Reviewing the pipeline data results...", Category: CategoryToolDone})
	assert.True(t, ok)
}

func TestRejectEmptyCandidate(t *testing.T) {
	c, _ := newTestController(ControllerConfig{})
	ok, reason := c.ShouldEmit(Narration{Text: "   "})
	assert.False(t, ok)
	assert.Equal(t, RejectEmpty, reason)
}

func TestRejectNoNewInformation(t *testing.T) {
	c, _ := newTestController(ControllerConfig{})
	ok, reason := c.ShouldEmit(Narration{Text: "the request is a request"})
	assert.False(t, ok)
	assert.Equal(t, RejectNoNewInfo, reason)

	// An action verb with no glyph passes.
	ok, _ = c.ShouldEmit(Narration{Text: "reviewing deal information"})
	assert.True(t, ok)
}

func TestBurstOfNearDuplicates(t *testing.T) {
	// Five candidates 0.1s apart with the same marker and heavy overlap:
	// only the first lands (interval blocks the next ones inside 800ms, and
	// similarity blocks the rest).
	c, clock := newTestController(ControllerConfig{MinInterval: 800 * time.Millisecond, UpdateBudget: 20})

	accepted := 0
	for i := 0; i < 5; i++ {
		ok, _ := c.ShouldEmit(Narration{Text: "📊 Pulling the pipeline data...", Category: CategoryDataRetrieval})
		if ok {
			accepted++
		}
		clock.Advance(100 * time.Millisecond)
	}
	assert.Equal(t, 1, accepted)
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, similarity("pulling the data", "pulling the data"), 1e-9)
	assert.InDelta(t, 0.0, similarity("alpha beta", "gamma delta"), 1e-9)
	// 2 of 4 candidate words shared.
	assert.InDelta(t, 0.5, similarity("pulling fresh data now", "stale data pulling done"), 1e-9)
}
