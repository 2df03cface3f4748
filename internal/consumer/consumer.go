// Package consumer drives one agent invocation end to end: it walks the
// event stream, feeds trace fragments through extraction into the
// conversation aggregator, and turns reasoning into rate-controlled status
// updates for the user. One Run call per conversation; the consumer itself
// is reusable and holds no per-conversation state.
package consumer

import (
	"context"
	"strings"
	"sync"
	"time"

	"sonar/internal/agentcall"
	"sonar/internal/conversation"
	"sonar/internal/logging"
	"sonar/internal/narration"
	"sonar/internal/observability"
	"sonar/internal/trace"
)

// Notifier delivers a narration line to wherever the user is watching the
// conversation. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Config tunes the consumer.
type Config struct {
	// Narration is passed through to the per-conversation rate controller.
	Narration narration.ControllerConfig

	// DeliveryTimeout bounds a single narration delivery attempt.
	DeliveryTimeout time.Duration

	// AlmostReadyAfter switches degraded narration to the wrapping-up line
	// once the conversation has run this long.
	AlmostReadyAfter time.Duration

	// SupervisorName labels the root agent step. The provider does not
	// identify the supervisor in its own trace envelopes, only collaborators.
	SupervisorName string
}

const (
	defaultDeliveryTimeout  = 3 * time.Second
	defaultAlmostReadyAfter = 30 * time.Second
	defaultSupervisorName   = "Manager"
)

// Request identifies one inbound user request.
type Request struct {
	Query           string
	UserID          string
	Channel         string
	SessionID       string
	TemporalContext string
}

// Consumer runs conversations against the agent provider.
type Consumer struct {
	invoker   agentcall.Invoker
	notifier  Notifier
	extractor *trace.Extractor
	engine    *narration.Engine
	metrics   *observability.MetricsCollector
	logger    logging.Logger
	cfg       Config
	now       func() time.Time
}

// New creates a consumer. A nil notifier disables narration delivery; a nil
// metrics collector disables metrics.
func New(invoker agentcall.Invoker, notifier Notifier, cfg Config, metrics *observability.MetricsCollector, logger logging.Logger) *Consumer {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	if cfg.AlmostReadyAfter <= 0 {
		cfg.AlmostReadyAfter = defaultAlmostReadyAfter
	}
	if cfg.SupervisorName == "" {
		cfg.SupervisorName = defaultSupervisorName
	}
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	return &Consumer{
		invoker:   invoker,
		notifier:  notifier,
		extractor: trace.NewExtractor(),
		engine:    narration.NewEngine(),
		metrics:   metrics,
		logger:    logging.OrNop(logger),
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock injects a clock for tests.
func (c *Consumer) SetClock(now func() time.Time) {
	c.now = now
}

// runState is the per-conversation scratch the stream loop carries.
type runState struct {
	started       time.Time
	query         string
	failure       string
	finalResponse string
	deliveries    sync.WaitGroup
}

// Run processes one conversation to completion and always returns a sealed
// record. Stream errors and cancellation finalize a best-effort record with
// whatever was extracted up to that point; Run itself never fails.
func (c *Consumer) Run(ctx context.Context, req Request) *conversation.Record {
	c.metrics.IncrementActiveConversations(ctx)
	defer c.metrics.DecrementActiveConversations(ctx)

	agg := conversation.NewAggregator(c.logger)
	agg.SetClock(c.now)
	agg.Start(req.Query, req.UserID, req.Channel, req.SessionID, req.TemporalContext)
	agg.OpenAgentStep(c.cfg.SupervisorName, "")

	ctrl := narration.NewController(c.cfg.Narration)
	ctrl.SetClock(c.now)

	st := &runState{started: c.now(), query: req.Query}
	defer st.deliveries.Wait()

	stream, err := c.invoker.Invoke(ctx, agentcall.Request{
		SessionID: req.SessionID,
		InputText: composeInput(req),
	})
	if err != nil {
		c.logger.Error("agent invocation failed for conversation %s: %v", agg.ConversationID(), err)
		return c.finalize(ctx, agg, "", false, &conversation.ErrorDetails{
			Stage:   "invoke",
			Message: err.Error(),
		})
	}
	defer func() {
		if err := stream.Close(); err != nil {
			c.logger.Debug("stream close: %v", err)
		}
	}()

	var output strings.Builder
	for {
		event, ok := stream.Next(ctx)
		if !ok {
			break
		}
		switch event.Kind {
		case agentcall.EventChunk:
			output.Write(event.Chunk)
		case agentcall.EventTrace:
			c.handleFragment(ctx, agg, ctrl, st, event.Trace)
		}
	}

	finalText := strings.TrimSpace(output.String())
	if finalText == "" {
		finalText = strings.TrimSpace(st.finalResponse)
	}

	success := true
	var errDetails *conversation.ErrorDetails
	switch {
	case stream.Err() != nil:
		success = false
		errDetails = &conversation.ErrorDetails{Stage: "stream", Message: stream.Err().Error()}
	case ctx.Err() != nil:
		success = false
		errDetails = &conversation.ErrorDetails{Stage: "stream", Message: ctx.Err().Error()}
	case finalText == "":
		success = false
		message := "stream ended without a final response"
		if st.failure != "" {
			message = st.failure
		}
		errDetails = &conversation.ErrorDetails{Stage: "agent", Message: message}
	}

	return c.finalize(ctx, agg, finalText, success, errDetails)
}

func (c *Consumer) finalize(ctx context.Context, agg *conversation.Aggregator, finalText string, success bool, errDetails *conversation.ErrorDetails) *conversation.Record {
	record := agg.Complete(finalText, success, errDetails)
	c.metrics.RecordConversation(ctx, record.EndTime.Sub(record.StartTime), success)
	if !success {
		c.logger.Warn("conversation %s finalized with failure at stage %s: %s",
			record.ConversationID, errDetails.Stage, errDetails.Message)
	}
	return record
}

// handleFragment processes one trace fragment. Extraction bugs on hostile
// payloads must never kill the stream loop, so the whole body runs under a
// recover that degrades to the canned narration path.
func (c *Consumer) handleFragment(ctx context.Context, agg *conversation.Aggregator, ctrl *narration.Controller, st *runState, raw map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("trace fragment handling panicked: %v", r)
			c.degrade(ctx, agg, ctrl, st, raw)
		}
	}()

	fragment := trace.Classify(raw)
	c.metrics.RecordTraceEvent(ctx, string(fragment.Kind))

	ex := c.extractor.ExtractFragment(fragment)

	// Envelope attribution opens a new step whenever the active agent changes.
	if ex.AgentName != "" && ex.AgentName != agg.CurrentAgent() {
		agg.OpenAgentStep(ex.AgentName, ex.AgentID)
	}

	reasoning := ex.ReasoningText
	if ex.Fallback {
		reasoning = ""
	}
	agg.AppendReasoning(reasoning, raw)

	for _, call := range ex.ToolCalls {
		c.recordToolCall(agg, call)
	}
	for _, h := range ex.Handoffs {
		agg.RecordHandoffEvidence(h.TargetAgent, h.Method, h.Confidence)
	}
	if inv := fragment.Invocation; inv != nil && inv.Type == trace.InvocationCollaborator {
		agg.RecordCollaboration(conversation.DirectionSent, inv.CollaboratorName, inv.CollaboratorText)
	}
	if obs := fragment.Observation; obs != nil && obs.Type == trace.ObservationCollaborator {
		agg.RecordCollaboration(conversation.DirectionReceived, obs.CollaboratorName, obs.CollaboratorOutput)
	}

	if ex.Failure != "" {
		st.failure = ex.Failure
	}
	if ex.FinalResponse != "" {
		st.finalResponse = ex.FinalResponse
	}

	if ex.Fallback {
		agg.IncrementFallbacks()
		c.metrics.RecordExtractionFallback(ctx)
		c.emit(ctx, ctrl, st, fallbackNarration(st.query, c.now().Sub(st.started), c.cfg.AlmostReadyAfter))
		return
	}
	if n := c.engine.Narrate(ex.ReasoningText); n != nil {
		c.emit(ctx, ctrl, st, *n)
	}
}

// recordToolCall maps an extracted tool call onto the aggregator. Results
// arrive in separate observation fragments; they are attached to the pending
// call when one exists and recorded standalone otherwise.
func (c *Consumer) recordToolCall(agg *conversation.Aggregator, call trace.ToolCall) {
	if call.HasResult {
		success, errMsg := interpretResult(call.Result)
		if agg.AttachToolResult(call.Result, call.Result, success, errMsg) {
			return
		}
		agg.AddToolExecution(&conversation.ToolExecution{
			ToolName:      toolNameOrUnknown(call.ToolName),
			ResultSummary: call.Result,
			Success:       success,
			ErrorMessage:  errMsg,
		})
		return
	}

	agg.AddToolExecution(&conversation.ToolExecution{
		ToolName:   toolNameOrUnknown(call.ToolName),
		Parameters: call.Parameters,
	})
	if op := dataOperationFor(call); op != nil {
		agg.AddDataOperation(op)
	}
}

// degrade is the recovery path for fragments that broke extraction: the raw
// payload is still retained on the record, and the user gets a canned line.
func (c *Consumer) degrade(ctx context.Context, agg *conversation.Aggregator, ctrl *narration.Controller, st *runState, raw map[string]any) {
	agg.AppendReasoning("", raw)
	agg.IncrementFallbacks()
	c.metrics.RecordExtractionFallback(ctx)
	c.emit(ctx, ctrl, st, fallbackNarration(st.query, c.now().Sub(st.started), c.cfg.AlmostReadyAfter))
}

// emit runs the candidate through the rate controller and, on acceptance,
// delivers it without blocking the stream loop.
func (c *Consumer) emit(ctx context.Context, ctrl *narration.Controller, st *runState, n narration.Narration) {
	ok, reason := ctrl.ShouldEmit(n)
	if !ok {
		c.metrics.RecordNarrationSuppressed(ctx, reason)
		return
	}
	c.metrics.RecordNarrationAccepted(ctx, string(n.Category))

	if c.notifier == nil {
		return
	}
	st.deliveries.Add(1)
	go func() {
		defer st.deliveries.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.DeliveryTimeout)
		defer cancel()
		if err := c.notifier.Notify(dctx, n.Text); err != nil {
			c.logger.Warn("narration delivery failed: %v", err)
			c.metrics.RecordNarrationDelivery(dctx, "error")
			return
		}
		c.metrics.RecordNarrationDelivery(dctx, "ok")
	}()
}

// interpretResult decides whether a tool result payload reports a failure.
func interpretResult(result string) (success bool, errMsg string) {
	lower := strings.ToLower(result)
	switch {
	case strings.Contains(lower, `"error"`),
		strings.Contains(lower, "error:"),
		strings.Contains(lower, `"success":false`),
		strings.Contains(lower, `"success": false`):
		return false, result
	}
	return true, ""
}

// dataOperationFor derives a data-operation entry from query-style tool
// parameters, when present.
func dataOperationFor(call trace.ToolCall) *conversation.DataOperation {
	query := call.Parameters["query"]
	if query == "" {
		query = call.Parameters["sql"]
	}
	if query == "" {
		return nil
	}
	return &conversation.DataOperation{
		Source: call.ToolName,
		Query:  query,
	}
}

func toolNameOrUnknown(name string) string {
	if name == "" {
		return "unknown_tool"
	}
	return name
}

// composeInput appends the temporal context so the agent resolves relative
// dates ("this quarter") against the user's clock, not the provider's.
func composeInput(req Request) string {
	if req.TemporalContext == "" {
		return req.Query
	}
	return req.Query + "\n\nCurrent date context: " + req.TemporalContext
}
