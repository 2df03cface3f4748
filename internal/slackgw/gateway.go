// Package slackgw bridges Slack Socket Mode events into the conversation
// pipeline: each inbound message gets a placeholder reply, a full agent
// invocation with live narration updates, a final response edit, and an
// export of the sealed conversation record.
package slackgw

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"sonar/internal/agentcall"
	"sonar/internal/consumer"
	"sonar/internal/conversation"
	"sonar/internal/export"
	"sonar/internal/logging"
	"sonar/internal/observability"
)

const (
	messageDedupCacheSize = 2048
	messageDedupTTL       = 10 * time.Minute
)

// Config tunes the gateway.
type Config struct {
	AllowDirect          bool
	AllowGroups          bool
	PlaceholderText      string
	InvokeTimeout        time.Duration
	FinalDeliveryTimeout time.Duration
	ExportTimeout        time.Duration
	SessionPrefix        string
}

const (
	defaultPlaceholderText      = "🤔 Working on it..."
	defaultInvokeTimeout        = 14 * time.Minute
	defaultFinalDeliveryTimeout = 10 * time.Second
	defaultExportTimeout        = 30 * time.Second
)

// failureNotice replaces silence when the conversation could not produce an
// answer.
const failureNotice = "⚠️ I ran into a problem and couldn't finish that request. Please try again in a moment."

// Messenger is the outbound chat surface. The SDK-backed implementation is
// swapped for a recording one in tests.
type Messenger interface {
	PostMessage(ctx context.Context, channel, text, threadTS string) (ts string, err error)
	UpdateMessage(ctx context.Context, channel, ts, text string) error
}

// Runner processes one conversation; satisfied by *consumer.Consumer.
type Runner interface {
	Run(ctx context.Context, req consumer.Request) *conversation.Record
}

// Exporter persists sealed records; satisfied by *export.Exporter.
type Exporter interface {
	Export(ctx context.Context, record *conversation.Record) *export.Document
}

// Inbound is one unwrapped user message.
type Inbound struct {
	Text      string
	UserID    string
	Channel   string
	ThreadTS  string
	MessageTS string
}

// Gateway owns the Slack connection and fans inbound messages out to
// per-conversation goroutines.
type Gateway struct {
	cfg       Config
	invoker   agentcall.Invoker
	consumerC consumer.Config
	exporter  Exporter
	tokens    TokenSource
	messenger Messenger
	newRunner func(consumer.Notifier) Runner
	metrics   *observability.MetricsCollector
	tracing   *observability.TracerProvider
	logger    logging.Logger

	dedupMu    sync.Mutex
	dedupCache *lru.Cache[string, time.Time]
	now        func() time.Time
	active     sync.WaitGroup
}

// NewGateway constructs the gateway. The messenger is created from the Slack
// SDK on Run unless a custom one is injected first.
func NewGateway(cfg Config, invoker agentcall.Invoker, consumerCfg consumer.Config, exporter Exporter, tokens TokenSource, metrics *observability.MetricsCollector, tracing *observability.TracerProvider, logger logging.Logger) (*Gateway, error) {
	if invoker == nil {
		return nil, fmt.Errorf("slack gateway requires an agent invoker")
	}
	if exporter == nil {
		return nil, fmt.Errorf("slack gateway requires an exporter")
	}
	if tokens == nil {
		return nil, fmt.Errorf("slack gateway requires a token source")
	}
	if cfg.PlaceholderText == "" {
		cfg.PlaceholderText = defaultPlaceholderText
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	if cfg.FinalDeliveryTimeout <= 0 {
		cfg.FinalDeliveryTimeout = defaultFinalDeliveryTimeout
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = defaultExportTimeout
	}
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = "slack"
	}
	dedupCache, err := lru.New[string, time.Time](messageDedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("message deduper init: %w", err)
	}
	logger = logging.OrNop(logger)
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}

	g := &Gateway{
		cfg:        cfg,
		invoker:    invoker,
		consumerC:  consumerCfg,
		exporter:   exporter,
		tokens:     tokens,
		metrics:    metrics,
		tracing:    tracing,
		logger:     logger,
		dedupCache: dedupCache,
		now:        time.Now,
	}
	g.newRunner = func(n consumer.Notifier) Runner {
		return consumer.New(g.invoker, n, g.consumerC, g.metrics, g.logger)
	}
	return g, nil
}

// SetMessenger replaces the SDK messenger. Primary injection point for tests.
func (g *Gateway) SetMessenger(m Messenger) {
	g.messenger = m
}

// SetRunnerFactory replaces the consumer factory. Test injection point.
func (g *Gateway) SetRunnerFactory(f func(consumer.Notifier) Runner) {
	g.newRunner = f
}

// SetClock injects a clock for tests.
func (g *Gateway) SetClock(now func() time.Time) {
	g.now = now
}

// Wait blocks until all in-flight conversations have finished. Used during
// graceful shutdown after the socket loop stops accepting events.
func (g *Gateway) Wait() {
	g.active.Wait()
}

// HandleMessage processes one inbound message synchronously: placeholder,
// conversation run, final delivery, export. Callers run it on its own
// goroutine; nothing here is shared across conversations except the
// messenger and the dedup cache.
func (g *Gateway) HandleMessage(ctx context.Context, msg Inbound) {
	if msg.Text == "" || msg.Channel == "" {
		return
	}
	if g.isDuplicateMessage(msg.Channel + "/" + msg.MessageTS) {
		g.logger.Debug("duplicate message skipped: %s %s", msg.Channel, msg.MessageTS)
		return
	}
	ctx, endSpan := g.startSpan(ctx, msg)
	defer endSpan()

	placeholderTS, err := g.messenger.PostMessage(ctx, msg.Channel, g.cfg.PlaceholderText, msg.ThreadTS)
	if err != nil {
		// Without a placeholder there is nothing to edit; narrations and the
		// final response fall back to posting.
		g.logger.Warn("placeholder post failed for %s: %v", msg.Channel, err)
		placeholderTS = ""
	}

	notifier := &messageNotifier{
		messenger: g.messenger,
		channel:   msg.Channel,
		ts:        placeholderTS,
		threadTS:  msg.ThreadTS,
	}
	runner := g.newRunner(notifier)

	runCtx, cancel := context.WithTimeout(ctx, g.cfg.InvokeTimeout)
	record := runner.Run(runCtx, consumer.Request{
		Query:           msg.Text,
		UserID:          msg.UserID,
		Channel:         msg.Channel,
		SessionID:       g.sessionID(msg),
		TemporalContext: g.now().Format("Monday, January 2, 2006 (15:04 MST)"),
	})
	cancel()

	g.deliverFinal(ctx, msg, placeholderTS, record)

	// Export runs even when the host context is going away: a cancelled
	// conversation still deserves its record.
	exportCtx, cancelExport := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.ExportTimeout)
	defer cancelExport()
	g.exporter.Export(exportCtx, record)
}

// deliverFinal edits the placeholder into the final response, falling back
// to a fresh threaded post. The message is never left showing the
// placeholder: a failed conversation gets an explicit failure notice.
func (g *Gateway) deliverFinal(ctx context.Context, msg Inbound, placeholderTS string, record *conversation.Record) {
	text := record.FinalResponse
	if !record.Success || text == "" {
		text = failureNotice
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.FinalDeliveryTimeout)
	defer cancel()

	if placeholderTS != "" {
		err := g.messenger.UpdateMessage(dctx, msg.Channel, placeholderTS, text)
		if err == nil {
			return
		}
		g.logger.Warn("final update failed for %s, posting instead: %v", msg.Channel, err)
	}
	if _, err := g.messenger.PostMessage(dctx, msg.Channel, text, msg.ThreadTS); err != nil {
		g.logger.Error("final response delivery failed entirely for conversation %s: %v",
			record.ConversationID, err)
	}
}

// sessionID keys provider sessions by channel and thread, so follow-ups in
// the same thread share agent memory.
func (g *Gateway) sessionID(msg Inbound) string {
	if msg.ThreadTS != "" {
		return fmt.Sprintf("%s-%s-%s", g.cfg.SessionPrefix, msg.Channel, msg.ThreadTS)
	}
	return fmt.Sprintf("%s-%s", g.cfg.SessionPrefix, msg.Channel)
}

// isDuplicateMessage reports whether the key was seen within the dedup TTL.
// Socket Mode redelivers events on slow acks.
func (g *Gateway) isDuplicateMessage(key string) bool {
	g.dedupMu.Lock()
	defer g.dedupMu.Unlock()

	now := g.now()
	if ts, ok := g.dedupCache.Get(key); ok {
		if now.Sub(ts) <= messageDedupTTL {
			return true
		}
		g.dedupCache.Remove(key)
	}
	g.dedupCache.Add(key, now)
	return false
}

func (g *Gateway) startSpan(ctx context.Context, msg Inbound) (context.Context, func()) {
	if g.tracing == nil {
		return ctx, func() {}
	}
	ctx, span := g.tracing.StartSpan(ctx, observability.SpanConversation,
		observability.ConversationAttrs("", g.sessionID(msg))...)
	return ctx, func() { span.End() }
}

// messageNotifier binds narration delivery to one placeholder message.
type messageNotifier struct {
	messenger Messenger
	channel   string
	ts        string
	threadTS  string
}

func (n *messageNotifier) Notify(ctx context.Context, text string) error {
	if n.ts == "" {
		_, err := n.messenger.PostMessage(ctx, n.channel, text, n.threadTS)
		return err
	}
	return n.messenger.UpdateMessage(ctx, n.channel, n.ts, text)
}
