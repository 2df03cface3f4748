package slackgw

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

var mentionPrefix = regexp.MustCompile(`^\s*<@[A-Z0-9]+>\s*`)

// Run connects to Slack over Socket Mode and blocks until the context is
// cancelled. In-flight conversations keep running; call Wait afterwards to
// drain them.
func (g *Gateway) Run(ctx context.Context) error {
	tokens, err := g.tokens.Tokens(ctx)
	if err != nil {
		return fmt.Errorf("resolve slack tokens: %w", err)
	}

	api := slack.New(tokens.BotToken, slack.OptionAppLevelToken(tokens.AppToken))
	if g.messenger == nil {
		g.messenger = &slackMessenger{api: api}
	}
	client := socketmode.New(api)

	go g.eventLoop(ctx, client)

	g.logger.Info("slack gateway connecting over socket mode")
	return client.RunContext(ctx)
}

func (g *Gateway) eventLoop(ctx context.Context, client *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-client.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				g.logger.Info("slack socket connected")
			case socketmode.EventTypeConnectionError:
				g.logger.Warn("slack socket connection error: %v", evt.Data)
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				// Ack before processing: conversations run for minutes and
				// Slack redelivers unacked events.
				if evt.Request != nil {
					client.Ack(*evt.Request)
				}
				g.dispatchEvent(ctx, apiEvent)
			}
		}
	}
}

func (g *Gateway) dispatchEvent(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch event := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		if !g.cfg.AllowGroups {
			return
		}
		g.spawn(ctx, Inbound{
			Text:      stripMention(event.Text),
			UserID:    event.User,
			Channel:   event.Channel,
			ThreadTS:  event.ThreadTimeStamp,
			MessageTS: event.TimeStamp,
		})
	case *slackevents.MessageEvent:
		// Direct messages only; channel traffic arrives as app mentions.
		// Bot echoes and edits are skipped.
		if event.ChannelType != "im" || !g.cfg.AllowDirect {
			return
		}
		if event.BotID != "" || event.SubType != "" {
			return
		}
		g.spawn(ctx, Inbound{
			Text:      event.Text,
			UserID:    event.User,
			Channel:   event.Channel,
			ThreadTS:  event.ThreadTimeStamp,
			MessageTS: event.TimeStamp,
		})
	}
}

// spawn runs one conversation on its own goroutine, tracked for shutdown.
func (g *Gateway) spawn(ctx context.Context, msg Inbound) {
	g.active.Add(1)
	go func() {
		defer g.active.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("conversation handler panicked for %s: %v", msg.Channel, r)
			}
		}()
		g.HandleMessage(ctx, msg)
	}()
}

func stripMention(text string) string {
	return strings.TrimSpace(mentionPrefix.ReplaceAllString(text, ""))
}

// slackMessenger is the SDK-backed Messenger.
type slackMessenger struct {
	api *slack.Client
}

func (m *slackMessenger) PostMessage(ctx context.Context, channel, text, threadTS string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := m.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", fmt.Errorf("post message to %s: %w", channel, err)
	}
	return ts, nil
}

func (m *slackMessenger) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	_, _, _, err := m.api.UpdateMessageContext(ctx, channel, ts, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("update message %s in %s: %w", ts, channel, err)
	}
	return nil
}
