package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/chatbridge/bus"
	"github.com/onnwee/chatbridge/kickapi"
	"github.com/onnwee/chatbridge/telemetry"
	"github.com/onnwee/chatbridge/tokenstore"
)

const platformKick = "kick"

// Kick polls a channel's chatroom messages behind an opaque cursor. The
// cursor advances only after a batch has been published, so a failed publish
// cycle re-reads the same window instead of skipping messages.
type Kick struct {
	bus     *bus.Bus
	tokens  *tokenstore.Store
	client  *kickapi.Client
	channel string // channel slug

	pollInterval        time.Duration
	rateLimitMultiplier float64
	initialBackoff      time.Duration
	maxBackoff          time.Duration
	maxTries            int

	out chan bus.BotResponse
}

// NewKick creates the Kick connector for the channel slug.
func NewKick(b *bus.Bus, tokens *tokenstore.Store, client *kickapi.Client, channel string, pollInterval time.Duration, rateLimitMultiplier float64) *Kick {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	if rateLimitMultiplier < 2 {
		rateLimitMultiplier = 5
	}
	if client == nil {
		client = &kickapi.Client{}
	}
	return &Kick{
		bus:                 b,
		tokens:              tokens,
		client:              client,
		channel:             channel,
		pollInterval:        pollInterval,
		rateLimitMultiplier: rateLimitMultiplier,
		initialBackoff:      defaultInitialBackoff,
		maxBackoff:          defaultMaxBackoff,
		maxTries:            defaultMaxTries,
		out:                 make(chan bus.BotResponse, 32),
	}
}

func (c *Kick) Platform() string { return platformKick }

// Run supervises the poll session with the shared park/backoff policy.
func (c *Kick) Run(ctx context.Context) error {
	if c.channel == "" {
		slog.Error("kick channel not configured; connector disabled", slog.String("platform", platformKick))
		publishStatus(c.bus, platformKick, StatusError, "channel not configured")
		<-ctx.Done()
		return ctx.Err()
	}

	c.bus.Subscribe(bus.KindBotResponse, c.handleBotResponse)
	defer c.bus.Unsubscribe(bus.KindBotResponse, c.handleBotResponse)
	defer publishStatus(c.bus, platformKick, StatusStopped, "")

	bo := newSessionBackOff(c.initialBackoff, c.maxBackoff)
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tok, ok := c.tokens.Load(platformKick)
		if !ok {
			publishStatus(c.bus, platformKick, StatusWaitingForAuth, "")
			if err := c.tokens.WaitForCredentials(ctx, platformKick); err != nil {
				return err
			}
			continue
		}

		publishStatus(c.bus, platformKick, StatusConnecting, "")
		err := c.runSession(ctx, tok)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch Classify(err) {
		case ClassAuth:
			slog.Warn("kick auth rejected; clearing token", slog.Any("err", err))
			if cerr := c.tokens.Clear(platformKick); cerr != nil {
				slog.Error("kick token clear failed", slog.Any("err", cerr))
			}
			publishStatus(c.bus, platformKick, StatusAuthError, errDetail(err))
			bo.Reset()
			failures = 0
		default:
			failures++
			publishStatus(c.bus, platformKick, StatusDisconnected, errDetail(err))
			if failures >= c.maxTries {
				publishStatus(c.bus, platformKick, StatusError,
					fmt.Sprintf("giving up after %d attempts", failures))
				bo.Reset()
				failures = 0
			}
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return ctx.Err()
			}
		}
	}
}

// runSession resolves the chatroom then polls until a non-rate-limit error.
func (c *Kick) runSession(ctx context.Context, tok tokenstore.Token) error {
	ch, err := c.client.GetChannel(ctx, tok.AccessToken, c.channel)
	if err != nil {
		return err
	}
	publishStatus(c.bus, platformKick, StatusConnected, "")

	cursor := ""
	first := true
	for {
		var page *kickapi.MessagesPage
		var pollErr error
		telemetry.TimePoll(func() {
			page, pollErr = c.client.GetMessages(ctx, tok.AccessToken, ch.ChatroomID, cursor)
		})
		telemetry.IncPollCycles(platformKick)

		if pollErr != nil {
			switch Classify(pollErr) {
			case ClassRateLimit:
				slog.Warn("kick rate limited", slog.Any("err", pollErr))
				if !sleepCtx(ctx, nextPollDelay(c.pollInterval, retryAfterHint(pollErr), c.rateLimitMultiplier, true)) {
					return ctx.Err()
				}
				continue
			default:
				return pollErr
			}
		}

		// The first page is history; publishing starts with the second.
		if !first {
			for _, m := range page.Messages {
				telemetry.IncMessagesReceived(platformKick)
				c.bus.Publish(bus.NewEvent(bus.KindChatMessage, bus.ChatMessage{
					Platform:    platformKick,
					Channel:     c.channel,
					User:        m.Sender.Slug,
					DisplayName: m.Sender.Username,
					Text:        m.Content,
					MessageID:   m.ID,
					UserID:      fmt.Sprintf("%d", m.Sender.ID),
					Timestamp:   m.CreatedAt,
				}))
			}
		}
		first = false
		// Advance the cursor only after the batch was published.
		if page.Cursor != "" {
			cursor = page.Cursor
		}

		c.drainOutbound(ctx, tok, ch.ChatroomID)
		if !sleepCtx(ctx, nextPollDelay(c.pollInterval, 0, c.rateLimitMultiplier, false)) {
			return ctx.Err()
		}
	}
}

func (c *Kick) drainOutbound(ctx context.Context, tok tokenstore.Token, chatroomID int64) {
	for {
		select {
		case resp := <-c.out:
			if err := c.client.SendMessage(ctx, tok.AccessToken, chatroomID, resp.Text); err != nil {
				telemetry.IncSendErrors(platformKick)
				slog.Error("kick send failed", slog.Any("err", err))
			} else {
				telemetry.IncMessagesSent(platformKick)
			}
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

func (c *Kick) handleBotResponse(_ context.Context, ev bus.Event) {
	resp, ok := ev.Payload.(bus.BotResponse)
	if !ok || resp.Platform != platformKick {
		return
	}
	enqueueResponse(c.out, platformKick, resp)
}
