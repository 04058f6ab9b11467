package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chatbridge/bus"
	"github.com/onnwee/chatbridge/telemetry"
	"github.com/onnwee/chatbridge/tokenstore"
)

const platformTwitch = "twitch"

// Twitch supervises one IRC chat session using a user OAuth token from the
// token store. The session streams; there is no poll cursor.
type Twitch struct {
	bus     *bus.Bus
	tokens  *tokenstore.Store
	channel string
	login   string // bot login used when the token record has none

	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxTries       int

	out chan bus.BotResponse
}

// NewTwitch creates the Twitch connector for channel. login is the bot
// account name used if the stored token carries no login.
func NewTwitch(b *bus.Bus, tokens *tokenstore.Store, channel, login string) *Twitch {
	return &Twitch{
		bus:            b,
		tokens:         tokens,
		channel:        channel,
		login:          login,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		maxTries:       defaultMaxTries,
		out:            make(chan bus.BotResponse, 32),
	}
}

func (c *Twitch) Platform() string { return platformTwitch }

// Run is the supervising loop: wait for credentials, run one IRC session,
// classify the failure, repeat. It returns only when ctx is cancelled.
func (c *Twitch) Run(ctx context.Context) error {
	if c.channel == "" {
		// missing app-level configuration disables only this platform
		slog.Error("twitch channel not configured; connector disabled", slog.String("platform", platformTwitch))
		publishStatus(c.bus, platformTwitch, StatusError, "channel not configured")
		<-ctx.Done()
		return ctx.Err()
	}

	c.bus.Subscribe(bus.KindBotResponse, c.handleBotResponse)
	defer c.bus.Unsubscribe(bus.KindBotResponse, c.handleBotResponse)
	defer publishStatus(c.bus, platformTwitch, StatusStopped, "")

	bo := newSessionBackOff(c.initialBackoff, c.maxBackoff)
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tok, ok := c.tokens.Load(platformTwitch)
		if !ok {
			publishStatus(c.bus, platformTwitch, StatusWaitingForAuth, "")
			if err := c.tokens.WaitForCredentials(ctx, platformTwitch); err != nil {
				return err
			}
			continue
		}

		publishStatus(c.bus, platformTwitch, StatusConnecting, "")
		err := c.runSession(ctx, tok)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch Classify(err) {
		case ClassAuth:
			slog.Warn("twitch auth rejected; clearing token", slog.Any("err", err))
			if cerr := c.tokens.Clear(platformTwitch); cerr != nil {
				slog.Error("twitch token clear failed", slog.Any("err", cerr))
			}
			publishStatus(c.bus, platformTwitch, StatusAuthError, err.Error())
			bo.Reset()
			failures = 0
		default:
			failures++
			publishStatus(c.bus, platformTwitch, StatusDisconnected, errDetail(err))
			if failures >= c.maxTries {
				publishStatus(c.bus, platformTwitch, StatusError,
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

// runSession connects, joins the channel, and pumps messages until the
// session drops or ctx is cancelled.
func (c *Twitch) runSession(ctx context.Context, tok tokenstore.Token) error {
	login := tok.Login
	if login == "" {
		login = c.login
	}
	if login == "" {
		return fmt.Errorf("no bot login available for twitch session")
	}

	client := twitch.NewClient(login, "oauth:"+tok.AccessToken)
	client.OnConnect(func() {
		publishStatus(c.bus, platformTwitch, StatusConnected, "")
	})
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		telemetry.IncMessagesReceived(platformTwitch)
		c.bus.Publish(bus.NewEvent(bus.KindChatMessage, bus.ChatMessage{
			Platform:    platformTwitch,
			Channel:     m.Channel,
			User:        m.User.Name,
			DisplayName: m.User.DisplayName,
			Text:        m.Message,
			MessageID:   m.ID,
			UserID:      m.User.ID,
			Timestamp:   time.Now().UTC(),
			Raw: map[string]any{
				"color":  m.User.Color,
				"badges": m.User.Badges,
			},
		}))
	})
	client.Join(c.channel)

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	// Outbound sender: offloads Say calls so a stalled send path never
	// touches the bus worker.
	go func() {
		for {
			select {
			case <-sessionCtx.Done():
				return
			case resp := <-c.out:
				channel := resp.Channel
				if channel == "" {
					channel = c.channel
				}
				client.Say(channel, resp.Text)
				telemetry.IncMessagesSent(platformTwitch)
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- client.Connect() }()

	select {
	case <-ctx.Done():
		_ = client.Disconnect()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (c *Twitch) handleBotResponse(_ context.Context, ev bus.Event) {
	resp, ok := ev.Payload.(bus.BotResponse)
	if !ok || resp.Platform != platformTwitch {
		return
	}
	enqueueResponse(c.out, platformTwitch, resp)
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
