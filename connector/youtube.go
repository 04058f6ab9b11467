package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatbridge/bus"
	"github.com/onnwee/chatbridge/telemetry"
	"github.com/onnwee/chatbridge/tokenstore"
	"github.com/onnwee/chatbridge/youtubeapi"
)

const platformYouTube = "youtube"

// YouTube polls the active broadcast's live chat. The page token is an
// opaque cursor advanced only after a batch has been published; the server's
// polling-interval hint is honored and rate-limit responses back off by the
// configured multiplier.
type YouTube struct {
	bus    *bus.Bus
	tokens *tokenstore.Store
	svc    *youtubeapi.Service

	pollInterval        time.Duration
	rateLimitMultiplier float64
	initialBackoff      time.Duration
	maxBackoff          time.Duration
	maxTries            int

	out chan bus.BotResponse
}

// NewYouTube creates the YouTube connector. pollInterval is the steady-state
// poll cadence; rateLimitMultiplier scales it after a rate-limit signal.
func NewYouTube(b *bus.Bus, tokens *tokenstore.Store, svc *youtubeapi.Service, pollInterval time.Duration, rateLimitMultiplier float64) *YouTube {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if rateLimitMultiplier < 2 {
		rateLimitMultiplier = 5
	}
	return &YouTube{
		bus:                 b,
		tokens:              tokens,
		svc:                 svc,
		pollInterval:        pollInterval,
		rateLimitMultiplier: rateLimitMultiplier,
		initialBackoff:      defaultInitialBackoff,
		maxBackoff:          defaultMaxBackoff,
		maxTries:            defaultMaxTries,
		out:                 make(chan bus.BotResponse, 32),
	}
}

func (c *YouTube) Platform() string { return platformYouTube }

// Run supervises the poll session, parking on the token store whenever
// credentials are missing or rejected.
func (c *YouTube) Run(ctx context.Context) error {
	c.bus.Subscribe(bus.KindBotResponse, c.handleBotResponse)
	defer c.bus.Unsubscribe(bus.KindBotResponse, c.handleBotResponse)
	defer publishStatus(c.bus, platformYouTube, StatusStopped, "")

	bo := newSessionBackOff(c.initialBackoff, c.maxBackoff)
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, ok := c.tokens.Load(platformYouTube); !ok {
			publishStatus(c.bus, platformYouTube, StatusWaitingForAuth, "")
			if err := c.tokens.WaitForCredentials(ctx, platformYouTube); err != nil {
				return err
			}
			continue
		}

		publishStatus(c.bus, platformYouTube, StatusConnecting, "")
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch Classify(err) {
		case ClassAuth:
			slog.Warn("youtube auth rejected; clearing token", slog.Any("err", err))
			if cerr := c.tokens.Clear(platformYouTube); cerr != nil {
				slog.Error("youtube token clear failed", slog.Any("err", cerr))
			}
			publishStatus(c.bus, platformYouTube, StatusAuthError, errDetail(err))
			bo.Reset()
			failures = 0
		default:
			failures++
			publishStatus(c.bus, platformYouTube, StatusDisconnected, errDetail(err))
			if failures >= c.maxTries {
				publishStatus(c.bus, platformYouTube, StatusError,
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

// runSession builds the API client, finds the active chat, and polls until
// the session fails or ctx is cancelled.
func (c *YouTube) runSession(ctx context.Context) error {
	svc, err := c.svc.Client(ctx)
	if err != nil {
		return err
	}
	chatID, err := youtubeapi.ActiveLiveChatID(svc)
	if err != nil {
		// ErrNoActiveBroadcast falls through as a normal transient failure
		return err
	}
	publishStatus(c.bus, platformYouTube, StatusConnected, "")

	pageToken := ""
	first := true
	for {
		var page *youtubeapi.ChatPage
		var pollErr error
		telemetry.TimePoll(func() {
			page, pollErr = youtubeapi.PollMessages(svc, chatID, pageToken)
		})
		telemetry.IncPollCycles(platformYouTube)

		if pollErr != nil {
			switch Classify(pollErr) {
			case ClassRateLimit:
				slog.Warn("youtube rate limited", slog.Any("err", pollErr))
				if !sleepCtx(ctx, nextPollDelay(c.pollInterval, retryAfterHint(pollErr), c.rateLimitMultiplier, true)) {
					return ctx.Err()
				}
				continue
			default:
				return pollErr
			}
		}

		// The first page replays history; publish only from the second
		// page onward so a restart does not re-emit old chat.
		if !first {
			for _, item := range page.Messages {
				telemetry.IncMessagesReceived(platformYouTube)
				c.bus.Publish(bus.NewEvent(bus.KindChatMessage, bus.ChatMessage{
					Platform:    platformYouTube,
					Channel:     chatID,
					User:        item.Author,
					DisplayName: item.Author,
					Text:        item.Text,
					MessageID:   item.ID,
					UserID:      item.AuthorID,
					Timestamp:   item.PublishedAt,
				}))
			}
		}
		first = false
		// Cursor advances only after the batch above was published.
		pageToken = page.NextPageToken

		c.drainOutbound(ctx, svc, chatID)
		if !sleepCtx(ctx, nextPollDelay(c.pollInterval, page.PollingInterval, c.rateLimitMultiplier, false)) {
			return ctx.Err()
		}
	}
}

// drainOutbound sends every queued response through the live chat API.
func (c *YouTube) drainOutbound(ctx context.Context, svc *yt.Service, chatID string) {
	for {
		select {
		case resp := <-c.out:
			if err := youtubeapi.SendMessage(svc, chatID, resp.Text); err != nil {
				telemetry.IncSendErrors(platformYouTube)
				slog.Error("youtube send failed", slog.Any("err", err))
			} else {
				telemetry.IncMessagesSent(platformYouTube)
			}
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

func (c *YouTube) handleBotResponse(_ context.Context, ev bus.Event) {
	resp, ok := ev.Payload.(bus.BotResponse)
	if !ok || resp.Platform != platformYouTube {
		return
	}
	enqueueResponse(c.out, platformYouTube, resp)
}
