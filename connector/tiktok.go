package connector

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/onnwee/chatbridge/bus"
	"github.com/onnwee/chatbridge/relay"
	"github.com/onnwee/chatbridge/telemetry"
)

const platformTikTok = "tiktok"

// TikTok has no native chat API; a browser extension feeds pre-normalized
// frames through a single-peer socket relay. There is no authentication
// state here; the connector moves directly between connected and
// disconnected as the relay's peer comes and goes.
type TikTok struct {
	bus   *bus.Bus
	relay *relay.Relay
	out   chan bus.BotResponse
}

// extensionFrame is the wire envelope spoken with the browser extension.
type extensionFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// extensionChat is the payload of inbound "chat_message" frames.
type extensionChat struct {
	User        string `json:"user"`
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
	MessageID   string `json:"message_id"`
	UserID      string `json:"user_id"`
}

// sendPayload is the payload of outbound "send_message" frames.
type sendPayload struct {
	Text string `json:"text"`
}

// NewTikTok creates the socket-bridge connector. The relay's status hook is
// claimed here; the relay must be dedicated to this connector.
func NewTikTok(b *bus.Bus, r *relay.Relay) *TikTok {
	c := &TikTok{
		bus:   b,
		relay: r,
		out:   make(chan bus.BotResponse, 32),
	}
	r.OnStatus = func(connected bool) {
		state := StatusDisconnected
		if connected {
			state = StatusConnected
		}
		publishStatus(b, platformTikTok, state, "")
	}
	return c
}

func (c *TikTok) Platform() string { return platformTikTok }

// Relay exposes the owned relay so the HTTP layer can attach upgraded
// extension connections.
func (c *TikTok) Relay() *relay.Relay { return c.relay }

// Run consumes relay frames and outbound responses until ctx is done.
func (c *TikTok) Run(ctx context.Context) error {
	c.relay.SetEnabled(true)
	defer c.relay.SetEnabled(false)
	defer publishStatus(c.bus, platformTikTok, StatusStopped, "")

	c.bus.Subscribe(bus.KindBotResponse, c.handleBotResponse)
	defer c.bus.Unsubscribe(bus.KindBotResponse, c.handleBotResponse)

	if c.relay.Connected() {
		publishStatus(c.bus, platformTikTok, StatusConnected, "")
	} else {
		publishStatus(c.bus, platformTikTok, StatusDisconnected, "waiting for extension")
	}

	for {
		select {
		case <-ctx.Done():
			c.relay.Close()
			return ctx.Err()
		case data := <-c.relay.Inbound():
			c.handleFrame(data)
		case resp := <-c.out:
			frame, err := json.Marshal(extensionFrame{
				Type:    "send_message",
				Payload: mustJSON(sendPayload{Text: resp.Text}),
			})
			if err != nil {
				continue
			}
			if err := c.relay.Send(frame); err != nil {
				telemetry.IncSendErrors(platformTikTok)
			} else {
				telemetry.IncMessagesSent(platformTikTok)
			}
		}
	}
}

// handleFrame normalizes one inbound extension frame onto the bus.
func (c *TikTok) handleFrame(data []byte) {
	var f extensionFrame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("tiktok: malformed extension frame", slog.Any("err", err))
		return
	}
	switch f.Type {
	case "chat_message":
		var chat extensionChat
		if err := json.Unmarshal(f.Payload, &chat); err != nil {
			slog.Warn("tiktok: malformed chat payload", slog.Any("err", err))
			return
		}
		if chat.Text == "" {
			return
		}
		telemetry.IncMessagesReceived(platformTikTok)
		var raw map[string]any
		_ = json.Unmarshal(f.Payload, &raw)
		c.bus.Publish(bus.NewEvent(bus.KindChatMessage, bus.ChatMessage{
			Platform:    platformTikTok,
			User:        chat.User,
			DisplayName: chat.DisplayName,
			Text:        chat.Text,
			MessageID:   chat.MessageID,
			UserID:      chat.UserID,
			Timestamp:   time.Now().UTC(),
			Raw:         raw,
		}))
	default:
		slog.Debug("tiktok: ignoring extension frame", slog.String("type", f.Type))
	}
}

func (c *TikTok) handleBotResponse(_ context.Context, ev bus.Event) {
	resp, ok := ev.Payload.(bus.BotResponse)
	if !ok || resp.Platform != platformTikTok {
		return
	}
	enqueueResponse(c.out, platformTikTok, resp)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
