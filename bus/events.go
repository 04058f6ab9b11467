// Package bus implements the in-process publish/subscribe broker that connects
// platform connectors to downstream consumers (command dispatcher, dashboard).
// Events are delivered in strict publish order; handlers for a single event run
// concurrently with each other.
package bus

import "time"

// Kind identifies an event type on the bus.
type Kind string

const (
	// KindMessage is the supertype for both inbound and outbound chat traffic.
	// Subscribing to it receives KindChatMessage and KindBotResponse events.
	KindMessage Kind = "message"

	KindChatMessage     Kind = "chat_message"
	KindBotResponse     Kind = "bot_response"
	KindStatusUpdate    Kind = "status_update"
	KindStreamerInput   Kind = "streamer_input"
	KindSettingsChanged Kind = "settings_changed"
	KindLogMessage      Kind = "log_message"
)

// supertypes declares the kind hierarchy at definition time. Fan-out is a
// direct registry lookup; the bus never inspects payload types at runtime.
var supertypes = map[Kind][]Kind{
	KindChatMessage: {KindMessage},
	KindBotResponse: {KindMessage},
}

// Supertypes returns the declared supertype kinds for k (nil for most kinds).
func Supertypes(k Kind) []Kind { return supertypes[k] }

// Event is an immutable tagged payload. Create via NewEvent and never mutate
// the payload after publishing.
type Event struct {
	Kind    Kind
	Payload any
	At      time.Time
}

// NewEvent stamps payload with kind and the current time.
func NewEvent(kind Kind, payload any) Event {
	return Event{Kind: kind, Payload: payload, At: time.Now().UTC()}
}

// ChatMessage is a normalized inbound chat message produced by a connector.
type ChatMessage struct {
	Platform    string         `json:"platform"`
	Channel     string         `json:"channel,omitempty"`
	User        string         `json:"user"`
	DisplayName string         `json:"display_name,omitempty"`
	Text        string         `json:"text"`
	MessageID   string         `json:"message_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// BotResponse is an outbound message targeted at one platform's send path.
type BotResponse struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel,omitempty"`
	Text     string `json:"text"`
	ReplyTo  string `json:"reply_to,omitempty"`
}

// StatusUpdate reports a connector or service state transition.
type StatusUpdate struct {
	Service string `json:"service"`
	State   string `json:"state"`
	Detail  string `json:"detail,omitempty"`
}

// StreamerInput is operator-typed input arriving from the dashboard socket.
type StreamerInput struct {
	Text string `json:"text"`
}

// LogMessage mirrors a log line onto the bus for the dashboard socket.
type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
