// Package commands implements a small chat command dispatcher. It consumes
// chat_message events off the bus, matches a "!" prefix against registered
// handlers, and publishes bot_response events targeted back at the
// originating platform and channel.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatbridge/bus"
)

// HandlerFunc produces a reply for a parsed command. Returning an empty
// string suppresses the response.
type HandlerFunc func(ctx context.Context, msg bus.ChatMessage, args []string) (string, error)

// Dispatcher routes !commands from incoming chat to registered handlers.
type Dispatcher struct {
	bus     *bus.Bus
	started time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates a dispatcher with the built-in commands registered.
// Call Start to begin consuming chat messages.
func NewDispatcher(b *bus.Bus) *Dispatcher {
	d := &Dispatcher{
		bus:      b,
		started:  time.Now(),
		handlers: map[string]HandlerFunc{},
	}
	d.Register("ping", d.cmdPing)
	d.Register("uptime", d.cmdUptime)
	d.Register("commands", d.cmdCommands)
	return d
}

// Register adds or replaces a command handler. The name is matched without
// the "!" prefix, case-insensitively.
func (d *Dispatcher) Register(name string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[strings.ToLower(name)] = fn
}

// Start subscribes the dispatcher to chat traffic.
func (d *Dispatcher) Start() {
	d.bus.Subscribe(bus.KindChatMessage, d.handleChat)
}

// Stop detaches the dispatcher from the bus.
func (d *Dispatcher) Stop() {
	d.bus.Unsubscribe(bus.KindChatMessage, d.handleChat)
}

func (d *Dispatcher) handleChat(ctx context.Context, ev bus.Event) {
	msg, ok := ev.Payload.(bus.ChatMessage)
	if !ok {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "!") {
		return
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])

	d.mu.RLock()
	fn, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		return
	}

	reply, err := fn(ctx, msg, fields[1:])
	if err != nil {
		slog.Warn("command handler failed",
			slog.String("command", name),
			slog.String("platform", msg.Platform),
			slog.Any("err", err))
		return
	}
	if reply == "" {
		return
	}
	d.bus.Publish(bus.NewEvent(bus.KindBotResponse, bus.BotResponse{
		Platform: msg.Platform,
		Channel:  msg.Channel,
		Text:     reply,
		ReplyTo:  msg.MessageID,
	}))
}

func (d *Dispatcher) cmdPing(_ context.Context, _ bus.ChatMessage, _ []string) (string, error) {
	return "pong", nil
}

func (d *Dispatcher) cmdUptime(_ context.Context, _ bus.ChatMessage, _ []string) (string, error) {
	return "up " + formatDuration(time.Since(d.started)), nil
}

func (d *Dispatcher) cmdCommands(_ context.Context, _ bus.ChatMessage, _ []string) (string, error) {
	d.mu.RLock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, "!"+name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return strings.Join(names, " "), nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
