package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chatbridge/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser extension and dashboard run on their own origins; CORS policy
	// for the JSON API is handled separately.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 54 * time.Second
	wsClientSendSize = 64
)

// wsFrame is the envelope for every message crossing the dashboard socket.
type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at,omitempty"`
}

// dashboardHub fans bus traffic out to every connected dashboard client.
// Clients that cannot keep up are disconnected rather than blocking the bus.
type dashboardHub struct {
	bus *bus.Bus

	mu      sync.Mutex
	clients map[*dashClient]struct{}
}

type dashClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newDashboardHub(ctx context.Context, b *bus.Bus) *dashboardHub {
	h := &dashboardHub{
		bus:     b,
		clients: make(map[*dashClient]struct{}),
	}
	go func() {
		<-ctx.Done()
		h.closeAll()
	}()
	return h
}

// start subscribes the hub to the event kinds the dashboard renders.
// KindMessage is the supertype covering inbound chat and bot responses.
func (h *dashboardHub) start() {
	h.bus.Subscribe(bus.KindMessage, h.handleEvent)
	h.bus.Subscribe(bus.KindStatusUpdate, h.handleEvent)
	h.bus.Subscribe(bus.KindLogMessage, h.handleEvent)
}

func (h *dashboardHub) handleEvent(_ context.Context, ev bus.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		slog.Warn("dashboard event marshal failed", slog.String("kind", string(ev.Kind)), slog.Any("err", err))
		return
	}
	frame, err := json.Marshal(wsFrame{Type: string(ev.Kind), Payload: payload, At: ev.At})
	if err != nil {
		return
	}
	h.broadcast(frame)
}

func (h *dashboardHub) broadcast(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			// Slow consumer: drop the client, never the bus worker.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *dashboardHub) add(c *dashClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *dashboardHub) remove(c *dashClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *dashboardHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}

func (c *dashClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleDashboardWS upgrades a dashboard connection and bridges it to the bus.
func (h *Handlers) HandleDashboardWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("dashboard upgrade failed", slog.Any("err", err))
		return
	}
	c := &dashClient{conn: conn, send: make(chan []byte, wsClientSendSize)}
	h.dashboard.add(c)
	go c.writePump()

	defer h.dashboard.remove(c)
	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleDashboardFrame(data)
	}
}

// handleDashboardFrame republishes operator input arriving over the socket.
func (h *Handlers) handleDashboardFrame(data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("dashboard frame decode failed", slog.Any("err", err))
		return
	}
	switch frame.Type {
	case string(bus.KindStreamerInput):
		var in bus.StreamerInput
		if err := json.Unmarshal(frame.Payload, &in); err != nil || in.Text == "" {
			return
		}
		h.bus.Publish(bus.NewEvent(bus.KindStreamerInput, in))
	case string(bus.KindSettingsChanged):
		var settings map[string]any
		if err := json.Unmarshal(frame.Payload, &settings); err != nil {
			return
		}
		h.bus.Publish(bus.NewEvent(bus.KindSettingsChanged, settings))
	default:
		slog.Debug("ignoring dashboard frame", slog.String("type", frame.Type))
	}
}

// HandleExtensionWS upgrades a browser-extension connection and hands it to
// the TikTok connector's relay. The relay enforces single-peer semantics.
func (h *Handlers) HandleExtensionWS(w http.ResponseWriter, r *http.Request) {
	if h.extension == nil {
		http.Error(w, "extension bridge not configured", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("extension upgrade failed", slog.Any("err", err))
		return
	}
	h.extension.Attach(conn)
}
