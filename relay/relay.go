// Package relay bridges a single untrusted duplex peer (the browser
// extension) to its owning connector. Exactly one peer is live at a time;
// a newly attached connection force-closes the previous one.
package relay

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chatbridge/telemetry"
)

// ErrNoPeer is returned by Send when no connection is attached.
var ErrNoPeer = errors.New("relay: no peer attached")

// Peer is the subset of *websocket.Conn the relay needs. Tests substitute
// in-memory fakes.
type Peer interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Relay owns one live peer connection and exposes it as a read channel plus
// a Send method. Status transitions are reported through the OnStatus hook so
// the owning connector can publish them as bus events.
type Relay struct {
	name    string
	enabled atomic.Bool

	mu      sync.Mutex
	peer    Peer
	writeMu sync.Mutex // serializes writes to the active peer

	inbound chan []byte

	// OnStatus, when set, is invoked with the new connected state after
	// every attach and after a detach while the owning service is enabled.
	OnStatus func(connected bool)
}

// New creates a relay. name labels log lines and metrics.
func New(name string) *Relay {
	return &Relay{
		name:    name,
		inbound: make(chan []byte, 64),
	}
}

// SetEnabled marks whether the owning service is running. Detach only emits
// a status change while enabled, so intentional shutdown stays quiet.
func (r *Relay) SetEnabled(v bool) { r.enabled.Store(v) }

// Connected reports whether a peer is currently attached.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer != nil
}

// Inbound returns the channel of raw frames read from the active peer.
func (r *Relay) Inbound() <-chan []byte { return r.inbound }

// Attach adopts conn as the live peer. Any previous peer is force-closed
// first: last connection wins. A read pump is started for the new peer.
func (r *Relay) Attach(conn Peer) {
	r.mu.Lock()
	if old := r.peer; old != nil {
		slog.Warn("relay: replacing live peer", slog.String("relay", r.name))
		_ = old.Close()
	}
	r.peer = conn
	r.mu.Unlock()

	telemetry.SetRelayConnected(r.name, true)
	slog.Info("relay: peer attached", slog.String("relay", r.name))
	if r.OnStatus != nil {
		r.OnStatus(true)
	}
	go r.readPump(conn)
}

// Detach clears the active peer reference. The status hook fires only while
// the owning service is enabled.
func (r *Relay) Detach() {
	r.mu.Lock()
	had := r.peer != nil
	r.peer = nil
	r.mu.Unlock()
	if !had {
		return
	}
	telemetry.SetRelayConnected(r.name, false)
	slog.Info("relay: peer detached", slog.String("relay", r.name))
	if r.enabled.Load() && r.OnStatus != nil {
		r.OnStatus(false)
	}
}

// Send writes payload to the active peer. Without a peer it logs and returns
// ErrNoPeer; callers treat that as a degraded no-op, never fatal.
func (r *Relay) Send(payload []byte) error {
	r.mu.Lock()
	peer := r.peer
	r.mu.Unlock()
	if peer == nil {
		slog.Error("relay: send with no peer attached", slog.String("relay", r.name))
		return ErrNoPeer
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return peer.WriteMessage(websocket.TextMessage, payload)
}

// Close force-closes the active peer, if any.
func (r *Relay) Close() {
	r.mu.Lock()
	peer := r.peer
	r.peer = nil
	r.mu.Unlock()
	if peer != nil {
		_ = peer.Close()
	}
}

// readPump forwards frames from conn until it errors. It only detaches if
// conn is still the current peer, so a replaced connection dying later does
// not tear down its successor.
func (r *Relay) readPump(conn Peer) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			current := r.peer == conn
			r.mu.Unlock()
			if current {
				r.Detach()
			}
			return
		}
		select {
		case r.inbound <- data:
		default:
			slog.Warn("relay: inbound buffer full; frame dropped", slog.String("relay", r.name))
		}
	}
}
