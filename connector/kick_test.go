package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatbridge/bus"
	"github.com/onnwee/chatbridge/kickapi"
	"github.com/onnwee/chatbridge/testutil"
	"github.com/onnwee/chatbridge/tokenstore"
)

type kickRig struct {
	bus    *bus.Bus
	tokens *tokenstore.Store
	srv    *testutil.MockPlatformServer
	conn   *Kick

	mu       sync.Mutex
	messages []bus.ChatMessage
	statuses []string
}

func newKickRig(t *testing.T) *kickRig {
	t.Helper()
	tokens, err := tokenstore.Open(filepath.Join(t.TempDir(), "tokens.json"), nil)
	if err != nil {
		t.Fatalf("tokenstore.Open: %v", err)
	}
	b := bus.New(64)
	t.Cleanup(func() { b.Close(time.Second) })

	srv := testutil.NewMockPlatformServer(t)
	conn := NewKick(b, tokens, &kickapi.Client{BaseURL: srv.URL}, "streamer", 10*time.Millisecond, 5)
	conn.initialBackoff = 10 * time.Millisecond
	conn.maxBackoff = 20 * time.Millisecond

	r := &kickRig{bus: b, tokens: tokens, srv: srv, conn: conn}
	b.Subscribe(bus.KindChatMessage, r.collectMessage)
	b.Subscribe(bus.KindStatusUpdate, r.collectStatus)
	return r
}

func (r *kickRig) collectMessage(_ context.Context, ev bus.Event) {
	if m, ok := ev.Payload.(bus.ChatMessage); ok && m.Platform == "kick" {
		r.mu.Lock()
		r.messages = append(r.messages, m)
		r.mu.Unlock()
	}
}

func (r *kickRig) collectStatus(_ context.Context, ev bus.Event) {
	if s, ok := ev.Payload.(bus.StatusUpdate); ok && s.Service == "kick" {
		r.mu.Lock()
		r.statuses = append(r.statuses, s.State)
		r.mu.Unlock()
	}
}

func (r *kickRig) sawStatus(state string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == state {
			return true
		}
	}
	return false
}

func (r *kickRig) run(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.conn.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("connector did not stop")
		}
	})
	return cancel
}

func waitCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestKickParksUntilAuthThenPolls(t *testing.T) {
	r := newKickRig(t)

	r.srv.MockJSONResponse("/channels/streamer", map[string]any{
		"id": 1, "slug": "streamer", "chatroom_id": 1001,
	})
	var pollMu sync.Mutex
	polls := 0
	var cursors []string
	r.srv.Handlers["/channels/chatrooms/1001/messages"] = func(w http.ResponseWriter, req *http.Request) {
		pollMu.Lock()
		polls++
		n := polls
		cursors = append(cursors, req.URL.Query().Get("cursor"))
		pollMu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch n {
		case 1:
			_, _ = w.Write([]byte(`{"data":{"messages":[{"id":"old","content":"history","sender":{"id":1,"username":"Old","slug":"old"}}],"cursor":"c1"}}`))
		case 2:
			_, _ = w.Write([]byte(`{"data":{"messages":[{"id":"new","content":"fresh","sender":{"id":2,"username":"Viewer","slug":"viewer"}}],"cursor":"c2"}}`))
		default:
			_, _ = w.Write([]byte(`{"data":{"messages":[],"cursor":"c2"}}`))
		}
	}

	r.run(t)

	waitCond(t, func() bool { return r.sawStatus(StatusWaitingForAuth) }, "connector never parked for auth")
	if r.sawStatus(StatusConnected) {
		t.Fatal("connector connected without credentials")
	}

	if err := r.tokens.Save("kick", map[string]any{"access_token": "tok"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	waitCond(t, func() bool { return r.sawStatus(StatusConnected) }, "connector never connected")
	waitCond(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.messages) > 0
	}, "no chat message published")

	r.mu.Lock()
	defer r.mu.Unlock()
	// The first page is history and must not be published.
	for _, m := range r.messages {
		if m.MessageID == "old" {
			t.Fatal("history message from the first page was published")
		}
	}
	m := r.messages[0]
	if m.MessageID != "new" || m.Text != "fresh" || m.DisplayName != "Viewer" || m.Channel != "streamer" {
		t.Fatalf("message = %+v", m)
	}

	pollMu.Lock()
	defer pollMu.Unlock()
	if cursors[0] != "" {
		t.Fatalf("first poll cursor = %q, want empty", cursors[0])
	}
	if len(cursors) > 1 && cursors[1] != "c1" {
		t.Fatalf("second poll cursor = %q, want c1", cursors[1])
	}
}

func TestKickAuthErrorClearsTokenAndParks(t *testing.T) {
	r := newKickRig(t)
	r.srv.MockErrorResponse("/channels/streamer", http.StatusUnauthorized)

	if err := r.tokens.Save("kick", map[string]any{"access_token": "revoked"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r.run(t)

	waitCond(t, func() bool { return r.sawStatus(StatusAuthError) }, "no auth_error status published")
	waitCond(t, func() bool {
		_, ok := r.tokens.Load("kick")
		return !ok
	}, "revoked token not cleared")
	waitCond(t, func() bool { return r.sawStatus(StatusWaitingForAuth) }, "connector did not park after auth failure")
}

func TestKickSendsBotResponses(t *testing.T) {
	r := newKickRig(t)

	r.srv.MockJSONResponse("/channels/streamer", map[string]any{
		"id": 1, "slug": "streamer", "chatroom_id": 1001,
	})
	r.srv.MockJSONResponse("/channels/chatrooms/1001/messages", map[string]any{
		"data": map[string]any{"messages": []any{}, "cursor": ""},
	})
	var sendMu sync.Mutex
	var sent []string
	r.srv.Handlers["/messages/send/1001"] = func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		sendMu.Lock()
		sent = append(sent, body.Content)
		sendMu.Unlock()
		w.WriteHeader(http.StatusOK)
	}

	if err := r.tokens.Save("kick", map[string]any{"access_token": "tok"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r.run(t)
	waitCond(t, func() bool { return r.sawStatus(StatusConnected) }, "connector never connected")

	r.bus.Publish(bus.NewEvent(bus.KindBotResponse, bus.BotResponse{
		Platform: "kick",
		Channel:  "streamer",
		Text:     "pong",
	}))
	// Responses addressed to other platforms are ignored.
	r.bus.Publish(bus.NewEvent(bus.KindBotResponse, bus.BotResponse{
		Platform: "twitch",
		Channel:  "streamer",
		Text:     "not mine",
	}))

	waitCond(t, func() bool {
		sendMu.Lock()
		defer sendMu.Unlock()
		return len(sent) > 0
	}, "bot response never sent")

	sendMu.Lock()
	defer sendMu.Unlock()
	if sent[0] != "pong" {
		t.Fatalf("sent = %v", sent)
	}
	for _, s := range sent {
		if s == "not mine" {
			t.Fatal("response for another platform was sent")
		}
	}
}
