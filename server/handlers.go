// Package server exposes the HTTP API: health, status, metrics, the OAuth
// gateway for each platform, service control, and the websocket endpoints
// used by the dashboard and the browser extension. It includes permissive
// CORS for development and injects correlation IDs into request contexts
// for consistent logging.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/chatbridge/bus"
	"github.com/onnwee/chatbridge/config"
	"github.com/onnwee/chatbridge/relay"
	"github.com/onnwee/chatbridge/service"
	"github.com/onnwee/chatbridge/tokenstore"
	"github.com/onnwee/chatbridge/youtubeapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000

	oauthStateTTL = 10 * time.Minute
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx       context.Context
	cfg       *config.Config
	tokens    *tokenstore.Store
	ctrl      *service.Controller
	bus       *bus.Bus
	extension *relay.Relay
	youtube   *youtubeapi.Service
	dashboard *dashboardHub

	stateMu    sync.RWMutex
	stateStore map[string]oauthState
}

// oauthState is a pending authorization attempt. The PKCE verifier is only
// set for platforms that require it.
type oauthState struct {
	expiry   time.Time
	verifier string
}

// NewHandlers creates a new Handlers instance with the given dependencies.
// extension may be nil when the TikTok connector is not configured.
func NewHandlers(ctx context.Context, cfg *config.Config, tokens *tokenstore.Store, ctrl *service.Controller, b *bus.Bus, extension *relay.Relay, youtube *youtubeapi.Service) *Handlers {
	h := &Handlers{
		ctx:        ctx,
		cfg:        cfg,
		tokens:     tokens,
		ctrl:       ctrl,
		bus:        b,
		extension:  extension,
		youtube:    youtube,
		dashboard:  newDashboardHub(ctx, b),
		stateStore: make(map[string]oauthState),
	}
	h.dashboard.start()
	return h
}

// newOAuthState generates a state nonce, records it, and returns it.
func (h *Handlers) newOAuthState(verifier string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, oauthState{expiry: time.Now().Add(oauthStateTTL), verifier: verifier})
	return st, nil
}

// consumeOAuthState validates and burns a state nonce, returning the stored
// PKCE verifier if any. A state is single-use.
func (h *Handlers) consumeOAuthState(st string) (string, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	s, ok := h.stateStore[st]
	if !ok {
		return "", false
	}
	delete(h.stateStore, st)
	if time.Now().After(s.expiry) {
		return "", false
	}
	return s.verifier, true
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, s := range h.stateStore {
		if now.After(s.expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, s oauthState) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// If we're still over the limit after cleanup, refuse to add more
	if len(h.stateStore) >= maxOAuthStates {
		// Don't add the state - this will cause the OAuth flow to fail
		// which is better than a memory exhaustion attack
		return
	}

	h.stateStore[state] = s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
