package server

import (
	"net/http"
	"time"
)

// platformCredential is the redacted view of a stored token. Secrets never
// leave the store through this endpoint.
type platformCredential struct {
	Present   bool     `json:"present"`
	Login     string   `json:"login,omitempty"`
	ExpiresAt int64    `json:"expires_at,omitempty"`
	Expired   bool     `json:"expired,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

// HandleStatus reports service states, credential presence, and the
// extension socket connection.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	services := map[string]string{}
	for name, st := range h.ctrl.States() {
		services[name] = string(st)
	}

	creds := map[string]platformCredential{}
	now := time.Now()
	for _, platform := range []string{"twitch", "youtube", "kick"} {
		tok, ok := h.tokens.Load(platform)
		if !ok {
			creds[platform] = platformCredential{}
			continue
		}
		creds[platform] = platformCredential{
			Present:   tok.Present(),
			Login:     tok.Login,
			ExpiresAt: tok.ExpiresAt,
			Expired:   tok.Expired(now),
			Scopes:    tok.Scopes,
		}
	}

	body := map[string]any{
		"services":    services,
		"credentials": creds,
	}
	if h.extension != nil {
		body["extension_connected"] = h.extension.Connected()
	}
	writeJSON(w, http.StatusOK, body)
}
