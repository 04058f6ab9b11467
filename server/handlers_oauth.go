package server

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chatbridge/twitchapi"
)

// kickEndpoint is Kick's OAuth 2.1 endpoint. Kick requires PKCE on the
// authorization code grant.
var kickEndpoint = oauth2.Endpoint{
	AuthURL:  "https://id.kick.com/oauth2/authorize",
	TokenURL: "https://id.kick.com/oauth2/token",
}

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.cfg.TwitchClientID == "" || h.cfg.TwitchRedirectURI == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	st, err := h.newOAuthState("")
	if err != nil {
		http.Error(w, "state gen error", 500)
		return
	}
	authURL, err := twitchapi.BuildAuthorizeURL(h.cfg.TwitchClientID, h.cfg.TwitchRedirectURI, h.cfg.TwitchScopes, st)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback handles the OAuth callback from Twitch and stores tokens.
// The token is validated immediately so the bot's login and user id land in the
// store next to the credentials.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	if _, ok := h.consumeOAuthState(st); !ok {
		http.Error(w, "invalid state", 400)
		return
	}
	ctx := r.Context()
	res, err := twitchapi.ExchangeAuthCode(ctx, h.cfg.TwitchClientID, h.cfg.TwitchClientSecret, code, h.cfg.TwitchRedirectURI)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	fields := map[string]any{
		"access_token":  res.AccessToken,
		"refresh_token": res.RefreshToken,
		"expires_in":    res.ExpiresIn,
		"scope":         strings.Join(res.Scope, " "),
	}
	if v, err := twitchapi.ValidateToken(ctx, nil, res.AccessToken); err == nil {
		fields["login"] = v.Login
		fields["user_id"] = v.UserID
	}
	if err := h.tokens.Save("twitch", fields); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scopes": res.Scope, "expires_in": res.ExpiresIn})
}

// HandleYouTubeOAuthStart initiates the YouTube OAuth flow.
func (h *Handlers) HandleYouTubeOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.youtube == nil || h.cfg.YTClientID == "" || h.cfg.YTRedirectURI == "" {
		http.Error(w, "youtube oauth not configured", 400)
		return
	}
	st, err := h.newOAuthState("")
	if err != nil {
		http.Error(w, "state gen error", 500)
		return
	}
	http.Redirect(w, r, h.youtube.AuthCodeURL(st), http.StatusFound)
}

// HandleYouTubeOAuthCallback handles the OAuth callback from YouTube and stores tokens.
func (h *Handlers) HandleYouTubeOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.youtube == nil {
		http.Error(w, "youtube oauth not configured", 400)
		return
	}
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	if _, ok := h.consumeOAuthState(st); !ok {
		http.Error(w, "invalid state", 400)
		return
	}
	tok, err := h.youtube.Exchange(r.Context(), code)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"expiry":                tok.Expiry,
		"access_token_present":  tok.AccessToken != "",
		"refresh_token_present": tok.RefreshToken != "",
	})
}

func (h *Handlers) kickOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     h.cfg.KickClientID,
		ClientSecret: h.cfg.KickClientSecret,
		RedirectURL:  h.cfg.KickRedirectURI,
		Scopes:       strings.Fields(strings.ReplaceAll(h.cfg.KickScopes, ",", " ")),
		Endpoint:     kickEndpoint,
	}
}

// HandleKickOAuthStart initiates the Kick OAuth flow (authorization code + PKCE).
func (h *Handlers) HandleKickOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.cfg.KickClientID == "" || h.cfg.KickRedirectURI == "" {
		http.Error(w, "kick oauth not configured (need KICK_CLIENT_ID + KICK_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	verifier := oauth2.GenerateVerifier()
	st, err := h.newOAuthState(verifier)
	if err != nil {
		http.Error(w, "state gen error", 500)
		return
	}
	authURL := h.kickOAuthConfig().AuthCodeURL(st, oauth2.S256ChallengeOption(verifier))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleKickOAuthCallback handles the OAuth callback from Kick and stores tokens.
func (h *Handlers) HandleKickOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	verifier, ok := h.consumeOAuthState(st)
	if !ok || verifier == "" {
		http.Error(w, "invalid state", 400)
		return
	}
	tok, err := h.kickOAuthConfig().Exchange(r.Context(), code, oauth2.VerifierOption(verifier))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	fields := map[string]any{
		"access_token":  tok.AccessToken,
		"refresh_token": tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		fields["expires_in"] = int64(time.Until(tok.Expiry).Seconds())
	}
	if sc, ok := tok.Extra("scope").(string); ok && sc != "" {
		fields["scope"] = sc
	}
	if err := h.tokens.Save("kick", fields); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"access_token_present":  tok.AccessToken != "",
		"refresh_token_present": tok.RefreshToken != "",
	})
}
