// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Platforms with missing credentials are simply left waiting for auth at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// HTTP
	HTTPAddr string

	// Twitch
	TwitchChannel      string
	TwitchBotUsername  string
	TwitchClientID     string
	TwitchClientSecret string
	TwitchRedirectURI  string
	TwitchScopes       string

	// YouTube OAuth
	YTClientID     string
	YTClientSecret string
	YTRedirectURI  string
	YTScopes       string

	// Kick
	KickChannel      string
	KickClientID     string
	KickClientSecret string
	KickRedirectURI  string
	KickScopes       string

	// Credential storage
	TokenFile string

	// Event bus
	BusQueueSize int

	// Polling
	YouTubePollInterval time.Duration
	KickPollInterval    time.Duration
	RateLimitMultiplier float64
}

// Load reads environment variables and applies defaults. It doesn't fail on
// missing platform credentials; connectors park in waiting_for_auth until the
// operator completes the OAuth flow.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	cfg.TwitchChannel = os.Getenv("TWITCH_CHANNEL")
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchRedirectURI = os.Getenv("TWITCH_REDIRECT_URI")
	cfg.TwitchScopes = os.Getenv("TWITCH_SCOPES")
	if cfg.TwitchScopes == "" {
		// default scopes for chat bot
		cfg.TwitchScopes = "chat:read chat:edit"
	}

	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")
	cfg.YTRedirectURI = os.Getenv("YT_REDIRECT_URI")
	cfg.YTScopes = os.Getenv("YT_SCOPES")
	if cfg.YTScopes == "" {
		cfg.YTScopes = "https://www.googleapis.com/auth/youtube"
	}

	cfg.KickChannel = os.Getenv("KICK_CHANNEL")
	cfg.KickClientID = os.Getenv("KICK_CLIENT_ID")
	cfg.KickClientSecret = os.Getenv("KICK_CLIENT_SECRET")
	cfg.KickRedirectURI = os.Getenv("KICK_REDIRECT_URI")
	cfg.KickScopes = os.Getenv("KICK_SCOPES")
	if cfg.KickScopes == "" {
		cfg.KickScopes = "chat:read chat:write"
	}

	cfg.TokenFile = os.Getenv("TOKEN_FILE")
	if cfg.TokenFile == "" {
		cfg.TokenFile = "data/tokens.json"
	}

	var err error
	cfg.BusQueueSize, err = envInt("BUS_QUEUE_SIZE", 1024)
	if err != nil {
		return nil, err
	}
	if cfg.BusQueueSize <= 0 {
		return nil, fmt.Errorf("BUS_QUEUE_SIZE must be positive, got %d", cfg.BusQueueSize)
	}

	cfg.YouTubePollInterval, err = envDuration("YT_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.KickPollInterval, err = envDuration("KICK_POLL_INTERVAL", 3*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitMultiplier, err = envFloat("RATE_LIMIT_MULTIPLIER", 5)
	if err != nil {
		return nil, err
	}
	if cfg.RateLimitMultiplier < 2 {
		return nil, fmt.Errorf("RATE_LIMIT_MULTIPLIER must be >= 2, got %g", cfg.RateLimitMultiplier)
	}

	return cfg, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s (Go duration, e.g. 5s): %w", key, err)
	}
	return d, nil
}
