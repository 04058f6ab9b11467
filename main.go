// Command chatbridge is the main entrypoint for the chat aggregation service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the credential store (optionally encrypted at rest).
//   - Starts the event bus, the platform connectors under the service
//     controller, the command dispatcher, and OAuth token refreshers.
//   - Exposes the HTTP surface: health, status, metrics, OAuth gateway,
//     service control, and the dashboard/extension websockets.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatbridge/bus"
	"github.com/onnwee/chatbridge/commands"
	"github.com/onnwee/chatbridge/config"
	"github.com/onnwee/chatbridge/connector"
	"github.com/onnwee/chatbridge/crypto"
	"github.com/onnwee/chatbridge/kickapi"
	"github.com/onnwee/chatbridge/oauth"
	"github.com/onnwee/chatbridge/relay"
	"github.com/onnwee/chatbridge/server"
	"github.com/onnwee/chatbridge/service"
	"github.com/onnwee/chatbridge/telemetry"
	"github.com/onnwee/chatbridge/tokenstore"
	"github.com/onnwee/chatbridge/twitchapi"
	"github.com/onnwee/chatbridge/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chatbridge", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Credential store, encrypted at rest when ENCRYPTION_KEY is set.
	var enc crypto.Encryptor
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		enc, err = crypto.NewAESEncryptor(key)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("credential encryption enabled")
	} else {
		slog.Warn("ENCRYPTION_KEY not set - credentials stored in plaintext")
	}
	tokens, err := tokenstore.Open(cfg.TokenFile, enc)
	if err != nil {
		slog.Error("failed to open token store", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus
	b := bus.New(cfg.BusQueueSize)

	// Platform connectors under the service controller.
	yts := youtubeapi.New(cfg.YTClientID, cfg.YTClientSecret, cfg.YTRedirectURI, strings.Fields(cfg.YTScopes), tokens)
	twitch := connector.NewTwitch(b, tokens, cfg.TwitchChannel, cfg.TwitchBotUsername)
	youtube := connector.NewYouTube(b, tokens, yts, cfg.YouTubePollInterval, cfg.RateLimitMultiplier)
	kick := connector.NewKick(b, tokens, &kickapi.Client{}, cfg.KickChannel, cfg.KickPollInterval, cfg.RateLimitMultiplier)
	tiktok := connector.NewTikTok(b, relay.New("tiktok"))

	ctrl := service.NewController(b, service.Options{})
	for _, desc := range []service.Descriptor{
		{Name: "twitch", Run: twitch.Run},
		{Name: "youtube", Run: youtube.Run},
		{Name: "kick", Run: kick.Run},
		{Name: "tiktok", Run: tiktok.Run},
	} {
		if err := ctrl.Register(desc); err != nil {
			slog.Error("service registration failed", slog.String("service", desc.Name), slog.Any("err", err))
			os.Exit(1)
		}
	}
	for _, name := range []string{"twitch", "youtube", "kick", "tiktok"} {
		if err := ctrl.Start(ctx, name); err != nil {
			slog.Error("service start failed", slog.String("service", name), slog.Any("err", err))
		}
	}

	// Command dispatcher consumes chat and answers over the bus.
	dispatcher := commands.NewDispatcher(b)
	dispatcher.Start()

	// Centralized OAuth token refreshers
	oauth.StartRefresher(ctx, tokens, "twitch", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (map[string]any, error) {
		res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"access_token":  res.AccessToken,
			"refresh_token": res.RefreshToken,
			"expires_in":    res.ExpiresIn,
			"scope":         strings.Join(res.Scope, " "),
		}, nil
	})
	if cfg.YTClientID != "" {
		oauth.StartRefresher(ctx, tokens, "youtube", 10*time.Minute, 20*time.Minute, func(rctx context.Context, refreshToken string) (map[string]any, error) {
			tok, err := yts.Refresh(rctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"access_token":  tok.AccessToken,
				"refresh_token": tok.RefreshToken,
				"expires_in":    int64(time.Until(tok.Expiry).Seconds()),
			}, nil
		})
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP surface (health/status/metrics/oauth/control/websockets)
	handlers := server.NewHandlers(ctx, cfg, tokens, ctrl, b, tiktok.Relay(), yts)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, handlers, cfg.HTTPAddr)
	})

	// Block until shutdown signal or server failure
	<-gctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	ctrl.StopAll(shutdownCtx)
	dispatcher.Stop()
	b.Close(2 * time.Second)

	if err := g.Wait(); err != nil {
		slog.Error("http server exited with error", slog.Any("err", err))
	}
}
