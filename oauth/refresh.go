// Package oauth provides generic token refresh scheduling for platforms whose
// tokens are persisted in the credential store. It performs jittered checks
// and refreshes when expiry falls within a configured window.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/chatbridge/tokenstore"
)

// RefreshFunc performs platform-specific refresh and returns the fields to
// merge back into the store (access_token, refresh_token, expires_in, ...).
type RefreshFunc func(ctx context.Context, refreshToken string) (map[string]any, error)

// StartRefresher launches a goroutine that periodically inspects a platform's
// stored token and refreshes it when the remaining lifetime falls within the
// window. Platforms without a refresh token are skipped until one appears.
func StartRefresher(ctx context.Context, store *tokenstore.Store, platform string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Add per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			tok, ok := store.Load(platform)
			if !ok || tok.RefreshToken == "" {
				continue
			}
			// If still outside window skip quickly
			if tok.ExpiresAt > 0 && time.Until(time.Unix(tok.ExpiresAt, 0)) > window {
				continue
			}
			// Small pre-refresh jitter to avoid stampedes when multiple
			// instances see the same expiry.
			//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
			pre := time.Duration(rand.Int63n(int64(5 * time.Second)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pre):
			}
			ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
			fields, err := fn(ctx2, tok.RefreshToken)
			cancel()
			if err != nil {
				slog.Warn("token refresh failed", slog.String("platform", platform), slog.Any("err", err))
				continue
			}
			if len(fields) == 0 {
				continue
			}
			if _, ok := fields["refresh_token"]; !ok {
				fields["refresh_token"] = tok.RefreshToken
			}
			if err := store.Save(platform, fields); err != nil {
				slog.Warn("token persist failed", slog.String("platform", platform), slog.Any("err", err))
				continue
			}
			slog.Info("token refreshed", slog.String("platform", platform))
		}
	}()
}
