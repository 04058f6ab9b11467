package connector

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff tuning shared by the session-establishment loops. Delays grow
// exponentially from initial to the documented cap; retries beyond maxTries
// surface as a persistent error status.
const (
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultMaxTries       = 10
)

// newSessionBackOff returns the capped exponential policy used between
// failed session attempts.
func newSessionBackOff(initial, max time.Duration) *backoff.ExponentialBackOff {
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	if max <= 0 {
		max = defaultMaxBackoff
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return b
}

// nextPollDelay computes the pause before the next poll request.
//
// base is the steady-state interval. hint is a server-provided minimum (zero
// when none was given). When the previous request hit a rate-limit signal the
// delay becomes multiplier * base, with the multiplier clamped to at least 2
// so a rate-limited retry always exceeds the steady-state interval. The
// server hint still wins when larger.
func nextPollDelay(base, hint time.Duration, multiplier float64, rateLimited bool) time.Duration {
	d := base
	if rateLimited {
		if multiplier < 2 {
			multiplier = 2
		}
		d = time.Duration(float64(base) * multiplier)
	}
	if hint > d {
		d = hint
	}
	return d
}
