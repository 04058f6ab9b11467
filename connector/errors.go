package connector

import (
	"errors"
	"fmt"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"google.golang.org/api/googleapi"

	"github.com/onnwee/chatbridge/kickapi"
)

// Class buckets an error by the recovery policy it requires.
type Class int

const (
	// ClassTransient retries with capped exponential backoff.
	ClassTransient Class = iota
	// ClassAuth clears the stored token and parks the connector until
	// credentials change.
	ClassAuth
	// ClassRateLimit backs off by the configured multiplier, honoring a
	// server-provided hint when larger.
	ClassRateLimit
	// ClassFatal disables the attempt without retrying (bad configuration,
	// unsupported request). The connector stays up and reports the error.
	ClassFatal
)

// String returns a human-readable name for the error class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassRateLimit:
		return "rate_limit"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RateLimitError signals a rate-limit response. RetryAfter carries the
// server-provided hint, zero when the server gave none.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// AuthError marks a credential rejection by the platform.
type AuthError struct {
	Platform string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Platform, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// retryAfterHint extracts a server-provided wait hint, zero when absent.
func retryAfterHint(err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	var kerr *kickapi.APIError
	if errors.As(err, &kerr) {
		return kerr.RetryAfter
	}
	return 0
}

// Classify maps err to a recovery class. Typed errors from the platform
// clients are preferred; message heuristics cover untyped errors from
// underlying HTTP and IRC libraries.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var rle *RateLimitError
	if errors.As(err, &rle) {
		return ClassRateLimit
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ClassAuth
	}
	if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
		return ClassAuth
	}

	var kerr *kickapi.APIError
	if errors.As(err, &kerr) {
		switch {
		case kerr.StatusCode == 401 || kerr.StatusCode == 403:
			return ClassAuth
		case kerr.StatusCode == 429:
			return ClassRateLimit
		case kerr.StatusCode >= 500:
			return ClassTransient
		default:
			return ClassFatal
		}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		for _, item := range gerr.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
				return ClassRateLimit
			}
		}
		switch {
		case gerr.Code == 401:
			return ClassAuth
		case gerr.Code == 403:
			// 403 without a quota reason is a permission problem
			return ClassAuth
		case gerr.Code == 429:
			return ClassRateLimit
		case gerr.Code >= 500:
			return ClassTransient
		}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "429"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "rate limit"):
		return ClassRateLimit
	case strings.Contains(lower, "401"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "invalid access token"),
		strings.Contains(lower, "login authentication failed"):
		return ClassAuth
	default:
		return ClassTransient
	}
}
