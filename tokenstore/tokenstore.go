// Package tokenstore persists per-platform OAuth credentials as an
// atomically-replaced JSON record and notifies waiters when credentials
// change. It is the only cross-task mutable shared state outside the bus
// queue; a single mutex guards the record.
package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatbridge/crypto"
)

// SafetyBuffer is subtracted from server-reported token lifetimes so a token
// is treated as expired slightly before the platform would reject it.
const SafetyBuffer = 60 * time.Second

// Token is a normalized credential record for one platform.
// A Token with no access token is equivalent to absent.
type Token struct {
	Platform     string   `json:"platform"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ExpiresAt    int64    `json:"expires_at,omitempty"` // epoch seconds, buffer already applied
	Scopes       []string `json:"scopes,omitempty"`
	UserID       string   `json:"user_id,omitempty"`
	Login        string   `json:"login,omitempty"`
}

// Present reports whether the record holds a usable access token.
func (t Token) Present() bool { return t.AccessToken != "" }

// Expired reports whether the buffered expiry has passed. Tokens without an
// expiry never expire locally.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresAt > 0 && now.Unix() >= t.ExpiresAt
}

// Change describes one successful Save or Clear.
type Change struct {
	Platform string
	Keys     []string
}

// Store is a file-backed credential store. Writes replace the whole file via
// write-to-temporary-then-rename so a crash never leaves a partial record.
type Store struct {
	path string
	enc  crypto.Encryptor // nil disables at-rest encryption

	mu      sync.Mutex
	records map[string]map[string]any

	watchMu  sync.Mutex
	watchers map[int]chan Change
	nextID   int
}

// Open loads (or initializes) the store at path. enc may be nil; when set the
// file body is AES-GCM ciphertext. A plaintext file under an encryptor is
// accepted once for migration and re-encrypted on the next write.
func Open(path string, enc crypto.Encryptor) (*Store, error) {
	s := &Store{
		path:     path,
		enc:      enc,
		records:  make(map[string]map[string]any),
		watchers: make(map[int]chan Change),
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token store: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	body := raw
	if enc != nil {
		if dec, derr := enc.Decrypt(raw); derr == nil {
			body = dec
		} else if json.Valid(raw) {
			slog.Warn("token store file is plaintext; will encrypt on next write", slog.String("path", path))
		} else {
			return nil, fmt.Errorf("decrypt token store: %w", derr)
		}
	}
	if err := json.Unmarshal(body, &s.records); err != nil {
		return nil, fmt.Errorf("parse token store: %w", err)
	}
	return s, nil
}

// Save merges the supplied fields into platform's record and persists the
// whole store atomically. `expires_in` (seconds) is converted to an absolute
// `expires_at` with SafetyBuffer applied; `scope` in any common shape is
// normalized to a `scopes` list. Waiters are notified with the changed keys.
func (s *Store) Save(platform string, fields map[string]any) error {
	if platform == "" {
		return fmt.Errorf("platform is empty")
	}
	s.mu.Lock()
	rec := s.records[platform]
	if rec == nil {
		rec = make(map[string]any)
		s.records[platform] = rec
	}
	changed := make([]string, 0, len(fields))
	for k, v := range fields {
		switch k {
		case "expires_in":
			secs := asInt64(v)
			rec["expires_at"] = time.Now().Add(time.Duration(secs)*time.Second - SafetyBuffer).Unix()
			changed = append(changed, "expires_at")
		case "scope", "scopes":
			rec["scopes"] = normalizeScopes(v)
			changed = append(changed, "scopes")
		default:
			rec[k] = v
			changed = append(changed, k)
		}
	}
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(Change{Platform: platform, Keys: changed})
	return nil
}

// Load returns the normalized Token for platform. ok is false when no record
// exists or the record has no access token.
func (s *Store) Load(platform string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.records[platform]
	if !exists {
		return Token{}, false
	}
	tok := Token{
		Platform:     platform,
		AccessToken:  asString(rec["access_token"]),
		RefreshToken: asString(rec["refresh_token"]),
		ExpiresAt:    asInt64(rec["expires_at"]),
		Scopes:       normalizeScopes(rec["scopes"]),
		UserID:       asString(rec["user_id"]),
		Login:        asString(rec["login"]),
	}
	if !tok.Present() {
		return Token{}, false
	}
	return tok, true
}

// Clear removes every field belonging to platform and persists.
func (s *Store) Clear(platform string) error {
	s.mu.Lock()
	rec, exists := s.records[platform]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	delete(s.records, platform)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(Change{Platform: platform, Keys: keys})
	return nil
}

// Watch registers a change listener. The returned cancel func must be called
// to release it. Slow listeners drop notifications rather than block Save.
func (s *Store) Watch() (<-chan Change, func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Change, 16)
	s.watchers[id] = ch
	cancel := func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
	return ch, cancel
}

// credentialRecheckInterval bounds how long a waiter can sleep through a
// notification dropped by a saturated watcher channel.
const credentialRecheckInterval = 500 * time.Millisecond

// WaitForCredentials blocks until platform has a usable token or ctx is done.
// It subscribes before re-checking so a Save racing with the call is not lost,
// and re-checks on a coarse timer in case a change notification was dropped.
func (s *Store) WaitForCredentials(ctx context.Context, platform string) error {
	ch, cancel := s.Watch()
	defer cancel()
	if _, ok := s.Load(platform); ok {
		return nil
	}
	tick := time.NewTicker(credentialRecheckInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if _, ok := s.Load(platform); ok {
				return nil
			}
		case c := <-ch:
			if c.Platform != platform {
				continue
			}
			if _, ok := s.Load(platform); ok {
				return nil
			}
		}
	}
}

func (s *Store) notify(c Change) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- c:
		default:
			// watcher is behind; it will re-check on its next wakeup
		}
	}
}

// persistLocked writes the full record set atomically. Caller holds s.mu.
func (s *Store) persistLocked() error {
	body, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token store: %w", err)
	}
	if s.enc != nil {
		body, err = s.enc.Encrypt(body)
		if err != nil {
			return fmt.Errorf("encrypt token store: %w", err)
		}
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

// normalizeScopes accepts a space/comma separated string, []string, or []any
// and returns a clean list.
func normalizeScopes(v any) []string {
	switch sv := v.(type) {
	case nil:
		return nil
	case string:
		fields := strings.Fields(strings.ReplaceAll(sv, ",", " "))
		if len(fields) == 0 {
			return nil
		}
		return fields
	case []string:
		return sv
	case []any:
		out := make([]string, 0, len(sv))
		for _, e := range sv {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
