package tokenstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onnwee/chatbridge/crypto"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	before := time.Now()
	err := s.Save("twitch", map[string]any{
		"access_token":  "tok-1",
		"refresh_token": "ref-1",
		"expires_in":    3600,
		"scope":         "chat:read chat:edit",
		"login":         "streamer",
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	tok, ok := s.Load("twitch")
	if !ok {
		t.Fatal("Load returned ok=false after Save")
	}
	if tok.AccessToken != "tok-1" || tok.RefreshToken != "ref-1" || tok.Login != "streamer" {
		t.Fatalf("unexpected token fields: %+v", tok)
	}
	want := before.Add(time.Hour - SafetyBuffer).Unix()
	if tok.ExpiresAt < want-2 || tok.ExpiresAt > want+2 {
		t.Fatalf("ExpiresAt = %d, want ~%d", tok.ExpiresAt, want)
	}
	if tok.Expired(time.Now()) {
		t.Fatal("fresh token reported expired")
	}
	if !tok.Expired(time.Now().Add(2 * time.Hour)) {
		t.Fatal("token not expired after its lifetime")
	}
}

func TestLoadAbsentAndNoAccessToken(t *testing.T) {
	s, _ := newTestStore(t)

	if _, ok := s.Load("twitch"); ok {
		t.Fatal("Load on empty store returned ok=true")
	}

	// A record that only holds metadata is treated as absent.
	if err := s.Save("twitch", map[string]any{"login": "streamer"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := s.Load("twitch"); ok {
		t.Fatal("record without access token reported present")
	}
}

func TestSaveMergesFields(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Save("kick", map[string]any{"access_token": "a1", "refresh_token": "r1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// A refresh response without a rotated refresh token keeps the old one.
	if err := s.Save("kick", map[string]any{"access_token": "a2", "expires_in": 120}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tok, ok := s.Load("kick")
	if !ok {
		t.Fatal("Load failed after merge")
	}
	if tok.AccessToken != "a2" {
		t.Fatalf("AccessToken = %q, want a2", tok.AccessToken)
	}
	if tok.RefreshToken != "r1" {
		t.Fatalf("RefreshToken = %q, want r1 preserved across merge", tok.RefreshToken)
	}
}

func TestScopeNormalization(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  []string
	}{
		{"space separated", "chat:read chat:edit", []string{"chat:read", "chat:edit"}},
		{"comma separated", "chat:read,chat:edit", []string{"chat:read", "chat:edit"}},
		{"string slice", []string{"a", "b"}, []string{"a", "b"}},
		{"any slice", []any{"a", "", "b"}, []string{"a", "b"}},
		{"empty string", "", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			if err := s.Save("p", map[string]any{"access_token": "t", "scope": tc.value}); err != nil {
				t.Fatalf("Save: %v", err)
			}
			tok, _ := s.Load("p")
			if len(tok.Scopes) != len(tc.want) {
				t.Fatalf("Scopes = %v, want %v", tok.Scopes, tc.want)
			}
			for i := range tc.want {
				if tok.Scopes[i] != tc.want[i] {
					t.Fatalf("Scopes = %v, want %v", tok.Scopes, tc.want)
				}
			}
		})
	}
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Save("youtube", map[string]any{"access_token": "a"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear("youtube"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := s.Load("youtube"); ok {
		t.Fatal("Load returned ok=true after Clear")
	}
	// Clearing an absent platform is a no-op.
	if err := s.Clear("youtube"); err != nil {
		t.Fatalf("Clear of absent platform: %v", err)
	}
}

func TestPersistenceAcrossOpen(t *testing.T) {
	s, path := newTestStore(t)

	if err := s.Save("twitch", map[string]any{"access_token": "tok", "login": "streamer"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// No stray temp files after the atomic replace.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(path) {
			t.Fatalf("unexpected file left behind: %s", e.Name())
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode = %v, want 0600", info.Mode().Perm())
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	tok, ok := reopened.Load("twitch")
	if !ok || tok.AccessToken != "tok" || tok.Login != "streamer" {
		t.Fatalf("reopened store lost data: %+v ok=%v", tok, ok)
	}
}

func TestWatchNotifiesChangedKeys(t *testing.T) {
	s, _ := newTestStore(t)

	ch, cancel := s.Watch()
	defer cancel()

	if err := s.Save("twitch", map[string]any{"access_token": "a", "expires_in": 60}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case c := <-ch:
		if c.Platform != "twitch" {
			t.Fatalf("Platform = %q, want twitch", c.Platform)
		}
		keys := make(map[string]bool, len(c.Keys))
		for _, k := range c.Keys {
			keys[k] = true
		}
		if !keys["access_token"] || !keys["expires_at"] {
			t.Fatalf("Keys = %v, want access_token and expires_at", c.Keys)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification received")
	}

	cancel()
	if err := s.Save("twitch", map[string]any{"access_token": "b"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	select {
	case c := <-ch:
		t.Fatalf("received change %+v after cancel", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWaitForCredentials(t *testing.T) {
	s, _ := newTestStore(t)

	// Already present: returns immediately.
	if err := s.Save("kick", map[string]any{"access_token": "a"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitForCredentials(ctx, "kick"); err != nil {
		t.Fatalf("WaitForCredentials with existing token: %v", err)
	}

	// Blocks until a Save lands for the right platform.
	done := make(chan error, 1)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	go func() { done <- s.WaitForCredentials(waitCtx, "twitch") }()

	time.Sleep(50 * time.Millisecond)
	if err := s.Save("youtube", map[string]any{"access_token": "other"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save("twitch", map[string]any{"access_token": "mine"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WaitForCredentials: %v", err)
	}

	// Context cancellation unblocks the wait.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	if err := s.WaitForCredentials(shortCtx, "absent"); err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestEncryptedAtRest(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}

	path := filepath.Join(t.TempDir(), "tokens.json")
	s, err := Open(path, enc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save("twitch", map[string]any{"access_token": "secret-token"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if json.Valid(raw) {
		t.Fatal("encrypted store wrote valid JSON to disk")
	}

	reopened, err := Open(path, enc)
	if err != nil {
		t.Fatalf("reopen encrypted: %v", err)
	}
	tok, ok := reopened.Load("twitch")
	if !ok || tok.AccessToken != "secret-token" {
		t.Fatalf("encrypted round trip lost data: %+v ok=%v", tok, ok)
	}
}

func TestPlaintextMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	plain, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open plaintext: %v", err)
	}
	if err := plain.Save("twitch", map[string]any{"access_token": "legacy"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}

	// Plaintext file is accepted under an encryptor and rewritten encrypted.
	migrated, err := Open(path, enc)
	if err != nil {
		t.Fatalf("Open with encryptor over plaintext: %v", err)
	}
	tok, ok := migrated.Load("twitch")
	if !ok || tok.AccessToken != "legacy" {
		t.Fatalf("migration lost data: %+v ok=%v", tok, ok)
	}

	if err := migrated.Save("twitch", map[string]any{"login": "streamer"}); err != nil {
		t.Fatalf("Save after migration: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if json.Valid(raw) {
		t.Fatal("store still plaintext after write under encryptor")
	}
}

func TestWaitForCredentialsSurvivesDroppedNotification(t *testing.T) {
	s, _ := newTestStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.WaitForCredentials(ctx, "twitch") }()

	// Install the credentials without notifying any watcher, the same state a
	// waiter is left in when its change notification was dropped.
	time.Sleep(50 * time.Millisecond)
	s.mu.Lock()
	s.records["twitch"] = map[string]any{"access_token": "tok"}
	s.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForCredentials: %v", err)
		}
	case <-time.After(3 * credentialRecheckInterval):
		t.Fatal("waiter never re-checked after a missed notification")
	}
}
