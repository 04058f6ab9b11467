package youtubeapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chatbridge/tokenstore"
)

// mockTokenStore implements TokenStore for testing
type mockTokenStore struct {
	records map[string]map[string]any
}

func newMockTokenStore() *mockTokenStore {
	return &mockTokenStore{records: make(map[string]map[string]any)}
}

func (m *mockTokenStore) Save(platform string, fields map[string]any) error {
	rec, ok := m.records[platform]
	if !ok {
		rec = map[string]any{}
		m.records[platform] = rec
	}
	for k, v := range fields {
		rec[k] = v
	}
	return nil
}

func (m *mockTokenStore) Load(platform string) (tokenstore.Token, bool) {
	rec, ok := m.records[platform]
	if !ok {
		return tokenstore.Token{}, false
	}
	tok := tokenstore.Token{Platform: platform}
	if v, ok := rec["access_token"].(string); ok {
		tok.AccessToken = v
	}
	if v, ok := rec["refresh_token"].(string); ok {
		tok.RefreshToken = v
	}
	return tok, tok.AccessToken != "" || tok.RefreshToken != ""
}

func TestNewDefaultScope(t *testing.T) {
	s := New("client-id", "secret", "http://localhost/callback", nil, newMockTokenStore())
	if len(s.oauth.Scopes) != 1 || !strings.Contains(s.oauth.Scopes[0], "auth/youtube") {
		t.Errorf("default scopes = %v, want the youtube scope", s.oauth.Scopes)
	}

	s = New("client-id", "secret", "http://localhost/callback", []string{"custom-scope"}, newMockTokenStore())
	if len(s.oauth.Scopes) != 1 || s.oauth.Scopes[0] != "custom-scope" {
		t.Errorf("scopes = %v, want [custom-scope]", s.oauth.Scopes)
	}
}

func TestAuthCodeURL(t *testing.T) {
	s := New("client-id", "secret", "http://localhost/callback", nil, newMockTokenStore())
	raw := s.AuthCodeURL("state-xyz")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("AuthCodeURL() returned unparseable URL: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "client-id" {
		t.Errorf("client_id = %q, want client-id", q.Get("client_id"))
	}
	if q.Get("state") != "state-xyz" {
		t.Errorf("state = %q, want state-xyz", q.Get("state"))
	}
	// Offline access is required so a refresh token is issued.
	if q.Get("access_type") != "offline" {
		t.Errorf("access_type = %q, want offline", q.Get("access_type"))
	}
}

func TestPersist(t *testing.T) {
	ts := newMockTokenStore()
	s := New("client-id", "secret", "http://localhost/callback", nil, ts)

	err := s.persist(&oauth2.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("persist() error = %v", err)
	}

	rec := ts.records[Provider]
	if rec["access_token"] != "access-1" || rec["refresh_token"] != "refresh-1" {
		t.Errorf("persisted fields = %v", rec)
	}
	if in, ok := rec["expires_in"].(int64); !ok || in < 3500 || in > 3600 {
		t.Errorf("expires_in = %v, want ~3600", rec["expires_in"])
	}

	// A token without a refresh token must not clobber the stored one.
	if err := s.persist(&oauth2.Token{AccessToken: "access-2", Expiry: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("persist() error = %v", err)
	}
	if rec["refresh_token"] != "refresh-1" {
		t.Errorf("refresh_token = %v, want refresh-1 preserved", rec["refresh_token"])
	}
}

func TestRefreshUsesStoredRefreshToken(t *testing.T) {
	var gotRefreshToken string
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotRefreshToken = r.Form.Get("refresh_token")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"refreshed-access","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	ts := newMockTokenStore()
	_ = ts.Save(Provider, map[string]any{
		"access_token":  "stale-access",
		"refresh_token": "stored-refresh",
	})

	s := New("client-id", "secret", "http://localhost/callback", nil, ts)
	s.oauth.Endpoint = oauth2.Endpoint{TokenURL: tokenServer.URL}

	tok, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if gotRefreshToken != "stored-refresh" {
		t.Errorf("token endpoint saw refresh_token %q, want stored-refresh", gotRefreshToken)
	}
	if tok.AccessToken != "refreshed-access" {
		t.Errorf("AccessToken = %q, want refreshed-access", tok.AccessToken)
	}
	if ts.records[Provider]["access_token"] != "refreshed-access" {
		t.Errorf("refreshed token not persisted: %v", ts.records[Provider])
	}
}

func TestRefreshWithoutStoredToken(t *testing.T) {
	s := New("client-id", "secret", "http://localhost/callback", nil, newMockTokenStore())
	if _, err := s.Refresh(context.Background()); err == nil {
		t.Error("Refresh() without stored token expected error")
	}
}
