// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data
// API for live chat: resolving the active broadcast's chat id, polling
// messages behind a page-token cursor, and inserting outbound messages.
// Tokens are persisted via the provided TokenStore so the connector and the
// background refresher share one credential record.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatbridge/tokenstore"
)

// Provider is the token store key for YouTube credentials.
const Provider = "youtube"

// ErrNoActiveBroadcast is returned when the authorized channel has no live
// broadcast to attach to. Callers treat it as a transient condition.
var ErrNoActiveBroadcast = errors.New("no active live broadcast")

// TokenStore is the credential persistence the service needs.
type TokenStore interface {
	Save(platform string, fields map[string]any) error
	Load(platform string) (tokenstore.Token, bool)
}

// Service holds the OAuth2 client config and token persistence.
type Service struct {
	oauth  *oauth2.Config
	tokens TokenStore
}

// New builds a Service. scopes defaults to the read/write live chat scope.
func New(clientID, clientSecret, redirectURI string, scopes []string, ts TokenStore) *Service {
	if len(scopes) == 0 {
		scopes = []string{"https://www.googleapis.com/auth/youtube"}
	}
	return &Service{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  redirectURI,
			Scopes:       scopes,
		},
		tokens: ts,
	}
}

// AuthCodeURL builds the user authorization URL for the OAuth code grant.
func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for tokens and persists them.
func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.persist(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// Refresh forces a refresh-token grant and persists the result. Used by the
// background token refresher.
func (s *Service) Refresh(ctx context.Context) (*oauth2.Token, error) {
	stored, ok := s.tokens.Load(Provider)
	if !ok {
		return nil, errors.New("no youtube token stored")
	}
	seed := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute), // force refresh
	}
	newTok, err := s.oauth.TokenSource(ctx, seed).Token()
	if err != nil {
		return nil, err
	}
	if err := s.persist(newTok); err != nil {
		return nil, err
	}
	return newTok, nil
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	stored, ok := s.tokens.Load(Provider)
	if !ok {
		return nil, errors.New("no youtube token stored")
	}
	tok := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
	}
	if stored.ExpiresAt > 0 {
		tok.Expiry = time.Unix(stored.ExpiresAt, 0)
	}
	if tok.Valid() && time.Until(tok.Expiry) > 2*time.Minute {
		return tok, nil
	}
	newTok, err := s.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return tok, err
	}
	if newTok.AccessToken != tok.AccessToken {
		if perr := s.persist(newTok); perr != nil {
			return newTok, perr
		}
	}
	return newTok, nil
}

func (s *Service) persist(tok *oauth2.Token) error {
	fields := map[string]any{
		"access_token": tok.AccessToken,
		"expires_in":   int64(time.Until(tok.Expiry).Seconds()),
	}
	if tok.RefreshToken != "" {
		fields["refresh_token"] = tok.RefreshToken
	}
	return s.tokens.Save(Provider, fields)
}

// Client returns an authorized YouTube API client, refreshing the stored
// token when it is close to expiry.
func (s *Service) Client(ctx context.Context) (*yt.Service, error) {
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	return yt.NewService(ctx, option.WithHTTPClient(s.oauth.Client(ctx, tok)))
}

// ActiveLiveChatID resolves the authorized channel's active broadcast to its
// live chat id.
func ActiveLiveChatID(svc *yt.Service) (string, error) {
	res, err := svc.LiveBroadcasts.List([]string{"snippet"}).
		BroadcastStatus("active").BroadcastType("all").Do()
	if err != nil {
		return "", err
	}
	for _, item := range res.Items {
		if item.Snippet != nil && item.Snippet.LiveChatId != "" {
			return item.Snippet.LiveChatId, nil
		}
	}
	return "", ErrNoActiveBroadcast
}

// ChatItem is one normalized live chat message.
type ChatItem struct {
	ID          string
	Author      string
	AuthorID    string
	Text        string
	PublishedAt time.Time
}

// ChatPage is one poll result. NextPageToken is the cursor for the following
// request; PollingInterval is the server's minimum-wait hint.
type ChatPage struct {
	Messages        []ChatItem
	NextPageToken   string
	PollingInterval time.Duration
}

// PollMessages fetches one page of live chat messages.
func PollMessages(svc *yt.Service, liveChatID, pageToken string) (*ChatPage, error) {
	call := svc.LiveChatMessages.List(liveChatID, []string{"snippet", "authorDetails"})
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return nil, err
	}
	page := &ChatPage{
		NextPageToken:   res.NextPageToken,
		PollingInterval: time.Duration(res.PollingIntervalMillis) * time.Millisecond,
	}
	for _, item := range res.Items {
		if item.Snippet == nil {
			continue
		}
		ci := ChatItem{
			ID:   item.Id,
			Text: item.Snippet.DisplayMessage,
		}
		if item.AuthorDetails != nil {
			ci.Author = item.AuthorDetails.DisplayName
			ci.AuthorID = item.AuthorDetails.ChannelId
		}
		if ts, perr := time.Parse(time.RFC3339, item.Snippet.PublishedAt); perr == nil {
			ci.PublishedAt = ts
		}
		page.Messages = append(page.Messages, ci)
	}
	return page, nil
}

// SendMessage inserts text into the live chat.
func SendMessage(svc *yt.Service, liveChatID, text string) error {
	if svc == nil {
		return fmt.Errorf("nil youtube service")
	}
	msg := &yt.LiveChatMessage{
		Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId: liveChatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}
	_, err := svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Do()
	return err
}
