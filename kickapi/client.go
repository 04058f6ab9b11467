// Package kickapi contains minimal helpers to interact with the Kick chat
// APIs: resolving a channel's chatroom, fetching recent messages behind an
// opaque cursor, and sending messages with a user OAuth token.
package kickapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultBaseURL = "https://kick.com/api/v2"

// APIError is a non-2xx response. RetryAfter carries the Retry-After header
// on 429 responses when the server provided one.
type APIError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("kick api: status %d (retry after %s): %s", e.StatusCode, e.RetryAfter, e.Body)
	}
	return fmt.Sprintf("kick api: status %d: %s", e.StatusCode, e.Body)
}

// Client calls the Kick API. BaseURL and HTTPClient are overridable for tests.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Channel identifies a Kick channel and its chatroom.
type Channel struct {
	ID         int64  `json:"id"`
	Slug       string `json:"slug"`
	ChatroomID int64  `json:"chatroom_id"`
}

// Message is one chat message as returned by the messages endpoint.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Sender    struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
		Slug     string `json:"slug"`
	} `json:"sender"`
}

// MessagesPage is one poll result. Cursor is opaque; pass it back on the next
// call to receive only newer messages.
type MessagesPage struct {
	Messages []Message `json:"messages"`
	Cursor   string    `json:"cursor"`
}

// GetChannel resolves slug to its channel record, including the chatroom id
// used by the message endpoints.
func (c *Client) GetChannel(ctx context.Context, token, slug string) (*Channel, error) {
	if slug == "" {
		return nil, fmt.Errorf("slug empty")
	}
	var ch Channel
	if err := c.get(ctx, token, "/channels/"+url.PathEscape(slug), nil, &ch); err != nil {
		return nil, err
	}
	if ch.ChatroomID == 0 {
		return nil, fmt.Errorf("channel %q has no chatroom", slug)
	}
	return &ch, nil
}

// GetMessages fetches chat messages for a chatroom. cursor may be empty on
// the first call.
func (c *Client) GetMessages(ctx context.Context, token string, chatroomID int64, cursor string) (*MessagesPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var body struct {
		Data MessagesPage `json:"data"`
	}
	path := "/channels/chatrooms/" + strconv.FormatInt(chatroomID, 10) + "/messages"
	if err := c.get(ctx, token, path, q, &body); err != nil {
		return nil, err
	}
	return &body.Data, nil
}

// SendMessage posts text to a chatroom.
func (c *Client) SendMessage(ctx context.Context, token string, chatroomID int64, text string) error {
	payload, err := json.Marshal(map[string]string{"content": text, "type": "message"})
	if err != nil {
		return err
	}
	u := c.base() + "/messages/send/" + strconv.FormatInt(chatroomID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp)
	}
	return nil
}

func (c *Client) get(ctx context.Context, token, path string, q url.Values, out any) error {
	u := c.base() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return newAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newAPIError(resp *http.Response) *APIError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	if resp.StatusCode == http.StatusTooManyRequests {
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return apiErr
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
