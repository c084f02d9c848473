// Package kickapi contains minimal helpers for the Kick platform: the OAuth2
// authorization-code grant with PKCE, the refresh grant, the current-user
// lookup and the channel to chatroom resolution.
package kickapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ErrChannelLookupFailed reports that a channel's chatroom could not be resolved.
var ErrChannelLookupFailed = errors.New("channel lookup failed")

// User is the subset of /api/v2/user/me the bot relies on.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Client issues bearer-authenticated calls against the Kick REST API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client rooted at baseURL (e.g. https://kick.com).
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) get(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("kick %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CurrentUser resolves the account the access token belongs to.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (User, error) {
	var u User
	if err := c.get(ctx, accessToken, "/api/v2/user/me", &u); err != nil {
		return User{}, err
	}
	if u.Username == "" {
		return User{}, errors.New("empty username in kick user response")
	}
	return u, nil
}

// Chatroom resolves channel to its chatroom id. Every failure wraps ErrChannelLookupFailed.
func (c *Client) Chatroom(ctx context.Context, accessToken, channel string) (int64, error) {
	if channel == "" {
		return 0, fmt.Errorf("%w: channel empty", ErrChannelLookupFailed)
	}
	var body struct {
		Chatroom *struct {
			ID int64 `json:"id"`
		} `json:"chatroom"`
	}
	if err := c.get(ctx, accessToken, "/api/v2/channels/"+url.PathEscape(channel), &body); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrChannelLookupFailed, err)
	}
	if body.Chatroom == nil || body.Chatroom.ID == 0 {
		return 0, fmt.Errorf("%w: channel %q has no chatroom", ErrChannelLookupFailed, channel)
	}
	return body.Chatroom.ID, nil
}
