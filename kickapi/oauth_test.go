package kickapi

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/kickbot/testutil"
)

func newTestOAuth(m *testutil.MockKick) *OAuthClient {
	return NewOAuthClient("client-id", "client-secret", "http://localhost:3000/callback", m.AuthURL(), m.TokenURL(),
		[]string{"chat:read", "chat:write", "user:read"})
}

func TestAuthCodeURL(t *testing.T) {
	m := testutil.NewMockKick(t)
	c := newTestOAuth(m)
	verifier := oauth2.GenerateVerifier()

	raw := c.AuthCodeURL("state-123", verifier)
	if !strings.HasPrefix(raw, m.AuthURL()+"?") {
		t.Fatalf("URL doesn't start with authorize endpoint: %s", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	sum := sha256.Sum256([]byte(verifier))
	want := map[string]string{
		"client_id":             "client-id",
		"redirect_uri":          "http://localhost:3000/callback",
		"response_type":         "code",
		"scope":                 "chat:read chat:write user:read",
		"state":                 "state-123",
		"code_challenge":        base64.RawURLEncoding.EncodeToString(sum[:]),
		"code_challenge_method": "S256",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if q.Get("code_verifier") != "" {
		t.Error("authorize URL leaks the verifier")
	}
}

func TestExchange(t *testing.T) {
	m := testutil.NewMockKick(t)
	m.SetTokens("at-1", "rt-1", 3600)
	c := newTestOAuth(m)

	before := time.Now()
	tok, err := c.Exchange(context.Background(), "the-code", "the-verifier")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if tok.AccessToken != "at-1" || tok.RefreshToken != "rt-1" {
		t.Errorf("Exchange() = %+v", tok)
	}
	if tok.Scope != "chat:read chat:write user:read" {
		t.Errorf("scope = %q", tok.Scope)
	}
	if d := tok.Expiry.Sub(before); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("expiry offset = %v, want ~1h", d)
	}

	reqs := m.TokenRequests()
	if len(reqs) != 1 {
		t.Fatalf("token requests = %d, want 1", len(reqs))
	}
	form := reqs[0]
	for k, v := range map[string]string{
		"grant_type":    "authorization_code",
		"code":          "the-code",
		"code_verifier": "the-verifier",
		"client_id":     "client-id",
		"client_secret": "client-secret",
		"redirect_uri":  "http://localhost:3000/callback",
	} {
		if got := form.Get(k); got != v {
			t.Errorf("form %s = %q, want %q", k, got, v)
		}
	}
}

func TestExchangeFailure(t *testing.T) {
	m := testutil.NewMockKick(t)
	m.FailToken(http.StatusBadRequest)
	c := newTestOAuth(m)

	_, err := c.Exchange(context.Background(), "code", "verifier")
	if err == nil {
		t.Fatal("Exchange() expected error")
	}
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		t.Fatalf("error %v does not wrap RetrieveError", err)
	}
	if got := ErrorDescription(err); got != "mock token failure" {
		t.Errorf("ErrorDescription() = %q", got)
	}
}

func TestExchangeRequiresVerifier(t *testing.T) {
	c := NewOAuthClient("id", "secret", "http://x/cb", "http://x/a", "http://x/t", nil)
	if _, err := c.Exchange(context.Background(), "code", ""); err == nil {
		t.Error("Exchange() without verifier expected error")
	}
}

func TestRefresh(t *testing.T) {
	m := testutil.NewMockKick(t)
	m.SetTokens("at-2", "rt-2", 7200)
	c := newTestOAuth(m)

	tok, err := c.Refresh(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.AccessToken != "at-2" || tok.RefreshToken != "rt-2" {
		t.Errorf("Refresh() = %+v", tok)
	}
	form := m.TokenRequests()[0]
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "rt-1" {
		t.Errorf("refresh form = %v", form)
	}
	if form.Get("client_secret") != "client-secret" {
		t.Error("client credentials not sent in form body")
	}
}

func TestRefreshWithoutExpiresIn(t *testing.T) {
	m := testutil.NewMockKick(t)
	m.SetTokens("at-3", "rt-3", 0)
	c := newTestOAuth(m)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	tok, err := c.Refresh(context.Background(), "rt")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !tok.Expiry.Equal(fixed.Add(DefaultTokenLifetime)) {
		t.Errorf("expiry = %v, want %v", tok.Expiry, fixed.Add(DefaultTokenLifetime))
	}
}

func TestRefreshEmptyToken(t *testing.T) {
	c := NewOAuthClient("id", "secret", "http://x/cb", "http://x/a", "http://x/t", nil)
	if _, err := c.Refresh(context.Background(), ""); err == nil {
		t.Error("Refresh(\"\") expected error")
	}
}

func TestComputeExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		seconds int
		want    time.Time
	}{
		{"declared lifetime", 3600, now.Add(time.Hour)},
		{"zero falls back", 0, now.Add(60 * time.Minute)},
		{"negative falls back", -5, now.Add(60 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeExpiry(now, tt.seconds); !got.Equal(tt.want) {
				t.Errorf("ComputeExpiry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorDescriptionFallsBack(t *testing.T) {
	if got := ErrorDescription(errors.New("dial tcp: refused")); got != "dial tcp: refused" {
		t.Errorf("ErrorDescription() = %q", got)
	}
}
