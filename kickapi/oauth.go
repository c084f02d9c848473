package kickapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTokenLifetime is assumed when the token endpoint omits expires_in.
const DefaultTokenLifetime = 60 * time.Minute

// Token is the result of an authorization_code or refresh_token grant.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// OAuthClient talks to the Kick identity endpoints. Client credentials are
// sent in the form body. HTTPClient, when set, is used for every token call.
type OAuthClient struct {
	cfg        *oauth2.Config
	HTTPClient *http.Client
	now        func() time.Time
}

// NewOAuthClient builds a client for the given endpoints.
func NewOAuthClient(clientID, clientSecret, redirectURI, authURL, tokenURL string, scopes []string) *OAuthClient {
	return &OAuthClient{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		now: time.Now,
	}
}

// AuthCodeURL returns the authorize URL carrying state and the S256 challenge
// derived from verifier.
func (c *OAuthClient) AuthCodeURL(state, verifier string) string {
	return c.cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange trades an authorization code plus its PKCE verifier for tokens.
func (c *OAuthClient) Exchange(ctx context.Context, code, verifier string) (Token, error) {
	if code == "" || verifier == "" {
		return Token{}, errors.New("missing code or verifier for auth code exchange")
	}
	tok, err := c.cfg.Exchange(c.context(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Token{}, fmt.Errorf("kick auth code exchange failed: %w", err)
	}
	return c.tokenFrom(tok), nil
}

// Refresh performs a refresh_token grant.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if refreshToken == "" {
		return Token{}, errors.New("missing refresh token")
	}
	tok, err := c.cfg.TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Token{}, fmt.Errorf("kick refresh failed: %w", err)
	}
	return c.tokenFrom(tok), nil
}

func (c *OAuthClient) context(ctx context.Context) context.Context {
	if c.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}
	return ctx
}

func (c *OAuthClient) tokenFrom(tok *oauth2.Token) Token {
	out := Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
	if out.Expiry.IsZero() {
		out.Expiry = ComputeExpiry(c.now(), 0)
		slog.Warn("token response without expires_in, assuming default lifetime",
			slog.Duration("lifetime", DefaultTokenLifetime), slog.String("component", "kickapi"))
	}
	switch s := tok.Extra("scope").(type) {
	case string:
		out.Scope = strings.TrimSpace(s)
	case []any:
		parts := make([]string, 0, len(s))
		for _, p := range s {
			if ps, ok := p.(string); ok {
				parts = append(parts, ps)
			}
		}
		out.Scope = strings.Join(parts, " ")
	}
	return out
}

// ComputeExpiry returns absolute expiry from seconds, defaulting to DefaultTokenLifetime when unknown.
func ComputeExpiry(now time.Time, seconds int) time.Time {
	if seconds <= 0 {
		return now.Add(DefaultTokenLifetime)
	}
	return now.Add(time.Duration(seconds) * time.Second)
}

// ErrorDescription extracts the provider's error_description (or error code)
// from a failed token call, falling back to the error text.
func ErrorDescription(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorDescription != "" {
			return re.ErrorDescription
		}
		if re.ErrorCode != "" {
			return re.ErrorCode
		}
		if re.Response != nil {
			return re.Response.Status
		}
	}
	return err.Error()
}
