// Package auth runs the OAuth2 authorization-code flow with PKCE for a Kick
// channel owner. BeginAuthorization binds a fresh state and verifier to the
// caller's browser session; CompleteAuthorization consumes them exactly once,
// exchanges the code, resolves the channel and persists the credential.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/onnwee/kickbot/kickapi"
	"github.com/onnwee/kickbot/store"
	"github.com/onnwee/kickbot/telemetry"
)

var (
	// ErrNoAttempt means the browser session has no outstanding attempt (never
	// started, already consumed, or expired).
	ErrNoAttempt = errors.New("no authorization attempt for session")
	// ErrStateMismatch means the callback state differs from the stored one.
	ErrStateMismatch = errors.New("authorization state mismatch")
)

// ExchangeError reports a failed callback: the provider refused the grant,
// the user denied access, or the token endpoint was unreachable.
type ExchangeError struct {
	Reason string
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token exchange failed: %s: %v", e.Reason, e.Err)
	}
	return "token exchange failed: " + e.Reason
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// TokenExchanger is the OAuth side of the platform client.
type TokenExchanger interface {
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (kickapi.Token, error)
}

// UserResolver maps an access token to the account it belongs to.
type UserResolver interface {
	CurrentUser(ctx context.Context, accessToken string) (kickapi.User, error)
}

// Authorizer implements the PKCE authorization flow.
type Authorizer struct {
	oauth    TokenExchanger
	users    UserResolver
	store    store.Store
	attempts AttemptStore
	now      func() time.Time
}

// New wires an Authorizer.
func New(oauth TokenExchanger, users UserResolver, st store.Store, attempts AttemptStore) *Authorizer {
	return &Authorizer{oauth: oauth, users: users, store: st, attempts: attempts, now: time.Now}
}

// NewState returns 16 random bytes, base64url encoded.
func NewState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// BeginAuthorization records a new attempt for sessionID, replacing any
// previous one, and returns the authorize URL to redirect the browser to.
func (a *Authorizer) BeginAuthorization(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("empty session id")
	}
	state, err := NewState()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()
	if err := a.attempts.Save(ctx, sessionID, Attempt{State: state, Verifier: verifier, CreatedAt: a.now()}); err != nil {
		return "", fmt.Errorf("save attempt: %w", err)
	}
	return a.oauth.AuthCodeURL(state, verifier), nil
}

// Deny discards the session's attempt after the provider redirected back
// with an error (e.g. the user refused consent).
func (a *Authorizer) Deny(ctx context.Context, sessionID, reason string) error {
	if _, _, err := a.attempts.Take(ctx, sessionID); err != nil {
		slog.Warn("discard attempt failed", slog.Any("err", err), slog.String("component", "auth"))
	}
	telemetry.IncAuthorization("exchange_failed")
	return &ExchangeError{Reason: reason}
}

// CompleteAuthorization validates the callback against the stored attempt,
// exchanges the code and persists the resulting credential. The attempt is
// consumed whatever the outcome.
func (a *Authorizer) CompleteAuthorization(ctx context.Context, sessionID, state, code string) (cred store.Credential, err error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerAuth, "auth.complete")
	defer func() { telemetry.EndSpan(span, err) }()

	att, ok, err := a.attempts.Take(ctx, sessionID)
	if err != nil {
		return store.Credential{}, fmt.Errorf("load attempt: %w", err)
	}
	if !ok {
		telemetry.IncAuthorization("no_attempt")
		return store.Credential{}, ErrNoAttempt
	}
	if state != att.State {
		telemetry.IncAuthorization("state_mismatch")
		return store.Credential{}, ErrStateMismatch
	}
	if code == "" {
		telemetry.IncAuthorization("exchange_failed")
		return store.Credential{}, &ExchangeError{Reason: "no code received"}
	}

	var tok kickapi.Token
	telemetry.TimeFunc(telemetry.TokenExchangeDuration, func() {
		tok, err = a.oauth.Exchange(ctx, code, att.Verifier)
	})
	if err != nil {
		telemetry.IncAuthorization("exchange_failed")
		return store.Credential{}, &ExchangeError{Reason: kickapi.ErrorDescription(err), Err: err}
	}

	user, err := a.users.CurrentUser(ctx, tok.AccessToken)
	if err != nil {
		telemetry.IncAuthorization("exchange_failed")
		return store.Credential{}, &ExchangeError{Reason: "resolve user", Err: err}
	}
	span.SetAttributes(attribute.String("channel", user.Username))

	cred = store.Credential{
		Channel:      user.Username,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        tok.Scope,
	}
	if err := a.store.Put(ctx, cred); err != nil {
		return store.Credential{}, fmt.Errorf("persist credential: %w", err)
	}
	telemetry.IncAuthorization("ok")
	telemetry.LoggerWithCorr(ctx).Info("channel authorized",
		slog.String("channel", cred.Channel), slog.String("token", cred.MaskedToken()),
		slog.Time("expires_at", cred.Expiry), slog.String("component", "auth"))
	return cred, nil
}
