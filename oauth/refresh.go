// Package oauth keeps the active channel's credential fresh. A Refresher wakes
// on a fixed interval and refreshes when the remaining lifetime falls within
// a margin, then hands the new credential to the session owner.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/kickbot/kickapi"
	"github.com/onnwee/kickbot/store"
	"github.com/onnwee/kickbot/telemetry"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// KickRefresh adapts the Kick OAuth client to a RefreshFunc.
func KickRefresh(c interface {
	Refresh(ctx context.Context, refreshToken string) (kickapi.Token, error)
}) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		tok, err := c.Refresh(ctx, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return tok.AccessToken, tok.RefreshToken, tok.Expiry, tok.Scope, nil
	}
}

// RefreshError wraps a failed refresh grant. The stored credential is left untouched.
type RefreshError struct {
	Channel string
	Err     error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh %s: %v", e.Channel, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// errSuperseded aborts an update when the refresh token changed underneath us.
var errSuperseded = errors.New("credential superseded during refresh")

// refreshTimeout bounds one refresh grant.
const refreshTimeout = 15 * time.Second

// Refresher checks the active channel's credential every Interval.
type Refresher struct {
	Store store.Store
	// Active returns the channel currently driving the chat session.
	Active  func() (string, bool)
	Refresh RefreshFunc
	// Notify receives the refreshed credential; may be nil.
	Notify func(store.Credential)

	Interval time.Duration
	Margin   time.Duration
	Now      func() time.Time
}

func (r *Refresher) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Tick runs one check. It returns nil when nothing needed doing, and
// *RefreshError when the grant failed.
func (r *Refresher) Tick(ctx context.Context) error {
	channel, ok := r.Active()
	if !ok {
		return nil
	}
	cur, err := r.Store.Get(ctx, channel)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if !cur.ExpiresWithin(r.now(), r.Margin) {
		return nil
	}
	if cur.RefreshToken == "" {
		telemetry.IncRefresh("failed")
		return &RefreshError{Channel: channel, Err: errors.New("no refresh token stored")}
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerRefresh, "oauth.refresh", attribute.String("channel", channel))
	ctx2, cancel := context.WithTimeout(ctx, refreshTimeout)
	var newAT, newRT, newScope string
	var newExp time.Time
	telemetry.TimeFunc(telemetry.TokenExchangeDuration, func() {
		newAT, newRT, newExp, newScope, err = r.Refresh(ctx2, cur.RefreshToken)
	})
	cancel()
	if err != nil {
		telemetry.EndSpan(span, err)
		telemetry.IncRefresh("failed")
		return &RefreshError{Channel: channel, Err: err}
	}

	updated, err := r.Store.Update(ctx, channel, func(c *store.Credential) error {
		if c.RefreshToken != cur.RefreshToken {
			return errSuperseded
		}
		c.AccessToken = newAT
		if newRT != "" {
			c.RefreshToken = newRT
		}
		c.Expiry = newExp
		if s := strings.TrimSpace(newScope); s != "" {
			c.Scope = s
		}
		return nil
	})
	if errors.Is(err, errSuperseded) {
		telemetry.EndSpan(span, nil)
		telemetry.IncRefresh("discarded")
		slog.Info("refresh result discarded, credential replaced meanwhile", slog.String("channel", channel), slog.String("component", "refresher"))
		return nil
	}
	if err != nil {
		telemetry.EndSpan(span, err)
		telemetry.IncRefresh("failed")
		return &RefreshError{Channel: channel, Err: fmt.Errorf("persist: %w", err)}
	}
	telemetry.EndSpan(span, nil)
	telemetry.IncRefresh("ok")
	slog.Info("token refreshed", slog.String("channel", channel), slog.String("token", updated.MaskedToken()),
		slog.Time("expires_at", updated.Expiry), slog.String("component", "refresher"))
	if r.Notify != nil {
		r.Notify(updated)
	}
	return nil
}

// Run checks once immediately, then every Interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := r.Tick(ctx); err != nil {
			slog.Warn("token refresh failed", slog.Any("err", err), slog.String("component", "refresher"))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// StartRefresher launches r.Run in a goroutine bound to ctx.
func StartRefresher(ctx context.Context, r *Refresher) {
	go r.Run(ctx)
}
