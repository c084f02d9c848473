// Package coordinator owns the single chat session of the process and
// replaces it when a channel is authorized or its token is refreshed.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/kickbot/chat"
	"github.com/onnwee/kickbot/store"
)

var (
	// ErrNoChannel is returned by Restart before any channel was activated.
	ErrNoChannel = errors.New("no channel authorized")
	errShutdown  = errors.New("coordinator shut down")
)

// Session is what the coordinator drives; *chat.Session implements it.
type Session interface {
	Start(ctx context.Context) error
	Stop()
	Send(text string) error
	Phase() chat.Phase
	// TakePending returns a queued message the stopped session never sent.
	TakePending() (string, bool)
}

// Credentials is the lookup Restart uses to reload the current channel.
type Credentials interface {
	Get(ctx context.Context, channel string) (store.Credential, error)
}

// Factory builds an unstarted session for a credential.
type Factory func(cred store.Credential) Session

// ChatFactory returns a Factory producing chat sessions from base options.
func ChatFactory(base chat.Options) Factory {
	return func(cred store.Credential) Session {
		opts := base
		opts.Channel = cred.Channel
		opts.AccessToken = cred.AccessToken
		return chat.NewSession(opts)
	}
}

// Coordinator serializes session replacement: the previous session is fully
// stopped before its successor starts.
type Coordinator struct {
	ctx     context.Context
	factory Factory
	creds   Credentials

	mu      sync.Mutex
	channel string
	session Session
	closed  bool
}

// New returns a coordinator whose sessions live at most as long as ctx.
// creds backs Restart.
func New(ctx context.Context, factory Factory, creds Credentials) *Coordinator {
	return &Coordinator{ctx: ctx, factory: factory, creds: creds}
}

// Activate makes cred's channel current and (re)starts its session.
func (c *Coordinator) Activate(cred store.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.replaceLocked(cred)
}

// OnRefreshed restarts the session with the new token when cred belongs to
// the current channel. Other channels were persisted by the caller already.
func (c *Coordinator) OnRefreshed(cred store.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.session == nil || cred.Channel != c.channel {
		return
	}
	c.replaceLocked(cred)
}

// Restart rebuilds the session of the last activated channel from its
// stored credential, without a new authorization. It returns the channel.
func (c *Coordinator) Restart(ctx context.Context) (string, error) {
	c.mu.Lock()
	channel, closed := c.channel, c.closed
	c.mu.Unlock()
	if closed {
		return "", errShutdown
	}
	if channel == "" || c.creds == nil {
		return "", ErrNoChannel
	}
	cred, err := c.creds.Get(ctx, channel)
	if err != nil {
		return channel, fmt.Errorf("load credential %s: %w", channel, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return channel, errShutdown
	}
	if c.channel != channel {
		// Another activation won meanwhile; its session is already fresh.
		return c.channel, nil
	}
	c.replaceLocked(cred)
	return channel, nil
}

func (c *Coordinator) replaceLocked(cred store.Credential) {
	var carried string
	var hasCarried bool
	if c.session != nil {
		c.session.Stop()
		carried, hasCarried = c.session.TakePending()
		c.session = nil
	}
	if hasCarried && c.channel != cred.Channel {
		dropped(c.channel, carried, fmt.Errorf("channel switched to %s", cred.Channel))
		hasCarried = false
	}
	c.channel = cred.Channel
	s := c.factory(cred)
	if hasCarried {
		// The new session is idle, so this only queues.
		if err := s.Send(carried); err != nil {
			dropped(cred.Channel, carried, err)
		}
	}
	if err := s.Start(c.ctx); err != nil {
		slog.Error("chat session start failed", slog.String("channel", cred.Channel), slog.Any("err", err), slog.String("component", "coordinator"))
		if text, ok := s.TakePending(); ok {
			dropped(cred.Channel, text, err)
		}
		return
	}
	c.session = s
	slog.Info("chat session started", slog.String("channel", cred.Channel), slog.String("token", cred.MaskedToken()), slog.String("component", "coordinator"))
}

func dropped(channel, text string, err error) {
	slog.Warn("queued chat message dropped", slog.String("channel", channel), slog.String("content", text), slog.Any("err", err), slog.String("component", "coordinator"))
}

// CurrentChannel reports the channel of the live session.
func (c *Coordinator) CurrentChannel() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return "", false
	}
	return c.channel, true
}

// Send forwards to the current session.
func (c *Coordinator) Send(text string) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return chat.ErrNotConnected
	}
	return s.Send(text)
}

// Phase of the current session, disconnected when there is none.
func (c *Coordinator) Phase() chat.Phase {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return chat.PhaseDisconnected
	}
	return s.Phase()
}

// Shutdown stops the current session; later activations are ignored.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.session != nil {
		c.session.Stop()
		if text, ok := c.session.TakePending(); ok {
			dropped(c.channel, text, errShutdown)
		}
		c.session = nil
	}
}
