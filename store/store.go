// Package store persists channel credentials: the OAuth token material that
// lets the bot act on behalf of a Kick channel. Three backends share one
// contract: an in-memory map, a JSON file in the legacy tokens.json layout,
// and a Postgres table.
//
// Contract:
//   - Load never fails. Missing or unreadable storage is logged and treated
//     as "no channel authorized yet".
//   - Put is durable before it returns. It keeps a non-zero UpdatedAt from
//     the caller (imports carry the source age) and stamps now otherwise.
//   - Update always stamps UpdatedAt with now.
//   - Update performs an atomic read-modify-write for one channel so a token
//     refresh cannot interleave with a concurrent authorization.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Get and Update when no credential exists for a channel.
var ErrNotFound = errors.New("credential not found")

// Credential is the token material for one channel.
type Credential struct {
	Channel      string
	AccessToken  string
	RefreshToken string
	// Expiry is issuance time plus the lifetime the server declared.
	Expiry    time.Time
	Scope     string
	UpdatedAt time.Time
}

// ExpiresWithin reports whether the credential is past expiry minus margin at now.
func (c Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return now.After(c.Expiry.Add(-margin))
}

// MaskedToken returns the last characters of the access token for log lines.
func (c Credential) MaskedToken() string {
	if len(c.AccessToken) <= 6 {
		return "***"
	}
	return "***" + c.AccessToken[len(c.AccessToken)-6:]
}

// Store is the credential persistence contract shared by all backends.
type Store interface {
	Load(ctx context.Context) map[string]Credential
	Get(ctx context.Context, channel string) (Credential, error)
	Put(ctx context.Context, cred Credential) error
	// Update loads the channel's credential, applies fn and persists the result
	// while holding the channel lock. If fn returns an error nothing is written
	// and the error is returned unchanged.
	Update(ctx context.Context, channel string, fn func(*Credential) error) (Credential, error)
}

// stamp sets UpdatedAt to now unless keep is set and the caller supplied one.
func stamp(c *Credential, keep bool) {
	if keep && !c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.UpdatedAt.UTC()
		return
	}
	c.UpdatedAt = time.Now().UTC()
}

// channelLocks hands out one mutex per channel.
type channelLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *channelLocks) lock(channel string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[channel]
	if !ok {
		m = &sync.Mutex{}
		l.locks[channel] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
