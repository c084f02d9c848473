package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Attempt is one outstanding authorization: the state and PKCE verifier
// bound to a browser session between redirect and callback.
type Attempt struct {
	State     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"created_at"`
}

// AttemptStore holds attempts keyed by browser session ID. Take is single-use:
// it removes the attempt atomically with reading it.
type AttemptStore interface {
	Save(ctx context.Context, sessionID string, a Attempt) error
	Take(ctx context.Context, sessionID string) (Attempt, bool, error)
}

// ErrTooManyAttempts is returned when the in-memory store is at capacity.
var ErrTooManyAttempts = errors.New("too many pending authorization attempts")

const maxAttempts = 10000

// MemoryAttempts keeps attempts in a process-local map.
type MemoryAttempts struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	attempts map[string]Attempt
}

// NewMemoryAttempts returns a store whose entries expire after ttl.
func NewMemoryAttempts(ttl time.Duration) *MemoryAttempts {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryAttempts{ttl: ttl, now: time.Now, attempts: make(map[string]Attempt)}
}

func (m *MemoryAttempts) Save(ctx context.Context, sessionID string, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.attempts)%100 == 0 {
		m.sweepLocked()
	}
	if _, replacing := m.attempts[sessionID]; !replacing && len(m.attempts) >= maxAttempts {
		m.sweepLocked()
		if len(m.attempts) >= maxAttempts {
			return ErrTooManyAttempts
		}
	}
	m.attempts[sessionID] = a
	return nil
}

func (m *MemoryAttempts) Take(ctx context.Context, sessionID string) (Attempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[sessionID]
	if !ok {
		return Attempt{}, false, nil
	}
	delete(m.attempts, sessionID)
	if m.now().Sub(a.CreatedAt) > m.ttl {
		return Attempt{}, false, nil
	}
	return a, true, nil
}

// Len reports stored attempts, expired ones included.
func (m *MemoryAttempts) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

func (m *MemoryAttempts) sweepLocked() {
	now := m.now()
	for k, a := range m.attempts {
		if now.Sub(a.CreatedAt) > m.ttl {
			delete(m.attempts, k)
		}
	}
}

// RedisAttempts stores attempts in Redis so any replica can complete a flow.
type RedisAttempts struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisAttempts constructs a Redis-backed attempt store.
func NewRedisAttempts(client redis.UniversalClient, ttl time.Duration) *RedisAttempts {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisAttempts{client: client, ttl: ttl, prefix: "kickbot:auth:attempt:"}
}

func (s *RedisAttempts) Save(ctx context.Context, sessionID string, a Attempt) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+sessionID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("persist attempt: %w", err)
	}
	return nil
}

func (s *RedisAttempts) Take(ctx context.Context, sessionID string) (Attempt, bool, error) {
	b, err := s.client.GetDel(ctx, s.prefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Attempt{}, false, nil
		}
		return Attempt{}, false, fmt.Errorf("load attempt: %w", err)
	}
	var a Attempt
	if err := json.Unmarshal(b, &a); err != nil {
		return Attempt{}, false, fmt.Errorf("decode attempt: %w", err)
	}
	return a, true, nil
}

// Ping checks the Redis connection for readiness probes.
func (s *RedisAttempts) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
