package store

import (
	"context"
	"sync"
)

// Memory keeps credentials in process memory. Used by tests and STORE_BACKEND=memory.
type Memory struct {
	locks channelLocks
	mu    sync.RWMutex
	data  map[string]Credential
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]Credential)}
}

func (m *Memory) Load(ctx context.Context) map[string]Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Credential, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

func (m *Memory) Get(ctx context.Context, channel string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.data[channel]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) Put(ctx context.Context, cred Credential) error {
	unlock := m.locks.lock(cred.Channel)
	defer unlock()
	m.write(cred, true)
	return nil
}

func (m *Memory) Update(ctx context.Context, channel string, fn func(*Credential) error) (Credential, error) {
	unlock := m.locks.lock(channel)
	defer unlock()
	cur, err := m.Get(ctx, channel)
	if err != nil {
		return Credential{}, err
	}
	if err := fn(&cur); err != nil {
		return Credential{}, err
	}
	cur.Channel = channel
	return m.write(cur, false), nil
}

func (m *Memory) write(cred Credential, keepStamp bool) Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamp(&cred, keepStamp)
	m.data[cred.Channel] = cred
	return cred
}
