package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/onnwee/kickbot/crypto"
)

// fileRecord is one entry of the tokens.json document. expires_at is epoch
// milliseconds so files written by earlier deployments load unchanged.
type fileRecord struct {
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token"`
	ExpiresAt         int64  `json:"expires_at"`
	Scope             string `json:"scope,omitempty"`
	EncryptionVersion int    `json:"encryption_version,omitempty"`
	UpdatedAt         int64  `json:"updated_at,omitempty"`
}

// File persists credentials as a JSON object keyed by channel. Every write
// rewrites the whole document via a temp file, fsync and rename. Times are
// kept at millisecond precision, so Get after Put already returns what a
// later reload will.
type File struct {
	path  string
	enc   crypto.Encryptor
	locks channelLocks

	mu    sync.RWMutex // guards cache and serializes file writes
	cache map[string]Credential
}

// NewFile opens the store at path. A missing or corrupt file yields an empty store.
// enc may be nil to keep tokens in plaintext.
func NewFile(path string, enc crypto.Encryptor) *File {
	f := &File{path: path, enc: enc}
	f.cache = f.read()
	return f
}

// Path returns the backing file location.
func (f *File) Path() string { return f.path }

func (f *File) Load(ctx context.Context) map[string]Credential {
	fresh := f.read()
	f.mu.Lock()
	f.cache = fresh
	f.mu.Unlock()
	out := make(map[string]Credential, len(fresh))
	for k, v := range fresh {
		out[k] = v
	}
	return out
}

func (f *File) Get(ctx context.Context, channel string) (Credential, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.cache[channel]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (f *File) Put(ctx context.Context, cred Credential) error {
	unlock := f.locks.lock(cred.Channel)
	defer unlock()
	_, err := f.write(cred, true)
	return err
}

func (f *File) Update(ctx context.Context, channel string, fn func(*Credential) error) (Credential, error) {
	unlock := f.locks.lock(channel)
	defer unlock()
	cur, err := f.Get(ctx, channel)
	if err != nil {
		return Credential{}, err
	}
	if err := fn(&cur); err != nil {
		return Credential{}, err
	}
	cur.Channel = channel
	return f.write(cur, false)
}

func (f *File) write(cred Credential, keepStamp bool) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stamp(&cred, keepStamp)
	cred.Expiry = cred.Expiry.Truncate(time.Millisecond)
	cred.UpdatedAt = cred.UpdatedAt.Truncate(time.Millisecond)
	next := make(map[string]Credential, len(f.cache)+1)
	for k, v := range f.cache {
		next[k] = v
	}
	next[cred.Channel] = cred
	if err := f.flush(next); err != nil {
		return Credential{}, err
	}
	f.cache = next
	return cred, nil
}

func (f *File) flush(all map[string]Credential) error {
	doc := make(map[string]fileRecord, len(all))
	for ch, c := range all {
		access, refresh, version, err := crypto.Seal(f.enc, c.AccessToken, c.RefreshToken)
		if err != nil {
			return fmt.Errorf("seal %s: %w", ch, err)
		}
		doc[ch] = fileRecord{
			AccessToken:       access,
			RefreshToken:      refresh,
			ExpiresAt:         c.Expiry.UnixMilli(),
			Scope:             c.Scope,
			EncryptionVersion: version,
			UpdatedAt:         c.UpdatedAt.UnixMilli(),
		}
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

// read parses the file. It never fails; problems are logged and the affected
// data is skipped.
func (f *File) read() map[string]Credential {
	out := make(map[string]Credential)
	b, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("token file unreadable, starting empty", slog.String("path", f.path), slog.Any("err", err), slog.String("component", "store"))
		}
		return out
	}
	var doc map[string]fileRecord
	if err := json.Unmarshal(b, &doc); err != nil {
		slog.Warn("token file corrupt, starting empty", slog.String("path", f.path), slog.Any("err", err), slog.String("component", "store"))
		return out
	}
	for ch, r := range doc {
		access, refresh, err := crypto.Open(f.enc, r.EncryptionVersion, r.AccessToken, r.RefreshToken)
		if err != nil {
			slog.Warn("skipping undecryptable credential", slog.String("channel", ch), slog.Any("err", err), slog.String("component", "store"))
			continue
		}
		c := Credential{
			Channel:      ch,
			AccessToken:  access,
			RefreshToken: refresh,
			Expiry:       time.UnixMilli(r.ExpiresAt).UTC(),
			Scope:        r.Scope,
		}
		if r.UpdatedAt > 0 {
			c.UpdatedAt = time.UnixMilli(r.UpdatedAt).UTC()
		}
		out[ch] = c
	}
	return out
}
