package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/kickbot/crypto"
)

// Connect opens a Postgres connection pool through the pgx stdlib driver.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty DB_DSN")
	}
	return sql.Open("pgx", dsn)
}

// Postgres stores credentials in the credentials table (see migrations/).
// Update locks the row with SELECT ... FOR UPDATE so concurrent processes
// sharing the database also serialize per channel.
type Postgres struct {
	db    *sql.DB
	enc   crypto.Encryptor
	locks channelLocks
}

// NewPostgres wraps an open database. enc may be nil for plaintext storage.
func NewPostgres(db *sql.DB, enc crypto.Encryptor) *Postgres {
	return &Postgres{db: db, enc: enc}
}

const selectCredential = `SELECT channel, access_token, refresh_token, expires_at, scope, encryption_version, updated_at FROM credentials`

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *Postgres) scan(row rowScanner) (Credential, error) {
	var c Credential
	var version int
	if err := row.Scan(&c.Channel, &c.AccessToken, &c.RefreshToken, &c.Expiry, &c.Scope, &version, &c.UpdatedAt); err != nil {
		return Credential{}, err
	}
	access, refresh, err := crypto.Open(p.enc, version, c.AccessToken, c.RefreshToken)
	if err != nil {
		return Credential{}, err
	}
	c.AccessToken, c.RefreshToken = access, refresh
	return c, nil
}

func (p *Postgres) Load(ctx context.Context) map[string]Credential {
	out := make(map[string]Credential)
	rows, err := p.db.QueryContext(ctx, selectCredential)
	if err != nil {
		slog.Warn("credential load failed, starting empty", slog.Any("err", err), slog.String("component", "store"))
		return out
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		c, err := p.scan(rows)
		if err != nil {
			slog.Warn("skipping unreadable credential row", slog.Any("err", err), slog.String("component", "store"))
			continue
		}
		out[c.Channel] = c
	}
	if err := rows.Err(); err != nil {
		slog.Warn("credential load interrupted", slog.Any("err", err), slog.String("component", "store"))
	}
	return out
}

func (p *Postgres) Get(ctx context.Context, channel string) (Credential, error) {
	c, err := p.scan(p.db.QueryRowContext(ctx, selectCredential+` WHERE channel=$1`, channel))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (p *Postgres) Put(ctx context.Context, cred Credential) error {
	unlock := p.locks.lock(cred.Channel)
	defer unlock()
	_, err := p.upsert(ctx, p.db, cred, true)
	return err
}

func (p *Postgres) Update(ctx context.Context, channel string, fn func(*Credential) error) (Credential, error) {
	unlock := p.locks.lock(channel)
	defer unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := p.scan(tx.QueryRowContext(ctx, selectCredential+` WHERE channel=$1 FOR UPDATE`, channel))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("lock credential: %w", err)
	}
	if err := fn(&cur); err != nil {
		return Credential{}, err
	}
	cur.Channel = channel
	saved, err := p.upsert(ctx, tx, cur, false)
	if err != nil {
		return Credential{}, err
	}
	if err := tx.Commit(); err != nil {
		return Credential{}, fmt.Errorf("commit credential: %w", err)
	}
	return saved, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *Postgres) upsert(ctx context.Context, ex execer, cred Credential, keepStamp bool) (Credential, error) {
	access, refresh, version, err := crypto.Seal(p.enc, cred.AccessToken, cred.RefreshToken)
	if err != nil {
		return Credential{}, err
	}
	keyID := ""
	if version == crypto.VersionAESGCM {
		keyID = "default"
	}
	stamp(&cred, keepStamp)
	q := `INSERT INTO credentials(channel, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		  ON CONFLICT(channel) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=EXCLUDED.updated_at`
	if _, err := ex.ExecContext(ctx, q, cred.Channel, access, refresh, cred.Expiry, cred.Scope, version, keyID, cred.UpdatedAt); err != nil {
		return Credential{}, fmt.Errorf("upsert credential: %w", err)
	}
	return cred, nil
}

// Ping reports database reachability for readiness checks.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
