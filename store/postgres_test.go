package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres store test")
	}
	db, err := Connect(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE credentials`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 2; i++ {
		if err := Migrate(db); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}
}

func TestPostgresRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := NewPostgres(openTestDB(t), testEncryptor(t))

	c := sampleCredential("grace")
	if err := p.Put(ctx, c); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := p.Get(ctx, "grace")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	sameCredential(t, got, c)

	if all := p.Load(ctx); len(all) != 1 {
		t.Errorf("Load() = %d credentials, want 1", len(all))
	}

	var stored string
	if err := p.db.QueryRow(`SELECT access_token FROM credentials WHERE channel='grace'`).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if stored == c.AccessToken {
		t.Error("access token stored in plaintext")
	}
}

func TestPostgresUpdate(t *testing.T) {
	ctx := context.Background()
	p := NewPostgres(openTestDB(t), nil)

	if _, err := p.Update(ctx, "nobody", func(*Credential) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() missing error = %v, want ErrNotFound", err)
	}

	_ = p.Put(ctx, sampleCredential("heidi"))
	exp := time.Now().Add(3 * time.Hour).UTC().Truncate(time.Millisecond)
	got, err := p.Update(ctx, "heidi", func(c *Credential) error {
		c.AccessToken = "rotated"
		c.Expiry = exp
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got.AccessToken != "rotated" || got.RefreshToken != "refresh-heidi" {
		t.Errorf("Update() = %+v", got)
	}

	abort := errors.New("abort")
	if _, err := p.Update(ctx, "heidi", func(c *Credential) error {
		c.AccessToken = "discarded"
		return abort
	}); !errors.Is(err, abort) {
		t.Fatalf("Update() error = %v, want abort", err)
	}
	stored, _ := p.Get(ctx, "heidi")
	if stored.AccessToken != "rotated" {
		t.Errorf("aborted update persisted: %q", stored.AccessToken)
	}
}
