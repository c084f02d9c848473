package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/onnwee/kickbot/kickapi"
	"github.com/onnwee/kickbot/store"
	"github.com/onnwee/kickbot/testutil"
)

type fixture struct {
	mock  *testutil.MockKick
	store *store.Memory
	auth  *Authorizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := testutil.NewMockKick(t)
	oc := kickapi.NewOAuthClient("cid", "secret", "http://localhost:3000/callback", m.AuthURL(), m.TokenURL(),
		[]string{"chat:read", "chat:write", "user:read"})
	st := store.NewMemory()
	return &fixture{
		mock:  m,
		store: st,
		auth:  New(oc, kickapi.NewClient(m.URL), st, NewMemoryAttempts(0)),
	}
}

func begin(t *testing.T, f *fixture, session string) url.Values {
	t.Helper()
	raw, err := f.auth.BeginAuthorization(context.Background(), session)
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u.Query()
}

func TestBeginAuthorizationChallenge(t *testing.T) {
	f := newFixture(t)
	q := begin(t, f, "sess-1")

	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	state := q.Get("state")
	if len(state) != 22 {
		t.Errorf("state length = %d, want 22", len(state))
	}

	att, ok, _ := f.auth.attempts.Take(context.Background(), "sess-1")
	if !ok {
		t.Fatal("attempt not stored")
	}
	if len(att.Verifier) != 43 {
		t.Errorf("verifier length = %d, want 43", len(att.Verifier))
	}
	sum := sha256.Sum256([]byte(att.Verifier))
	if want := base64.RawURLEncoding.EncodeToString(sum[:]); q.Get("code_challenge") != want {
		t.Errorf("code_challenge = %q, want %q", q.Get("code_challenge"), want)
	}
	if att.State != state {
		t.Errorf("stored state %q != url state %q", att.State, state)
	}
}

func TestBeginAuthorizationReplacesPrevious(t *testing.T) {
	f := newFixture(t)
	first := begin(t, f, "sess").Get("state")
	second := begin(t, f, "sess").Get("state")
	if first == second {
		t.Fatal("states not fresh")
	}
	if _, err := f.auth.CompleteAuthorization(context.Background(), "sess", first, "code"); !errors.Is(err, ErrStateMismatch) {
		t.Errorf("old state error = %v, want ErrStateMismatch", err)
	}
}

func TestCompleteAuthorization(t *testing.T) {
	f := newFixture(t)
	f.mock.SetUser("alice", 9)
	f.mock.SetTokens("at", "rt", 3600)
	ctx := context.Background()

	state := begin(t, f, "sess").Get("state")
	cred, err := f.auth.CompleteAuthorization(ctx, "sess", state, "code-1")
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}
	if cred.Channel != "alice" || cred.AccessToken != "at" || cred.RefreshToken != "rt" {
		t.Errorf("credential = %+v", cred)
	}
	stored, err := f.store.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("credential not persisted: %v", err)
	}
	if stored.AccessToken != "at" {
		t.Errorf("stored = %+v", stored)
	}

	if v := f.mock.TokenRequests()[0].Get("code_verifier"); v == "" {
		t.Error("verifier not sent on exchange")
	}

	// Attempts are single-use.
	if _, err := f.auth.CompleteAuthorization(ctx, "sess", state, "code-1"); !errors.Is(err, ErrNoAttempt) {
		t.Errorf("replay error = %v, want ErrNoAttempt", err)
	}
}

func TestCompleteAuthorizationFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("no attempt", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.auth.CompleteAuthorization(ctx, "unknown", "s", "c"); !errors.Is(err, ErrNoAttempt) {
			t.Errorf("error = %v, want ErrNoAttempt", err)
		}
	})

	t.Run("state mismatch consumes attempt", func(t *testing.T) {
		f := newFixture(t)
		state := begin(t, f, "sess").Get("state")
		if _, err := f.auth.CompleteAuthorization(ctx, "sess", "forged", "c"); !errors.Is(err, ErrStateMismatch) {
			t.Fatalf("error = %v, want ErrStateMismatch", err)
		}
		if _, err := f.auth.CompleteAuthorization(ctx, "sess", state, "c"); !errors.Is(err, ErrNoAttempt) {
			t.Errorf("retry error = %v, want ErrNoAttempt", err)
		}
		if len(f.mock.TokenRequests()) != 0 {
			t.Error("token endpoint called on mismatch")
		}
	})

	t.Run("token endpoint refuses", func(t *testing.T) {
		f := newFixture(t)
		f.mock.FailToken(http.StatusBadRequest)
		state := begin(t, f, "sess").Get("state")
		_, err := f.auth.CompleteAuthorization(ctx, "sess", state, "bad-code")
		var xe *ExchangeError
		if !errors.As(err, &xe) {
			t.Fatalf("error = %v, want ExchangeError", err)
		}
		if xe.Reason != "mock token failure" {
			t.Errorf("Reason = %q", xe.Reason)
		}
		if len(f.store.Load(ctx)) != 0 {
			t.Error("credential stored after failed exchange")
		}
	})

	t.Run("missing code", func(t *testing.T) {
		f := newFixture(t)
		state := begin(t, f, "sess").Get("state")
		var xe *ExchangeError
		if _, err := f.auth.CompleteAuthorization(ctx, "sess", state, ""); !errors.As(err, &xe) {
			t.Errorf("error = %v, want ExchangeError", err)
		}
	})
}

func TestDenyDiscardsAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	state := begin(t, f, "sess").Get("state")

	err := f.auth.Deny(ctx, "sess", "access_denied")
	var xe *ExchangeError
	if !errors.As(err, &xe) || xe.Reason != "access_denied" {
		t.Fatalf("Deny() = %v", err)
	}
	if _, err := f.auth.CompleteAuthorization(ctx, "sess", state, "code"); !errors.Is(err, ErrNoAttempt) {
		t.Errorf("after deny error = %v, want ErrNoAttempt", err)
	}
}

func TestBeginAuthorizationEmptySession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.auth.BeginAuthorization(context.Background(), ""); err == nil {
		t.Error("expected error for empty session id")
	}
}
