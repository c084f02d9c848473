package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/onnwee/kickbot/chat"
	"github.com/onnwee/kickbot/store"
)

// sessionCookie binds a browser to its outstanding authorization attempt.
const sessionCookie = "kickbot_session"

// Authorizer is the OAuth flow used by the auth handlers.
type Authorizer interface {
	BeginAuthorization(ctx context.Context, sessionID string) (string, error)
	CompleteAuthorization(ctx context.Context, sessionID, state, code string) (store.Credential, error)
	Deny(ctx context.Context, sessionID, reason string) error
}

// Coordinator is the session owner driven by the callback and /send.
type Coordinator interface {
	Activate(cred store.Credential)
	Send(text string) error
	Restart(ctx context.Context) (string, error)
	CurrentChannel() (string, bool)
	Phase() chat.Phase
}

// ReadyCheck is one dependency probed by /readyz.
type ReadyCheck struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	auth          Authorizer
	coord         Coordinator
	checks        []ReadyCheck
	secureCookies bool
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(auth Authorizer, coord Coordinator, checks ...ReadyCheck) *Handlers {
	return &Handlers{auth: auth, coord: coord, checks: checks}
}

// browserSession returns the session ID cookie, issuing one if absent.
func (h *Handlers) browserSession(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
