package server

import (
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"github.com/onnwee/kickbot/auth"
	"github.com/onnwee/kickbot/telemetry"
)

// HandleAuthStart redirects the browser to the Kick authorize page.
func (h *Handlers) HandleAuthStart(w http.ResponseWriter, r *http.Request) {
	sid := h.browserSession(w, r)
	authURL, err := h.auth.BeginAuthorization(r.Context(), sid)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("begin authorization failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "authorization unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback completes the flow and starts the chat session for the authorized channel.
func (h *Handlers) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)
	q := r.URL.Query()

	var sid string
	if c, err := r.Cookie(sessionCookie); err == nil {
		sid = c.Value
	}

	if e := q.Get("error"); e != "" {
		reason := e
		if d := q.Get("error_description"); d != "" {
			reason = d
		}
		_ = h.auth.Deny(ctx, sid, reason)
		log.Warn("authorization denied", slog.String("reason", reason), slog.String("component", "http"))
		writeHTML(w, http.StatusBadRequest, "Error: "+html.EscapeString(reason))
		return
	}

	cred, err := h.auth.CompleteAuthorization(ctx, sid, q.Get("state"), q.Get("code"))
	var xe *auth.ExchangeError
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrNoAttempt):
		writeHTML(w, http.StatusBadRequest, "Session expired. Try again. <a href=\"/auth/kick\">Login Kick</a>")
		return
	case errors.Is(err, auth.ErrStateMismatch):
		log.Warn("callback state mismatch", slog.String("component", "http"))
		writeHTML(w, http.StatusBadRequest, "Invalid state.")
		return
	case errors.As(err, &xe):
		log.Error("token exchange failed", slog.Any("err", err), slog.String("component", "http"))
		writeHTML(w, http.StatusBadGateway, "Gagal authorize: "+html.EscapeString(xe.Reason))
		return
	default:
		log.Error("authorization failed", slog.Any("err", err), slog.String("component", "http"))
		writeHTML(w, http.StatusInternalServerError, "Gagal authorize.")
		return
	}

	h.coord.Activate(cred)
	writeHTML(w, http.StatusOK, fmt.Sprintf(`<h1>✅ Authorize Sukses!</h1>
<p>Bot terhubung ke channel <b>@%s</b></p>
<a href="/">Kembali ke Tester</a>`, html.EscapeString(cred.Channel)))
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
