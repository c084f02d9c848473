// Package server exposes the HTTP surface around the bot: the tester page,
// the OAuth redirect and callback, manual sends, status, health and metrics.
// It injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/kickbot/telemetry"
)

// Options configures NewMux.
type Options struct {
	WebDir         string
	SendRatePerMin int
	AdminToken     string
	CORS           CORSConfig
	// SecureCookies marks the session cookie Secure (HTTPS deployments).
	SecureCookies bool
}

// NewMux returns the HTTP handler with all routes.
// ctx bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, h *Handlers, opts Options) http.Handler {
	limiter := newIPRateLimiter(ctx, opts.SendRatePerMin)
	h.secureCookies = opts.SecureCookies

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /auth/kick", h.HandleAuthStart)
	mux.HandleFunc("GET /callback", h.HandleCallback)

	mux.Handle("POST /send", adminAuth(rateLimitMiddleware(http.HandlerFunc(h.HandleSend), limiter), opts.AdminToken))
	mux.Handle("POST /start-bot", adminAuth(http.HandlerFunc(h.HandleStartBot), opts.AdminToken))
	mux.HandleFunc("GET /status", h.HandleStatus)

	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	webDir := opts.WebDir
	if webDir == "" {
		webDir = "web"
	}
	mux.Handle("GET /", http.FileServer(http.Dir(webDir)))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, telemetry.TracerHTTP, r.Method+" "+r.URL.Path, telemetry.HTTPAttrs(r.Method, r.URL.Path)...)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
	return withCORS(handler, opts.CORS)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values while letting shutdown finish.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
