// Command kickbot authorizes a Kick channel over OAuth (PKCE), keeps its
// token fresh and holds one chat session that answers simple commands.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the credential store (file, Postgres or memory) and resumes the
//     most recently updated channel.
//   - Starts the token refresher and the HTTP server (tester page, OAuth
//     redirect and callback, /send, /start-bot, /status, health and
//     metrics).
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/kickbot/auth"
	"github.com/onnwee/kickbot/chat"
	"github.com/onnwee/kickbot/config"
	"github.com/onnwee/kickbot/coordinator"
	"github.com/onnwee/kickbot/crypto"
	"github.com/onnwee/kickbot/kickapi"
	"github.com/onnwee/kickbot/oauth"
	"github.com/onnwee/kickbot/server"
	"github.com/onnwee/kickbot/store"
	"github.com/onnwee/kickbot/telemetry"
)

const serviceVersion = "1.0.0"

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg); err != nil {
		slog.Error("kickbot exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(telemetry.TracingConfig{
		ServiceName:    "kickbot",
		ServiceVersion: serviceVersion,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRatio:    cfg.TraceRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	if err := cfg.Validate(); err != nil {
		slog.Warn("authorization flow disabled until configured", slog.Any("err", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		enc = aes
		slog.Info("token encryption at rest enabled")
	}

	var checks []server.ReadyCheck
	creds, closeStore, err := openStore(cfg, enc)
	if err != nil {
		return err
	}
	defer closeStore()
	if p, ok := creds.(*store.Postgres); ok {
		checks = append(checks, server.ReadyCheck{Name: "postgres", Fn: p.Ping})
	}

	attempts, closeAttempts, err := openAttempts(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAttempts()
	if ra, ok := attempts.(*auth.RedisAttempts); ok {
		checks = append(checks, server.ReadyCheck{Name: "redis", Fn: ra.Ping})
	}

	oc := kickapi.NewOAuthClient(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI, cfg.AuthURL, cfg.TokenURL, cfg.ScopeList())
	api := kickapi.NewClient(cfg.APIBase)

	coord := coordinator.New(ctx, coordinator.ChatFactory(chat.Options{
		ChatURL:          cfg.ChatURL,
		Resolver:         api,
		Responder:        chat.Commands{Location: cfg.Location()},
		ReconnectDelay:   cfg.ReconnectDelay,
		LookupRetryDelay: cfg.LookupRetryDelay,
	}), creds)
	defer coord.Shutdown()

	if cred, ok := latestCredential(creds.Load(ctx)); ok {
		slog.Info("resuming stored channel", slog.String("channel", cred.Channel), slog.String("token", cred.MaskedToken()))
		coord.Activate(cred)
	}

	refresher := &oauth.Refresher{
		Store:    creds,
		Active:   coord.CurrentChannel,
		Refresh:  oauth.KickRefresh(oc),
		Notify:   coord.OnRefreshed,
		Interval: cfg.RefreshInterval,
		Margin:   cfg.RefreshMargin,
	}

	h := server.NewHandlers(auth.New(oc, api, creds, attempts), coord, checks...)
	mux := server.NewMux(ctx, h, server.Options{
		WebDir:         cfg.WebDir,
		SendRatePerMin: cfg.SendRatePerMin,
		AdminToken:     cfg.AdminToken,
		CORS:           server.CORSConfig{Permissive: cfg.CORSPermissive, AllowedOrigins: cfg.CORSAllowedOrigins},
		SecureCookies:  strings.HasPrefix(cfg.RedirectURI, "https://"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		refresher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx, cfg.HTTPAddr, mux)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("shutting down")
	return nil
}

// setupLogging installs the default slog handler. Unknown levels fall back to info.
func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", strings.ToLower(format)))
}

// openStore builds the configured credential backend and its close func.
func openStore(cfg *config.Config, enc crypto.Encryptor) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		slog.Warn("memory credential store: authorizations are lost on restart")
		return store.NewMemory(), func() {}, nil
	case config.StorePostgres:
		db, err := store.Connect(cfg.DBDsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := store.Migrate(db); err != nil {
			closeDB(db)
			return nil, nil, fmt.Errorf("migrate db: %w", err)
		}
		return store.NewPostgres(db, enc), func() { closeDB(db) }, nil
	default:
		slog.Info("file credential store", slog.String("path", cfg.TokensFile))
		return store.NewFile(cfg.TokensFile, enc), func() {}, nil
	}
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Error("failed to close database", slog.Any("err", err))
	}
}

// openAttempts uses Redis when REDIS_ADDR is set, memory otherwise.
func openAttempts(ctx context.Context, cfg *config.Config) (auth.AttemptStore, func(), error) {
	if cfg.RedisAddr == "" {
		return auth.NewMemoryAttempts(cfg.AttemptTTL), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	slog.Info("authorization attempts in redis", slog.String("addr", cfg.RedisAddr))
	return auth.NewRedisAttempts(client, cfg.AttemptTTL), func() {
		if err := client.Close(); err != nil {
			slog.Error("failed to close redis", slog.Any("err", err))
		}
	}, nil
}

// latestCredential picks the most recently updated credential.
func latestCredential(all map[string]store.Credential) (store.Credential, bool) {
	var best store.Credential
	found := false
	for _, c := range all {
		if !found || c.UpdatedAt.After(best.UpdatedAt) ||
			(c.UpdatedAt.Equal(best.UpdatedAt) && c.Channel < best.Channel) {
			best, found = c, true
		}
	}
	return best, found
}
