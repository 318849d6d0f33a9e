// Command relink is the main entrypoint for the link responder and its API.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs migrations (versioned with embedded
//     fallback).
//   - Starts the gateway event workers, the conversion retention job, and
//     the platform OAuth token refresher.
//   - Exposes an HTTP server with /healthz, /readyz, /stats, /conversions,
//     and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/relink/bot"
	"github.com/onnwee/relink/cache"
	"github.com/onnwee/relink/config"
	"github.com/onnwee/relink/db"
	"github.com/onnwee/relink/ledger"
	"github.com/onnwee/relink/oauth"
	"github.com/onnwee/relink/server"
	"github.com/onnwee/relink/telemetry"
)

func main() {
	// Load .env if present (local dev convenience; production uses real env).
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("relink", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; embedded SQL as fallback for deployments
	// that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("migration failed", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := ledger.New(database)

	// Seed the platform credential from BOT_TOKEN on first run so the
	// refresher and API have a row to work from. A stored token wins.
	if cfg.ValidateBotReady() == nil {
		access, _, _, _, gerr := db.GetOAuthToken(ctx, database, "platform")
		switch {
		case gerr != nil:
			slog.Warn("platform token lookup failed", slog.Any("err", gerr))
		case access == "":
			if err := db.UpsertOAuthToken(ctx, database, "platform", cfg.BotToken, "", time.Time{}, cfg.PlatformScopes); err != nil {
				slog.Warn("platform token seed failed", slog.Any("err", err))
			} else {
				slog.Info("platform token seeded from BOT_TOKEN")
			}
		}
	}

	var conversionCache *cache.Cache
	if cfg.RedisAddr != "" {
		conversionCache, err = cache.Connect(ctx, cfg.RedisAddr, cfg.CacheTTL)
		if err != nil {
			slog.Warn("redis unavailable, running without cache", slog.Any("err", err))
			conversionCache = nil
		} else {
			defer conversionCache.Close()
		}
	}

	// Gateway driver selection. The stdio driver reads JSON-lines events on
	// stdin and writes actions to stdout for local development.
	var gw bot.Gateway
	switch driver := os.Getenv("GATEWAY_DRIVER"); driver {
	case "stdio":
		gw = bot.NewStdioGateway(ctx, os.Stdin, os.Stdout)
	case "":
		slog.Info("GATEWAY_DRIVER not set; event responder disabled, serving API only")
	default:
		slog.Error("unknown GATEWAY_DRIVER", slog.String("driver", driver))
		os.Exit(1)
	}
	if gw != nil {
		opts := bot.Options{
			TriggerEmoji: cfg.TriggerEmoji,
			CallTimeout:  cfg.CallTimeout,
			Logger:       slog.Default(),
		}
		if conversionCache != nil {
			opts.Cache = conversionCache
		}
		responder := bot.New(gw, store, opts)
		go func() {
			if err := responder.Run(ctx, cfg.Workers); err != nil {
				slog.Error("event responder exited", slog.Any("err", err))
			}
		}()
	}

	ledger.StartRetentionJob(ctx, store)

	// Platform token refresher keeps the stored credential alive.
	if cfg.PlatformClientID != "" && cfg.PlatformTokenURL != "" {
		oc := &oauth2.Config{
			ClientID:     cfg.PlatformClientID,
			ClientSecret: cfg.PlatformClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.PlatformTokenURL},
			Scopes:       strings.Fields(cfg.PlatformScopes),
		}
		oauth.StartRefresher(ctx, database, "platform", 5*time.Minute, 15*time.Minute, oauth.OAuth2RefreshFunc(oc))
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		if err := server.Start(ctx, database, store, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}
