// receiptgate is the receipt ledger service: an append-only,
// content-addressed record of obligations exchanged between agents,
// exposed as MCP tools over JSON-RPC.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/legivellum/receiptgate/pkg/config"
	"github.com/legivellum/receiptgate/pkg/ledger"
	"github.com/legivellum/receiptgate/pkg/mcp"
	"github.com/legivellum/receiptgate/pkg/observability"
	"github.com/legivellum/receiptgate/pkg/projections"
	"github.com/legivellum/receiptgate/pkg/ratelimit"
	"github.com/legivellum/receiptgate/pkg/server"
	"github.com/legivellum/receiptgate/pkg/store"
	"github.com/legivellum/receiptgate/pkg/validation"
)

const version = "1.0.0"

// Exit codes: 0 clean shutdown, 1 configuration error, 2 migration
// failure, 3 fatal runtime error.
const (
	exitOK        = 0
	exitConfig    = 1
	exitMigration = 2
	exitRuntime   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("database open failed", "error", err)
		return exitConfig
	}
	defer func() { _ = st.Close() }()

	if cfg.AutoMigrateOnStartup {
		if err := st.Migrate(ctx); err != nil {
			logger.Error("migration failed", "error", err)
			return exitMigration
		}
	}

	validator, err := validation.New(cfg.ReceiptBodyMaxBytes)
	if err != nil {
		logger.Error("schema compile failed", "error", err)
		return exitConfig
	}

	ldg := ledger.New(st, validator, ledger.Options{
		TenantID:          cfg.TenantID,
		GraphEnabled:      cfg.EnableGraphLayer,
		DefaultChainDepth: cfg.DefaultChainDepth,
		MaxChainDepth:     cfg.MaxChainDepth,
		DefaultPageSize:   cfg.DefaultPageSize,
		MaxPageSize:       cfg.MaxPageSize,
	}, logger)

	obs, err := observability.New(ctx, observability.Config{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTelEndpoint,
		Insecure:       true,
	}, logger)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return exitConfig
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	limiter, redisClient := newLimiter(cfg, logger)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	gateway := mcp.NewGateway(ldg, obs, logger, version, cfg.ToolTimeout)
	srv := server.New(cfg, gateway, limiter, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if cfg.EnableGraphLayer {
		builder := projections.NewGraphBuilder(st, cfg.TenantID, logger)
		// One backfill at boot so edges exist for receipts appended
		// before the layer was enabled.
		if _, err := builder.Rebuild(ctx); err != nil {
			logger.Error("graph backfill failed", "error", err)
			return exitRuntime
		}
	}
	if cfg.EnableSemanticLayer {
		embedder := projections.NewHTTPEmbedder(cfg.EmbedderURL, cfg.EmbedderModel, 0)
		builder := projections.NewEmbeddingBuilder(st, embedder, cfg.TenantID, logger)
		g.Go(func() error {
			builder.RunPeriodic(gctx, time.Minute)
			return nil
		})
	}

	logger.Info("receiptgate started",
		"version", version,
		"backend", string(st.Dialect),
		"tenant", cfg.TenantID,
		"graph_layer", cfg.EnableGraphLayer,
		"semantic_layer", cfg.EnableSemanticLayer,
	)

	if err := g.Wait(); err != nil {
		logger.Error("fatal runtime error", "error", err)
		return exitRuntime
	}
	logger.Info("receiptgate stopped")
	return exitOK
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newLimiter picks the Redis fixed-window store when configured and falls
// back to the in-process token bucket.
func newLimiter(cfg *config.Config, logger *slog.Logger) (ratelimit.LimiterStore, *redis.Client) {
	if cfg.RateLimitRPM <= 0 {
		return nil, nil
	}
	if cfg.RateLimitRedisURL != "" {
		opts, err := redis.ParseURL(cfg.RateLimitRedisURL)
		if err != nil {
			logger.Warn("invalid redis url, using in-memory rate limiter", "error", err)
			return ratelimit.NewInMemoryStore(), nil
		}
		client := redis.NewClient(opts)
		return ratelimit.NewRedisStore(client, logger), client
	}
	return ratelimit.NewInMemoryStore(), nil
}
