// Command crawler runs the certification-catalog crawl engine: it loads
// the layered configuration, applies migrations, wires the analyzer,
// planner, and actor hierarchy together, and serves the session control
// surface over HTTP until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattercrawl/engine/internal/actor"
	"github.com/mattercrawl/engine/internal/analyzer"
	"github.com/mattercrawl/engine/internal/config"
	"github.com/mattercrawl/engine/internal/controlapi"
	"github.com/mattercrawl/engine/internal/events"
	"github.com/mattercrawl/engine/internal/repository"
	"github.com/mattercrawl/engine/internal/resumetoken"
	"github.com/mattercrawl/engine/internal/siteclient"
	"github.com/mattercrawl/engine/internal/telemetry"
	"github.com/mattercrawl/engine/internal/telemetrylog"
)

const serviceName = "mattercrawl-engine"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", envOr("CRAWLER_CONFIG", ""), "path to the YAML configuration file")
		siteBase     = flag.String("site", envOr("CRAWLER_SITE_BASE", "https://csa-iot.org/csa-iot_products"), "listing base URL")
		siteQuery    = flag.String("site-query", envOr("CRAWLER_SITE_QUERY", "p_certification_program=matter"), "fixed listing query string")
		listenAddr   = flag.String("listen", envOr("CRAWLER_LISTEN", ":8089"), "control API listen address")
		redisAddr    = flag.String("redis", envOr("CRAWLER_REDIS", ""), "redis address for resume-token persistence (optional)")
		otelEndpoint = flag.String("otel", envOr("OTEL_EXPORTER_OTLP_ENDPOINT", ""), "OTLP/HTTP collector endpoint (optional)")
		validation   = flag.Bool("validate", true, "run the data-validation stage before persistence")
	)
	flag.Parse()

	cfg, err := config.New(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    serviceName,
		Endpoint:       *otelEndpoint,
		MetricInterval: cfg.Monitoring.MetricsInterval(),
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	logger := telemetrylog.New(serviceName,
		telemetrylog.WithLevel(logLevel(cfg.Monitoring.LogLevel)),
		telemetrylog.WithFormat(logFormat()),
		telemetrylog.WithMetrics(provider),
	)

	if err := repository.Migrate(cfg.Database.DSN, cfg.Database.MigrationsPath, logger); err != nil {
		return err
	}

	repo, err := repository.Open(ctx, cfg.Database.DSN, repository.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
	})
	if err != nil {
		return err
	}
	defer repo.Close()

	site, err := siteclient.New(*siteBase, *siteQuery,
		siteclient.WithMaxBodyBytes(int64(cfg.Performance.Buffers.ResponseBufferSize)*64))
	if err != nil {
		return err
	}

	bus := events.NewBus(cfg.Channels.EventBufferSize)

	var tokens *resumetoken.Store
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, resume tokens stay in-process", telemetrylog.Fields{"error": err.Error()})
		} else {
			ttl := time.Duration(cfg.Monitoring.EventRetentionDays) * 24 * time.Hour
			tokens = resumetoken.NewStore(client, ttl)
			defer client.Close()
		}
	}

	manager := actor.NewManager()
	manager.Config = cfg
	manager.Checker = analyzer.NewSiteStatusChecker(site, logger)
	manager.Db = analyzer.NewDbAnalyzer(repo, logger)
	manager.Lists = site
	manager.Details = site
	manager.Repo = repo
	manager.Bus = bus
	manager.Tokens = tokens
	manager.Logger = logger
	manager.ValidationEnabled = *validation

	server := &http.Server{
		Addr:              *listenAddr,
		Handler:           controlapi.New(manager, bus, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control API listening", telemetrylog.Fields{"addr": *listenAddr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.System.CancellationTimeout())
	defer cancel()
	for _, info := range manager.List() {
		if !info.Status.IsTerminal() {
			if err := manager.Cancel(info.SessionID); err != nil {
				logger.Warn("cancelling session", telemetrylog.Fields{"session": info.SessionID, "error": err.Error()})
			}
		}
	}
	return server.Shutdown(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func logLevel(raw string) telemetrylog.Level {
	switch raw {
	case "debug":
		return telemetrylog.LevelDebug
	case "warn":
		return telemetrylog.LevelWarn
	case "error":
		return telemetrylog.LevelError
	default:
		return telemetrylog.LevelInfo
	}
}

// logFormat auto-selects JSON output when running inside a cluster.
func logFormat() telemetrylog.Format {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return telemetrylog.FormatJSON
	}
	return telemetrylog.FormatText
}
