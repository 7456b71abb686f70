// Command aggregator serves per-customer appearance totals across stores.
//
// Each store runs its own facepipeline writing to its own database. The
// aggregator reads those databases, keeps a running total that grows as
// stores are added (from config or via POST /api/v1/stores), answers
// windowed queries on demand at GET /api/v1/appearances, publishes the
// running total to Redis, and snapshots it to PostgreSQL periodically.
//
// Usage:
//
//	go run ./cmd/aggregator [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/olyandrevn/FaceRecognition/internal/analytics"
	"github.com/olyandrevn/FaceRecognition/internal/analytics/snapshot"
	"github.com/olyandrevn/FaceRecognition/internal/store"
	"github.com/olyandrevn/FaceRecognition/pkg/config"
	"github.com/olyandrevn/FaceRecognition/pkg/health"
	"github.com/olyandrevn/FaceRecognition/pkg/logger"
	"github.com/olyandrevn/FaceRecognition/pkg/metrics"
	"github.com/olyandrevn/FaceRecognition/pkg/middleware"
	"github.com/olyandrevn/FaceRecognition/pkg/postgres"
	"github.com/olyandrevn/FaceRecognition/pkg/redis"
)

// storeDBs tracks the per-store connections opened so far.
type storeDBs struct {
	mu      sync.Mutex
	clients []*postgres.Client
}

func (s *storeDBs) opener(cfg config.PostgresConfig) analytics.SourceOpener {
	return func(ctx context.Context, storeID, dsn string) (analytics.Source, error) {
		db, err := postgres.Open(dsn, cfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to store %s: %w", storeID, err)
		}
		s.mu.Lock()
		s.clients = append(s.clients, db)
		s.mu.Unlock()
		return store.NewPostgresStore(db), nil
	}
}

func (s *storeDBs) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, db := range s.clients {
		db.Close()
	}
	s.clients = nil
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting aggregator", "port", cfg.Server.Port, "stores", len(cfg.Aggregator.Stores))

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()

	var cache analytics.TotalsCache
	if cfg.Redis.Addr != "" {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rc.Close()
		cache = analytics.NewRedisTotalsCache(rc, cfg.Redis.CacheTTL, m)
		checker.Register("redis", health.PingCheck(rc.Ping))
		slog.Info("publishing running totals to redis", "addr", cfg.Redis.Addr)
	}

	agg := analytics.NewAggregator(cache, m)
	dbs := &storeDBs{}
	defer dbs.closeAll()
	open := dbs.opener(cfg.Postgres)

	for _, src := range cfg.Aggregator.Stores {
		source, err := open(ctx, src.StoreID, src.DSN)
		if err != nil {
			slog.Error("failed to open store", "store_id", src.StoreID, "error", err)
			os.Exit(1)
		}
		if _, err := agg.AddStore(ctx, src.StoreID, source); err != nil {
			slog.Error("failed to add store", "store_id", src.StoreID, "error", err)
			os.Exit(1)
		}
	}

	if cfg.Postgres.Host != "" && cfg.Aggregator.SnapshotInterval > 0 {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to snapshot database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		snapshots := snapshot.NewStore(db, cfg.Aggregator.SnapshotRetain)
		if err := snapshots.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure snapshot schema", "error", err)
			os.Exit(1)
		}
		if latest, err := snapshots.LatestSnapshot(ctx); err == nil && latest != nil {
			slog.Info("last snapshot", "customers", len(latest.Customers), "stores", len(latest.Stores), "at", latest.ComputedAt)
		}
		snapshots.StartPeriodicSave(ctx, agg, cfg.Aggregator.SnapshotInterval)
		checker.Register("postgres", health.PingCheck(db.Ping))
	}

	mux := http.NewServeMux()
	analytics.NewHandler(agg, open).Routes(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: middleware.Chain(mux,
			middleware.RequestID,
			middleware.Logging,
			middleware.Metrics(m),
			middleware.Timeout(cfg.Server.WriteTimeout),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("aggregator listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("aggregator stopped")
}
