// Command facepipeline runs the face-recognition pipeline for one store.
//
// Images are admitted over POST /api/v1/images or from the Kafka admissions
// topic. Each image is preprocessed, scanned for faces, every face is
// recognized against the model server, and the resulting appearance is
// written to the store database. Items that cannot complete land in the
// dead-letter sink, which is browsable at GET /api/v1/deadletters and
// mirrored to Kafka when brokers are configured.
//
// Usage:
//
//	go run ./cmd/facepipeline [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/olyandrevn/FaceRecognition/internal/ingestion/consumer"
	"github.com/olyandrevn/FaceRecognition/internal/ingestion/handler"
	"github.com/olyandrevn/FaceRecognition/internal/pipeline"
	"github.com/olyandrevn/FaceRecognition/internal/store"
	"github.com/olyandrevn/FaceRecognition/internal/telemetry"
	"github.com/olyandrevn/FaceRecognition/internal/vision"
	"github.com/olyandrevn/FaceRecognition/pkg/config"
	"github.com/olyandrevn/FaceRecognition/pkg/health"
	"github.com/olyandrevn/FaceRecognition/pkg/kafka"
	"github.com/olyandrevn/FaceRecognition/pkg/logger"
	"github.com/olyandrevn/FaceRecognition/pkg/metrics"
	"github.com/olyandrevn/FaceRecognition/pkg/middleware"
	"github.com/olyandrevn/FaceRecognition/pkg/postgres"
	"github.com/olyandrevn/FaceRecognition/pkg/rpc"
)

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
	slog.Info("starting face pipeline", "port", cfg.Server.Port)

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()

	var sink pipeline.Store
	if cfg.Postgres.Host != "" {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		pg := store.NewPostgresStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
		checker.Register("postgres", health.PingCheck(pg.Ping))
		sink = pg
		slog.Info("connected to postgres", "database", cfg.Postgres.Database)
	} else {
		slog.Warn("postgres not configured, appearances are kept in memory")
		sink = store.NewMemoryStore()
	}

	loader, err := vision.NewFileLoader(cfg.Vision.ImageRoot)
	if err != nil {
		slog.Error("failed to open image root", "root", cfg.Vision.ImageRoot, "error", err)
		os.Exit(1)
	}
	detectorClient := rpc.NewClient(cfg.Vision.DetectorAddr)
	defer detectorClient.Close()
	recognizerClient := rpc.NewClient(cfg.Vision.RecognizerAddr)
	defer recognizerClient.Close()
	checker.Register("detector", health.PingCheck(func(ctx context.Context) error {
		return vision.Ping(ctx, detectorClient)
	}))
	checker.Register("recognizer", health.PingCheck(func(ctx context.Context) error {
		return vision.Ping(ctx, recognizerClient)
	}))

	caps := pipeline.Capabilities{
		Loader:       loader,
		Preprocessor: vision.NewFitter(cfg.Vision.TargetWidth, cfg.Vision.TargetHeight),
		Detector:     vision.NewRemoteDetector(detectorClient),
		Extractor:    vision.NewCropper(cfg.Vision.CropMargin),
		Recognizer:   vision.NewRemoteRecognizer(recognizerClient),
		Store:        sink,
	}

	events := telemetry.Fanout{telemetry.NewLogSink(slog.Default())}
	deps := pipeline.Deps{Events: events, Metrics: m}
	var forwarders []*telemetry.Forwarder
	if len(cfg.Kafka.Brokers) > 0 {
		eventProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Events)
		defer eventProducer.Close()
		dlProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DeadLetters)
		defer dlProducer.Close()

		eventFwd := telemetry.NewForwarder(eventProducer, "events", telemetry.Options{Metrics: m})
		dlFwd := telemetry.NewForwarder(dlProducer, "deadletters", telemetry.Options{
			BufferSize: cfg.Pipeline.DeadLetterBuffer,
			Metrics:    m,
		})
		forwarders = append(forwarders, eventFwd, dlFwd)
		for _, f := range forwarders {
			f.Start(context.Background())
		}
		deps.Events = append(events, telemetry.NewEventSink(eventFwd))
		deps.DeadLetter = telemetry.NewDeadLetterPublisher(dlFwd)
		slog.Info("kafka telemetry enabled",
			"events_topic", cfg.Kafka.Topics.Events,
			"deadletters_topic", cfg.Kafka.Topics.DeadLetters,
		)
	}

	p, err := pipeline.New(cfg.Pipeline, caps, deps)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	// Not ctx: a signal drains the pipeline below instead of cutting it off.
	if err := p.Start(context.Background()); err != nil {
		slog.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}
	checker.Register("pipeline", p.HealthCheck())

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics.Admissions != "" {
		admissions := consumer.New(kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Admissions, consumer.HandleMessage(p)))
		go func() {
			if err := admissions.Start(ctx); err != nil {
				slog.Error("admissions consumer stopped", "error", err)
			}
		}()
		slog.Info("consuming admissions", "topic", cfg.Kafka.Topics.Admissions, "group", cfg.Kafka.ConsumerGroup)
	}

	mux := http.NewServeMux()
	handler.New(p).Routes(mux)
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

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		slog.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Pipeline.DrainTimeout)
		defer cancelDrain()
		if err := p.Stop(drainCtx); err != nil {
			slog.Warn("pipeline did not drain in time, remaining items were dead-lettered", "error", err)
		}
		stats := p.Stats()
		slog.Info("pipeline stopped",
			"admitted", stats.Admitted,
			"persisted", stats.Persisted,
			"dead_lettered", stats.DeadLettered,
		)
		for _, f := range forwarders {
			f.Close()
		}
	}()

	slog.Info("face pipeline listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-stopped
	slog.Info("face pipeline stopped")
}
