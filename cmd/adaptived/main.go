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

	"github.com/knoguchi/adaptive/internal/auth"
	"github.com/knoguchi/adaptive/internal/bloom"
	"github.com/knoguchi/adaptive/internal/cacs"
	"github.com/knoguchi/adaptive/internal/cogload"
	"github.com/knoguchi/adaptive/internal/config"
	"github.com/knoguchi/adaptive/internal/events"
	"github.com/knoguchi/adaptive/internal/feedback"
	"github.com/knoguchi/adaptive/internal/memory"
	"github.com/knoguchi/adaptive/internal/metrics"
	"github.com/knoguchi/adaptive/internal/pipeline"
	"github.com/knoguchi/adaptive/internal/profile"
	"github.com/knoguchi/adaptive/internal/repository"
	"github.com/knoguchi/adaptive/internal/repository/postgres"
	"github.com/knoguchi/adaptive/internal/server"
	"github.com/knoguchi/adaptive/internal/service"
	"github.com/knoguchi/adaptive/internal/telemetry"
	"github.com/knoguchi/adaptive/internal/zpd"
)

var version = "dev"

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

// backends bundles the persistence chosen by PROFILE_BACKEND.
type backends struct {
	profiles repository.ProfileRepository
	history  repository.FeedbackRepository
	answers  repository.AnswerRepository
	close    func()
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting personalization service",
		"version", version,
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"profile_backend", cfg.ProfileBackend,
	)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "adaptived",
		Version:     version,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	m := metrics.NewMetrics()

	store, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	readiness := map[string]server.Pinger{}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATSURL != "" {
		nc, err := events.NewNATSPublisher(events.NATSConfig{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		publisher = nc
		slog.Info("publishing profile events to NATS", "url", cfg.NATSURL)
	}
	defer publisher.Close()

	storeOpts := []profile.Option{
		profile.WithPublisher(publisher),
		profile.WithMetrics(m),
	}
	if cfg.RedisAddr != "" {
		cache, err := profile.NewRedisCache(ctx, cfg.RedisAddr, cfg.ProfileCacheTTL)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer cache.Close()
		storeOpts = append(storeOpts, profile.WithCache(cache))
		readiness["cache"] = cache
		slog.Info("caching profiles in Redis", "addr", cfg.RedisAddr, "ttl", cfg.ProfileCacheTTL)
	}
	profiles := profile.NewStore(store.profiles, storeOpts...)
	readiness["profiles"] = profiles

	// Initialize pipeline components
	estimator := zpd.NewCalculator(zpd.Config{
		PromoteThreshold: cfg.ZPD.PromoteThreshold,
		DemoteThreshold:  cfg.ZPD.DemoteThreshold,
		MinWindow:        cfg.ZPD.MinWindow,
	})
	scorer, err := cacs.NewCompositeScorer(cacs.Weights{
		Personal: cfg.CACS.WeightPersonal,
		Global:   cfg.CACS.WeightGlobal,
		Context:  cfg.CACS.WeightContext,
		Base:     cfg.CACS.WeightBase,
	})
	if err != nil {
		return fmt.Errorf("failed to create scorer: %w", err)
	}
	slog.Info("initialized composite scorer", "weights", scorer.String())

	orchestrator, err := pipeline.New(pipeline.Components{
		Profiles:   profiles,
		Answers:    store.answers,
		Classifier: bloom.NewPatternClassifier(),
		Estimator:  estimator,
		Load: cogload.NewModel(cogload.Config{
			Baseline:   cfg.Load.Baseline,
			GapPenalty: cfg.Load.GapPenalty,
			Smoothing:  cfg.Load.Smoothing,
		}),
		Scorer: scorer,
	}, pipeline.Config{
		Timeout: cfg.PipelineTimeout,
		TopN:    cfg.TopN,
		Stages: pipeline.Stages{
			Bloom: cfg.Stages.Bloom,
			ZPD:   cfg.Stages.ZPD,
			Load:  cfg.Stages.Load,
			CACS:  cfg.Stages.CACS,
		},
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	var ingestEstimator zpd.Estimator = estimator
	if !cfg.Stages.ZPD {
		ingestEstimator = zpd.Frozen{}
	}
	ingestor := feedback.NewIngestor(profiles, store.answers, store.history, ingestEstimator,
		feedback.Config{Alpha: cfg.Feedback.Alpha, Enabled: cfg.Stages.Feedback},
		feedback.WithPublisher(publisher),
		feedback.WithMetrics(m),
	)

	svc := service.New(orchestrator, ingestor, profiles, slog.Default())

	apiKeys := auth.NewAPIKeyInterceptor(cfg.APIKeys).WithSkipMethods(cfg.PublicMethods...)
	if !apiKeys.Enabled() {
		slog.Warn("API key authentication disabled, set API_KEYS to enable it")
	} else if len(cfg.PublicMethods) > 0 {
		slog.Info("serving gRPC methods without API key", "methods", cfg.PublicMethods)
	}

	// Create gRPC server
	grpcServer, err := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: slog.Default(),
		Auth:   apiKeys,
	}, server.NewPersonalizationHandler(svc))
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        m,
		Readiness:      readiness,
		Auth:           apiKeys,
	}, svc)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	// Start servers
	errCh := make(chan error, 2)

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown gRPC server", "error", err)
	}

	slog.Info("servers stopped")
	return nil
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	switch cfg.ProfileBackend {
	case "postgres":
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		slog.Info("connected to PostgreSQL")
		return &backends{
			profiles: postgres.NewProfileRepo(db, postgres.WithInitialLoad(cfg.Load.Baseline)),
			history:  postgres.NewFeedbackRepo(db),
			answers:  postgres.NewAnswerRepo(db, cfg.AnswerTTL),
			close:    db.Close,
		}, nil
	default:
		answers := memory.NewAnswerRegistry(cfg.AnswerTTL)
		slog.Info("using in-memory profile store")
		return &backends{
			profiles: memory.NewProfileRepo(memory.WithInitialLoad(cfg.Load.Baseline)),
			history:  memory.NewFeedbackLog(),
			answers:  answers,
			close:    answers.Close,
		}, nil
	}
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.ProfileRepository  = (*postgres.ProfileRepo)(nil)
	_ repository.FeedbackRepository = (*postgres.FeedbackRepo)(nil)
	_ repository.AnswerRepository   = (*postgres.AnswerRepo)(nil)
	_ repository.ProfileRepository  = (*memory.ProfileRepo)(nil)
	_ repository.AnswerRepository   = (*memory.AnswerRegistry)(nil)
	_ server.Pinger                 = (*profile.Store)(nil)
	_ server.Pinger                 = (*profile.RedisCache)(nil)
)
