// Taskwised is the taskwise detection daemon.
//
// It serves a JSON API that scans meeting transcripts for statements
// reporting completed work, matches them against the open tasks in the
// local database, and writes accepted completions back to their source
// stores.
//
// Configuration is loaded from a YAML file with TASKWISE_* environment
// overrides. See internal/config for details.
//
// Usage:
//
//	# Start with the default config (~/.config/taskwise/config.yaml)
//	taskwised
//
//	# Start with an explicit config file
//	taskwised --config /etc/taskwise/config.yaml
//
//	# Configure via environment
//	TASKWISE_SERVER__PORT=9000 taskwised
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/trbojevicstefan/taskwise/internal/arbitration"
	"github.com/trbojevicstefan/taskwise/internal/candidate"
	"github.com/trbojevicstefan/taskwise/internal/config"
	"github.com/trbojevicstefan/taskwise/internal/detect"
	"github.com/trbojevicstefan/taskwise/internal/embeddings"
	httpapi "github.com/trbojevicstefan/taskwise/internal/http"
	"github.com/trbojevicstefan/taskwise/internal/llm"
	"github.com/trbojevicstefan/taskwise/internal/logging"
	"github.com/trbojevicstefan/taskwise/internal/ranking"
	"github.com/trbojevicstefan/taskwise/internal/redact"
	"github.com/trbojevicstefan/taskwise/internal/store"
	"github.com/trbojevicstefan/taskwise/internal/telemetry"
	"github.com/trbojevicstefan/taskwise/internal/transcript"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/taskwise/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  taskwised           Start the taskwise daemon\n")
			fmt.Fprintf(os.Stderr, "  taskwised version   Show version information\n")
			os.Exit(1)
		}
	}

	// Signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("taskwised\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the taskwise daemon and blocks until ctx is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Build logger and telemetry
//  3. Open the task database and external providers
//  4. Assemble the detection pipeline
//  5. Serve HTTP until shutdown
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting taskwised",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("data_dir", cfg.Database.DataDir),
	)

	tel, err := telemetry.New(ctx, telemetry.FromServiceConfig(cfg.Telemetry, "taskwised", version), logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close()

	detector, err := initDetector(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("initializing detection service: %w", err)
	}

	srv, err := httpapi.NewServer(detector, logger.Named("http"), &httpapi.Config{
		Host:                 cfg.Server.Host,
		Port:                 cfg.Server.Port,
		MinMatchRatio:        cfg.Detection.MinMatchRatio,
		RequireAttendeeMatch: cfg.Detection.RequireAttendeeMatch,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}

	return nil
}

// dependencies holds the stores and external providers.
type dependencies struct {
	db         *store.DB
	tasks      *store.TaskStore
	meetings   *store.SessionStore
	chats      *store.SessionStore
	provider   embeddings.Provider
	classifier llm.Client
	logger     *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.provider != nil {
		if err := d.provider.Close(); err != nil {
			d.logger.Warn("closing embedding provider", zap.Error(err))
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Warn("closing database", zap.Error(err))
		}
	}
}

// initDependencies opens the task database and the optional external
// providers. A missing embedding provider or classifier is not fatal:
// the pipeline degrades to token-only ranking and skips arbitration.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	db, err := store.Open(cfg.Database.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening task database: %w", err)
	}

	deps := &dependencies{
		db:       db,
		tasks:    store.NewTaskStore(db),
		meetings: store.NewMeetingStore(db),
		chats:    store.NewChatStore(db),
		logger:   logger,
	}

	// The redactor is shared by every outbound API call. Assign the
	// interfaces only when enabled so a disabled redactor stays a nil
	// interface.
	var embRedactor embeddings.Redactor
	var llmRedactor llm.Redactor
	if cfg.Redaction.Enabled {
		redactor, err := redact.NewRedactor(cfg.Redaction.AllowlistPath, logger.Named("redact"))
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("initializing redactor: %w", err)
		}
		embRedactor = redactor
		llmRedactor = redactor
	} else {
		logger.Warn("payload redaction is disabled; transcript text leaves the process unredacted")
	}

	embLogger := logger.Named("embeddings")
	provider, err := embeddings.NewProvider(embeddings.Config{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		BaseURL:  cfg.Embeddings.BaseURL,
		APIKey:   cfg.Embeddings.APIKey.Value(),
		CacheDir: cfg.Embeddings.CacheDir,
	}, embRedactor, embeddings.NewMetrics(embLogger))
	switch {
	case err == nil:
		deps.provider = provider
		logger.Info("embedding provider ready",
			zap.String("provider", cfg.Embeddings.Provider),
			zap.String("model", provider.Model()),
		)
	case errors.Is(err, embeddings.ErrNotConfigured):
		logger.Info("embeddings disabled, ranking will be token-only")
	default:
		deps.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	classifier, err := llm.NewClient(llm.Config{
		Provider:   cfg.Classifier.Provider,
		Model:      cfg.Classifier.Model,
		APIKey:     cfg.Classifier.APIKey.Value(),
		BaseURL:    cfg.Classifier.BaseURL,
		Timeout:    cfg.Classifier.Timeout.Duration(),
		MaxRetries: cfg.Classifier.MaxRetries,
	}, llmRedactor)
	switch {
	case err == nil:
		deps.classifier = classifier
		logger.Info("classifier ready", zap.String("provider", cfg.Classifier.Provider))
	case errors.Is(err, llm.ErrNotConfigured):
		logger.Info("classifier disabled, ambiguous snippets will not be arbitrated")
	default:
		deps.Close()
		return nil, fmt.Errorf("creating classifier client: %w", err)
	}

	return deps, nil
}

// initDetector assembles the detection pipeline from configuration.
func initDetector(cfg *config.Config, deps *dependencies, logger *zap.Logger) (*detect.Service, error) {
	extractorCfg := transcript.DefaultConfig()
	extractorCfg.Cues = append(extractorCfg.Cues, cfg.Detection.ExtraCues...)
	extractorCfg.Negators = append(extractorCfg.Negators, cfg.Detection.ExtraNegators...)

	extractor, err := transcript.NewExtractor(extractorCfg, logger.Named("transcript"))
	if err != nil {
		return nil, fmt.Errorf("creating extractor: %w", err)
	}

	aggregator, err := candidate.NewAggregator(deps.tasks, deps.meetings, deps.chats, logger.Named("candidate"))
	if err != nil {
		return nil, fmt.Errorf("creating aggregator: %w", err)
	}

	// The task store doubles as the embedding cache: vectors computed
	// during ranking are written back to the task rows.
	ranker := ranking.NewRanker(deps.provider, deps.tasks, ranking.Config{
		BatchSize:       cfg.Embeddings.BatchSize,
		EmbeddingWeight: cfg.Detection.EmbeddingWeight,
	}, logger.Named("ranking"))

	engine, err := arbitration.NewEngine(deps.classifier, ranker, arbitration.Config{
		MinMatchRatio:     cfg.Detection.MinMatchRatio,
		DirectMatchMargin: cfg.Detection.DirectMatchMargin,
		MaxArbitrations:   cfg.Detection.MaxArbitrations,
		ShortlistSize:     cfg.Detection.ShortlistSize,
	}, logger.Named("arbitration"))
	if err != nil {
		return nil, fmt.Errorf("creating arbitration engine: %w", err)
	}

	return detect.NewService(detect.Options{
		Extractor:  extractor,
		Aggregator: aggregator,
		Ranker:     ranker,
		Engine:     engine,
		Tasks:      deps.tasks,
		Meetings:   deps.meetings,
		Chats:      deps.chats,
	}, logger.Named("detect"))
}
