package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/merlin/internal/api"
	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/cache"
	"github.com/opensource-finance/merlin/internal/composite"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/engine"
	"github.com/opensource-finance/merlin/internal/mlscore"
	"github.com/opensource-finance/merlin/internal/repository"
	"github.com/opensource-finance/merlin/internal/rules"
	"github.com/opensource-finance/merlin/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const mlScoreCacheTTL = 6 * time.Hour

func main() {
	// Load .env if present; real environment variables win.
	_ = godotenv.Load()

	cfg := loadConfig()
	initLogger(cfg.Logging)

	slog.Info("starting merlin",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"profile", cfg.Profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize custom rule engine and load persisted rules.
	customEngine, err := rules.NewCustomEngine()
	if err != nil {
		slog.Error("failed to initialize custom rule engine", "error", err)
		os.Exit(1)
	}
	if err := loadRulesFromDatabase(ctx, repo, customEngine); err != nil {
		slog.Error("failed to load custom rules", "error", err)
		os.Exit(1)
	}
	slog.Info("custom rule engine initialized", "rules_count", customEngine.RulesCount())

	// Initialize detection pipeline
	ruleEngine, err := rules.NewEngine(cfg.Scoring, customEngine)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	mlScorer := mlscore.NewScorer(cfg.Scoring, cacheImpl, mlScoreCacheTTL)
	compositeScorer := composite.NewScorer(cfg.Scoring)
	evaluator := engine.NewEvaluator(ruleEngine, mlScorer, compositeScorer)
	slog.Info("evaluation pipeline initialized",
		"forest_trees", cfg.Scoring.ForestTrees,
		"min_history_for_ml", cfg.Scoring.MinHistoryForML,
	)

	// Initialize async Worker
	asyncWorker := worker.NewWorker(busImpl, repo, evaluator, cfg.Scoring.ClusterWindow())
	if err := asyncWorker.Start(); err != nil {
		slog.Error("failed to start async worker", "error", err)
		os.Exit(1)
	}
	slog.Info("async worker started")

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, evaluator, ruleEngine, customEngine, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("merlin is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("merlin shutdown complete")
}

// loadConfig builds the configuration from the profile selected via
// MERLIN_PROFILE, then applies per-setting environment overrides.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	if os.Getenv("MERLIN_PROFILE") == string(domain.ProfileCluster) {
		cfg = domain.ClusterConfig()
	}

	if host := os.Getenv("MERLIN_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("MERLIN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if path := os.Getenv("MERLIN_SQLITE_PATH"); path != "" {
		cfg.Repository.SQLitePath = path
	}
	if host := os.Getenv("MERLIN_POSTGRES_HOST"); host != "" {
		cfg.Repository.PostgresHost = host
	}
	if user := os.Getenv("MERLIN_POSTGRES_USER"); user != "" {
		cfg.Repository.PostgresUser = user
	}
	if pass := os.Getenv("MERLIN_POSTGRES_PASSWORD"); pass != "" {
		cfg.Repository.PostgresPassword = pass
	}
	if db := os.Getenv("MERLIN_POSTGRES_DB"); db != "" {
		cfg.Repository.PostgresDB = db
	}
	if addr := os.Getenv("MERLIN_REDIS_ADDR"); addr != "" {
		cfg.Cache.RedisAddr = addr
	}
	if pass := os.Getenv("MERLIN_REDIS_PASSWORD"); pass != "" {
		cfg.Cache.RedisPassword = pass
	}
	if url := os.Getenv("MERLIN_NATS_URL"); url != "" {
		cfg.EventBus.NATSUrl = url
	}
	if os.Getenv("MERLIN_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	if format := os.Getenv("MERLIN_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	return cfg
}

func initLogger(cfg domain.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadRulesFromDatabase loads persisted custom rules into the engine.
// Custom rules are configured via POST /rules - there are no hardcoded
// defaults, and the built-in detection rules run regardless.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, custom *rules.CustomEngine) error {
	dbRules, err := repo.ListCustomRules(ctx)
	if err != nil {
		slog.Warn("failed to list custom rules from database", "error", err)
		return nil // Start with none - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading custom rules from database", "count", len(dbRules))
		return custom.LoadRules(dbRules)
	}

	slog.Info("no custom rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🧙 MERLIN                    ║")
	fmt.Println("  ║   Insider Trading Anomaly Detection        ║")
	fmt.Println("  ║     Watching every Form 4 filing.          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Profile:  %s\n", cfg.Profile)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate          - Evaluate a transaction synchronously")
	fmt.Println("    POST /transactions      - Ingest a transaction for async evaluation")
	fmt.Println("    GET  /evaluations/{id}  - Get evaluation by ID")
	fmt.Println("    GET  /anomalies         - List emitted anomaly records")
	fmt.Println("    GET  /config            - Show active scoring configuration")
	fmt.Println("    GET  /rules             - List custom rules")
	fmt.Println("    POST /rules             - Create a custom rule")
	fmt.Println("    POST /rules/reload      - Hot-reload custom rules from database")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
