package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-agents/internal/agent"
	"github.com/nidhogg/nuka-agents/internal/api"
	"github.com/nidhogg/nuka-agents/internal/config"
	"github.com/nidhogg/nuka-agents/internal/knowledge"
	"github.com/nidhogg/nuka-agents/internal/orchestrator"
	"github.com/nidhogg/nuka-agents/internal/pool"
	"github.com/nidhogg/nuka-agents/internal/provider"
	pgstore "github.com/nidhogg/nuka-agents/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/nuka-agents.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot, _ := zap.NewDevelopment()
		boot.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting Nuka Agents...", zap.String("config", cfgPath))

	ctx := context.Background()

	// Initialize provider router
	router := provider.NewRouter(logger)
	var fallbacks []string
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
			Timeout: pc.Timeout.Std(),
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger), pc.Models...)
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger), pc.Models...)
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
			continue
		}
		if pc.Default {
			router.SetDefault(pc.ID)
		}
		if pc.Fallback {
			fallbacks = append(fallbacks, pc.ID)
		}
	}
	router.SetFallbacks(fallbacks...)
	if router.Len() == 0 {
		logger.Warn("no LLM providers configured, every task will fail")
	}

	// Agent factory and pool
	factory := agent.NewFactory(router, logger)
	for t, model := range cfg.Models {
		factory.SetModel(agent.AgentType(t), model)
	}
	oc := cfg.Orchestration
	pm := pool.NewManager(pool.Config{
		MaxAgentsPerType: oc.MaxAgentsPerType,
		ReuseAgents:      *oc.ReuseAgents,
		StrictCap:        oc.StrictPoolCap,
		WaitTimeout:      oc.PoolWaitTimeout.Std(),
		PollInterval:     oc.PoolPollInterval.Std(),
	}, factory, logger)

	orch := orchestrator.New(pm, orchestrator.Config{
		MaxConcurrent:  oc.MaxConcurrentTasks,
		DefaultTimeout: oc.DefaultTaskTimeout.Std(),
		MaxRetries:     *oc.MaxRetries,
		HistoryLimit:   oc.HistoryLimit,
	}, logger)

	handler := api.NewHandler(pm, orch, logger)
	handler.AddHealthCheck("providers", func(ctx context.Context) error {
		var errs []error
		for id, err := range router.HealthCheck(ctx) {
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
			}
		}
		return errors.Join(errs...)
	})

	// Initialize PostgreSQL store
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			orch.SetRecorder(pgStore)
			handler.SetPersistence(pgStore)
			handler.AddHealthCheck("postgres", pgStore.Ping)
		}
	}

	// Initialize event stream
	var bus *orchestrator.MessageBus
	if cfg.Database.Redis.URL != "" {
		b, busErr := orchestrator.NewMessageBus(ctx, cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without task events", zap.Error(busErr))
		} else {
			bus = b
			orch.SetPublisher(bus)
			handler.AddHealthCheck("redis", bus.Ping)
		}
	}

	// Initialize knowledge graph
	var resolver *knowledge.Resolver
	if cfg.Database.Neo4j.URI != "" {
		r, kErr := knowledge.NewResolver(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, cfg.Knowledge.MaxRefs, logger)
		if kErr != nil {
			logger.Warn("Neo4j unavailable, running without knowledge enrichment", zap.Error(kErr))
		} else {
			resolver = r
			orch.SetEnricher(resolver)
			handler.AddHealthCheck("neo4j", resolver.Ping)
		}
	}

	loadWorkflows(cfg.WorkflowsDir, handler, logger)
	loaded := loadBlueprints(ctx, cfg.BlueprintsDir, pm, pgStore, logger)
	if pgStore != nil {
		restoreBlueprints(ctx, pgStore, pm, loaded, logger)
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	if iv := oc.CleanupInterval.Std(); iv > 0 {
		go orch.RunCleanup(loopCtx, iv)
	}

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Nuka Agents listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Nuka Agents...")
	stopLoops()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	pm.CancelAll()
	tasks, agents := orch.Cleanup()
	logger.Info("released resources", zap.Int("tasks", tasks), zap.Int("agents", agents))

	if resolver != nil {
		resolver.Close(shutdownCtx)
	}
	if bus != nil {
		bus.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
	logger.Info("Nuka Agents stopped")
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// restoreBlueprints pre-creates one custom agent per persisted blueprint
// not already loaded from disk.
func restoreBlueprints(ctx context.Context, s *pgstore.Store, pm *pool.Manager, skip map[string]bool, logger *zap.Logger) {
	bps, err := s.ListBlueprints(ctx)
	if err != nil {
		logger.Warn("failed to load blueprints from DB", zap.Error(err))
		return
	}
	for _, bp := range bps {
		if skip[bp.ID] {
			continue
		}
		if _, err := pm.CreateAgent(agent.TypeCustom, bp); err != nil {
			logger.Warn("restore custom agent", zap.String("blueprint", bp.ID), zap.Error(err))
		}
	}
	logger.Info("Loaded blueprints from DB", zap.Int("count", len(bps)))
}

// loadBlueprints creates custom agents from blueprint directories on disk
// and persists the blueprints when a store is available.
func loadBlueprints(ctx context.Context, dir string, pm *pool.Manager, s *pgstore.Store, logger *zap.Logger) map[string]bool {
	loaded := make(map[string]bool)
	if dir == "" {
		return loaded
	}
	bps, err := agent.LoadBlueprints(dir)
	if err != nil {
		logger.Warn("failed to load blueprints", zap.String("dir", dir), zap.Error(err))
		return loaded
	}
	for _, bp := range bps {
		if _, err := pm.CreateAgent(agent.TypeCustom, bp); err != nil {
			logger.Warn("create custom agent", zap.String("blueprint", bp.ID), zap.Error(err))
			continue
		}
		loaded[bp.ID] = true
		if s != nil {
			if err := s.SaveBlueprint(ctx, bp); err != nil {
				logger.Warn("save blueprint", zap.String("blueprint", bp.ID), zap.Error(err))
			}
		}
	}
	if len(bps) > 0 {
		logger.Info("Loaded blueprints from disk", zap.Int("count", len(bps)))
	}
	return loaded
}

func loadWorkflows(dir string, handler *api.Handler, logger *zap.Logger) {
	if dir == "" {
		return
	}
	paths, _ := filepath.Glob(filepath.Join(dir, "*.yaml"))
	for _, p := range paths {
		wf, err := orchestrator.LoadWorkflow(p)
		if err != nil {
			logger.Warn("skip workflow", zap.String("path", p), zap.Error(err))
			continue
		}
		handler.AddWorkflow(wf)
		logger.Info("workflow loaded", zap.String("id", wf.ID), zap.Int("stages", len(wf.Stages)))
	}
}
