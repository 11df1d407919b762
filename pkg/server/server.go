// Package server provides the public entry point for initializing the UCP
// engine server.
//
// This package lives in pkg/ (not internal/) so embedding applications can
// compose the full engine and mount it under their own HTTP stack:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ucplabs/ucp/internal/api"
	"github.com/ucplabs/ucp/internal/api/handlers"
	"github.com/ucplabs/ucp/internal/api/middleware"
	"github.com/ucplabs/ucp/internal/compiler"
	"github.com/ucplabs/ucp/internal/config"
	"github.com/ucplabs/ucp/internal/driver"
	"github.com/ucplabs/ucp/internal/interpreter"
	"github.com/ucplabs/ucp/internal/keys"
	"github.com/ucplabs/ucp/internal/ledger"
	"github.com/ucplabs/ucp/internal/provider"
	"github.com/ucplabs/ucp/internal/retention"
	"github.com/ucplabs/ucp/internal/runner"
	"github.com/ucplabs/ucp/internal/store"
	"github.com/ucplabs/ucp/internal/telemetry"
	"github.com/ucplabs/ucp/pkg/models"
)

// Server holds the initialized UCP engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store, exposed so embedding applications can run
	// their own queries or seeding.
	Store store.Store

	// Keys is the key service, exposed so a CLI can mint keys without
	// going through HTTP.
	Keys *keys.Service

	// Pipeline is the compile pipeline, exposed for offline compilation.
	Pipeline *compiler.Pipeline

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry and closes the store.
	ShutdownFunc func(context.Context) error
}

// New initializes the engine from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration:
// telemetry, store (Postgres when DATABASE_URL is set, in-memory
// otherwise), compiler, interpreter with its driver registry, provider
// runner, and the key-guarded HTTP router.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := dataStore.Migrate(ctx); err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	if err := compiler.SeedRules(ctx, dataStore, cfg.Compiler.RulesPath); err != nil {
		log.Warn().Err(err).Msg("Rule seeding failed")
	}
	seedDefaultProvider(ctx, dataStore, cfg.Provider)

	l := ledger.New(dataStore)
	pipeline := compiler.NewPipeline(dataStore, l)

	fallback := providerFromConfig(cfg.Provider)
	timeout := time.Duration(cfg.Provider.TimeoutSeconds) * time.Second
	run := runner.New(dataStore, l, fallback, timeout)

	registry := driver.NewRegistry(
		driver.NewHTTPDriver(nil),
		driver.NewNotifyDriver(),
		driver.NewTransformDriver(),
		driver.NewWaitDriver(),
	)
	registry.Register(driver.NewKVDriver(), "local")
	if fallback.APIKey != "" {
		chat := provider.NewClient(fallback, timeout)
		registry.Register(driver.NewLLMDriver(chat, fallback.DefaultModel))
	} else {
		log.Warn().Msg("No provider API key configured; llm driver disabled")
	}
	engine := interpreter.New(registry)

	keySvc := keys.NewService(dataStore, cfg.Keys.DefaultRateLimit)
	auth := middleware.NewAuth(keySvc, cfg.Keys.BootstrapKey, cfg.Keys.BootstrapKey != "")
	if cfg.Keys.BootstrapKey == "" {
		log.Warn().Msg("🔓 UCP_BOOTSTRAP_KEY not set; API authentication disabled")
	}

	h := handlers.New(dataStore, pipeline, run, engine, l, keySvc, registry)
	router := api.NewRouter(cfg, h, auth)

	// The in-memory store evicts expired sessions itself; Postgres needs
	// the janitor.
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	if cfg.Database.URL != "" {
		j := retention.NewJanitor(dataStore, cfg.Retention.SweepInterval, cfg.Retention.SessionTTL)
		go j.Run(janitorCtx)
	}

	log.Info().
		Int("port", cfg.Port).
		Strs("drivers", registry.Namespaces()).
		Msg("🧩 UCP engine initialized")

	return &Server{
		Handler:  router,
		Store:    dataStore,
		Keys:     keySvc,
		Pipeline: pipeline,
		Port:     cfg.Port,
		ShutdownFunc: func(ctx context.Context) error {
			stopJanitor()
			err := shutdownTelemetry(ctx)
			if closeErr := dataStore.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
			return err
		},
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Info().Msg("✅ PostgreSQL store initialized")
		return pg, nil
	}
	m := store.NewMemoryStore(cfg.Database.SnapshotPath)
	log.Info().Str("snapshot", cfg.Database.SnapshotPath).Msg("✅ In-memory store initialized")
	return m, nil
}

func providerFromConfig(cfg config.ProviderConfig) models.ProviderConfig {
	return models.ProviderConfig{
		Name:            "default",
		BaseURL:         cfg.BaseURL,
		APIKey:          cfg.APIKey,
		DefaultModel:    cfg.Model,
		ContextWindow:   cfg.ContextWindow,
		MaxTokens:       cfg.MaxTokens,
		CostPer1kInput:  cfg.CostPer1kInput,
		CostPer1kOutput: cfg.CostPer1kOutput,
	}
}

// seedDefaultProvider stores the environment's provider endpoint so
// sessions can reference it by ID. The API key itself is never persisted;
// the runner layers it back in from config at call time.
func seedDefaultProvider(ctx context.Context, s store.Store, cfg config.ProviderConfig) {
	if cfg.BaseURL == "" {
		return
	}
	if _, err := s.GetProviderConfig(ctx, "default"); err == nil {
		return
	}
	seed := providerFromConfig(cfg)
	seed.ID = "default"
	seed.APIKey = ""
	seed.CreatedAt = time.Now().UTC()
	if err := s.CreateProviderConfig(ctx, &seed); err != nil {
		log.Warn().Err(err).Msg("Failed to seed default provider config")
		return
	}
	log.Info().Str("base_url", seed.BaseURL).Msg("✅ Default provider config seeded")
}
