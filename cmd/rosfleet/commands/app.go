package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/change"
	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/config"
	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/inventory"
	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/policy"
	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/stores"
	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/telemetry"
	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/transports/rest"
)

// app holds the wired service components a command needs. Every command
// builds one from the config file and closes it on exit.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     *stores.SQLiteStore
	directory *inventory.Directory
	client    *rest.Client
	health    *rest.HealthChecker
	providers []engine.ChangeProvider
	breaker   *engine.Breaker
	rollback  *engine.RollbackManager
	service   *engine.Service
	metrics   *telemetry.Metrics
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Store.Path,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	directory, err := inventory.NewDirectory(cfg.InventoryPath, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	admitter, err := policy.NewAdmitter(logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	if len(cfg.PolicyPaths) > 0 {
		if err := admitter.LoadPolicies(ctx, cfg.PolicyPaths); err != nil {
			store.Close()
			return nil, err
		}
	}

	client := rest.NewClient(cfg.RESTClientConfig(), logger)
	health := rest.NewHealthChecker(client, cfg.RESTHealthConfig(), logger)

	providerCfg := change.Config{ReadTimeout: cfg.Transport.CallTimeout}
	providers := []engine.ChangeProvider{
		change.NewDNSProvider(client, providerCfg, logger),
		change.NewNTPProvider(client, providerCfg, logger),
	}

	breaker := engine.NewBreaker(cfg.EngineBreakerConfig(), store, logger)
	rollback := engine.NewRollbackManager(store, client, breaker, cfg.Transport.CallTimeout, logger)
	compiler := engine.NewCompiler(directory, providers, store, admitter, logger)
	gate := engine.NewApprovalGate(store, []byte(cfg.SigningKey), cfg.ApprovalTTL, logger)
	service := engine.NewService(store, directory, compiler, gate, rollback, logger)

	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		directory: directory,
		client:    client,
		health:    health,
		providers: providers,
		breaker:   breaker,
		rollback:  rollback,
		service:   service,
		metrics:   metrics,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close store")
	}
}
