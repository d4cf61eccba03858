package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/quotakit/pkg/httpserver"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/mongo"
	"github.com/dmitrymomot/quotakit/pkg/pg"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
	"github.com/dmitrymomot/quotakit/svc/entitlement"
)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the entitlement service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg ServeConfig
			if err := load(&cfg); err != nil {
				return err
			}
			log := logger.New(append(logger.FromConfig(cfg.Log), logger.WithOutput(cmd.ErrOrStderr()))...)
			logger.SetAsDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, load, log)
		},
	}
}

func runServe(ctx context.Context, cfg ServeConfig, load loader, log *slog.Logger) error {
	store, closeStore, err := openServiceStore(ctx, cfg.Store, load, log)
	if err != nil {
		return err
	}
	defer closeStore()

	catalog := subscription.DefaultCatalog()
	if cfg.CatalogPath != "" {
		if catalog, err = subscription.LoadCatalogFile(cfg.CatalogPath); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, err := entitlement.NewService(store,
		entitlement.WithCatalog(catalog),
		entitlement.WithLogger(log),
		entitlement.WithRegisterer(reg),
	)
	if err != nil {
		return err
	}

	handler := entitlement.NewHandler(svc,
		entitlement.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		entitlement.WithMetricsHandler(reg),
		entitlement.WithTrustedProxyHeaders(cfg.TrustedIPHeaders...),
	)

	server := httpserver.NewFromConfig(cfg.HTTP,
		httpserver.WithLogger(log),
		httpserver.WithoutSignals(),
	)
	return server.Run(ctx, handler)
}

// openServiceStore returns the configured store and a function releasing it.
func openServiceStore(ctx context.Context, kind string, load loader, log *slog.Logger) (entitlement.Store, func(), error) {
	switch kind {
	case storeMemory:
		log.WarnContext(ctx, "using in-memory store, usage is lost on restart", logger.Component("serve"))
		return entitlement.NewMemoryStore(), func() {}, nil
	case storePostgres:
		var pgCfg pg.Config
		if err := load(&pgCfg); err != nil {
			return nil, nil, err
		}
		pool, err := pg.Connect(ctx, pgCfg)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx, pool, entitlement.Migrations, pgCfg, log); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return entitlement.NewPostgresStore(pool), pool.Close, nil
	case storeMongo:
		var mongoCfg mongo.Config
		if err := load(&mongoCfg); err != nil {
			return nil, nil, err
		}
		db, err := mongo.ConnectDatabase(ctx, mongoCfg)
		if err != nil {
			return nil, nil, err
		}
		disconnect := func() {
			if err := db.Client().Disconnect(context.Background()); err != nil {
				log.Error("failed to disconnect from mongo", logger.Error(err))
			}
		}
		store, err := entitlement.NewMongoStore(ctx, db)
		if err != nil {
			disconnect()
			return nil, nil, err
		}
		return store, disconnect, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q, want %q, %q or %q", kind, storeMemory, storePostgres, storeMongo)
	}
}
