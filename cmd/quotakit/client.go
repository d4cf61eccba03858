package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dmitrymomot/quotakit"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/redis"
	"github.com/dmitrymomot/quotakit/pkg/remote"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
	"github.com/dmitrymomot/quotakit/pkg/usagecache"
)

// client is an engine wired from ClientConfig together with the resources
// it holds open.
type client struct {
	*quotakit.Engine
	log     *slog.Logger
	closers []func() error
}

func openClient(ctx context.Context, load loader, logOut io.Writer) (*client, error) {
	var cfg ClientConfig
	if err := load(&cfg); err != nil {
		return nil, err
	}

	log := logger.New(append(logger.FromConfig(cfg.Log),
		logger.WithOutput(logOut),
		logger.WithContextValue("user_id", quotakit.UserIDKey),
	)...)

	c := &client{log: log}
	store, err := c.openCache(ctx, cfg, load)
	if err != nil {
		return nil, err
	}

	catalog := subscription.DefaultCatalog()
	if cfg.Engine.CatalogPath != "" {
		if catalog, err = subscription.LoadCatalogFile(cfg.Engine.CatalogPath); err != nil {
			return nil, errors.Join(err, c.Close())
		}
	}
	cache := usagecache.New(store,
		usagecache.WithDefaults(quotakit.CacheDefaults(catalog)),
		usagecache.WithLogger(log),
	)

	backend, err := remote.New(cfg.Remote.BaseURL, append(cfg.Remote.Options(), remote.WithLogger(log))...)
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}

	opts, err := quotakit.FromConfig(cfg.Engine)
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}
	eng, err := quotakit.New(backend, cache, append(opts, quotakit.WithLogger(log))...)
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}
	c.Engine = eng
	return c, nil
}

func (c *client) openCache(ctx context.Context, cfg ClientConfig, load loader) (usagecache.Store, error) {
	switch cfg.Cache {
	case cacheMemory:
		return usagecache.NewMemoryStore(), nil
	case cacheSQLite:
		store, err := usagecache.OpenSQLite(cfg.CachePath)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, store.Close)
		return store, nil
	case cacheRedis:
		var redisCfg redis.Config
		if err := load(&redisCfg); err != nil {
			return nil, err
		}
		rdb, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, rdb.Close)
		return usagecache.NewRedisStore(rdb, usagecache.WithKeyPrefix(redisCfg.KeyPrefix)), nil
	default:
		return nil, fmt.Errorf("unknown cache %q, want %q, %q or %q", cfg.Cache, cacheMemory, cacheSQLite, cacheRedis)
	}
}

// Close waits for background confirmations and releases the cache.
func (c *client) Close() error {
	if c.Engine != nil {
		c.Wait()
	}
	var errs []error
	for _, fn := range c.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// withClient opens a client for userID, runs fn and closes the client.
func withClient(ctx context.Context, load loader, logOut io.Writer, userID string, fn func(context.Context, *client) error) (err error) {
	c, err := openClient(ctx, load, logOut)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, c.Close())
	}()
	return fn(quotakit.WithUserID(ctx, userID), c)
}
