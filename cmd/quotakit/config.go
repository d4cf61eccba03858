package main

import (
	"fmt"

	"github.com/dmitrymomot/quotakit"
	"github.com/dmitrymomot/quotakit/pkg/config"
	"github.com/dmitrymomot/quotakit/pkg/httpserver"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/mongo"
	"github.com/dmitrymomot/quotakit/pkg/pg"
	"github.com/dmitrymomot/quotakit/pkg/redis"
	"github.com/dmitrymomot/quotakit/pkg/remote"
)

// loader loads one configuration struct from the environment.
type loader func(v any) error

const (
	storeMemory   = "memory"
	storePostgres = "postgres"
	storeMongo    = "mongo"

	cacheMemory = "memory"
	cacheSQLite = "sqlite"
	cacheRedis  = "redis"
)

// ServeConfig configures the entitlement service.
type ServeConfig struct {
	HTTP httpserver.Config
	Log  logger.Config

	Store          string  `env:"QUOTAKIT_STORE" envDefault:"memory"`
	CatalogPath    string  `env:"QUOTAKIT_CATALOG_PATH"`
	RateLimitRPS   float64 `env:"QUOTAKIT_RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst int     `env:"QUOTAKIT_RATE_LIMIT_BURST" envDefault:"10"`

	// TrustedIPHeaders lists proxy headers carrying the client address.
	TrustedIPHeaders []string `env:"QUOTAKIT_TRUSTED_IP_HEADERS" envSeparator:","`
}

// ClientConfig configures the engine used by the client commands.
type ClientConfig struct {
	Remote remote.Config
	Engine quotakit.Config
	Log    logger.Config

	Cache     string `env:"QUOTAKIT_CACHE" envDefault:"sqlite"`
	CachePath string `env:"QUOTAKIT_CACHE_PATH" envDefault:"quotakit-cache.db"`
}

// loadConfig parses the environment into the given config pointer.
func loadConfig(v any, opts ...config.Option) error {
	switch c := v.(type) {
	case *ServeConfig:
		return config.Load(c, opts...)
	case *ClientConfig:
		return config.Load(c, opts...)
	case *pg.Config:
		return config.Load(c, opts...)
	case *mongo.Config:
		return config.Load(c, opts...)
	case *redis.Config:
		return config.Load(c, opts...)
	default:
		return fmt.Errorf("unsupported config type %T", v)
	}
}
