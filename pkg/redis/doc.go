// Package redis connects to the Redis server that backs the shared usage
// cache (usagecache.RedisStore).
//
// Config is read from the environment (REDIS_URL, REDIS_KEY_PREFIX, ...).
// Connect retries until the server answers a PING; Healthcheck adapts the
// client to the readiness probe signature func(context.Context) error.
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	store := usagecache.NewRedisStore(client, usagecache.WithKeyPrefix(cfg.KeyPrefix))
package redis
