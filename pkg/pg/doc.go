// Package pg bootstraps the PostgreSQL layer of the entitlement service on
// top of pgx/v5 and goose/v3.
//
// Config is populated from environment variables (PG_CONN_URL and friends).
// Connect opens a *pgxpool.Pool and retries until the database answers.
// Migrate applies goose migrations from any fs.FS, usually an embed.FS
// shipped with the service. Healthcheck adapts the pool to the readiness
// probe signature func(context.Context) error.
//
//	var cfg pg.Config
//	if err := config.Load(&cfg); err != nil {
//	    return err
//	}
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//	if err := pg.Migrate(ctx, pool, migrations.FS, cfg, log); err != nil {
//	    return err
//	}
//
// Error classification helpers such as IsDuplicateKeyError unwrap
// *pgconn.PgError so stores can map constraint violations to domain errors.
package pg
