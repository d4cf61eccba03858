// Package entitlement is the reference implementation of the entitlement
// service that quotakit clients talk to.
//
// Service owns the authoritative state: a daily credit counter per user, the
// trial usage log and subscriptions. Counters are kept per UTC calendar day.
// Spends are atomic in the Store and deduplicated by session ID, so a client
// that retries a confirmation never pays twice. Pro users and free features
// are logged without spending.
//
// NewHandler exposes the service over HTTP with chi. Requests are validated
// with go-playground/validator, spends are rate limited per user and every
// route is instrumented with Prometheus.
//
//	store := entitlement.NewMemoryStore()
//	svc, err := entitlement.NewService(store, entitlement.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	h := entitlement.NewHandler(svc, entitlement.WithRateLimit(5, 10))
//	return httpserver.New(httpserver.WithAddr(":8080")).Run(ctx, h)
//
// PostgresStore persists the same state in PostgreSQL; apply Migrations with
// pg.Migrate first.
package entitlement
