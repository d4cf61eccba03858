// Package httpserver runs the entitlement service's HTTP handler with
// graceful shutdown and health probes.
//
// Run blocks until the context is cancelled, SIGINT or SIGTERM arrives or
// Shutdown is called, then drains in-flight requests within the shutdown
// timeout. Binding to ":0" is supported; Addr reports the chosen port.
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	mux.Get("/healthz", httpserver.LivenessHandler())
//	mux.Get("/readyz", httpserver.ReadinessHandler(log, time.Second,
//	    httpserver.Check{Name: "postgres", Probe: pg.Healthcheck(pool)},
//	))
//	if err := srv.Run(ctx, mux); err != nil {
//	    return err
//	}
//
// Start and shutdown failures are wrapped with ErrStart and ErrShutdown.
package httpserver
