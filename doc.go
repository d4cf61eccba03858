// Package quotakit decides whether a user may use a gated feature right now
// and accounts for what each use costs.
//
// A user either holds a paid plan, which unlocks the pro features outright,
// or spends from two renewable daily budgets: credits, spent optimistically
// and confirmed by the entitlement service in the background, and trial
// sessions, which the service grants one at a time. Features on the free
// allow-list are never charged.
//
// Engine is the single entry point. It wires the evaluator, the
// subscription manager, the consumption coordinator and the trial ledger
// over one usage cache and one entitlement service client:
//
//	client, err := remote.New("https://api.example.com", remote.WithPathPrefix("/api"))
//	if err != nil { ... }
//	cache := usagecache.New(usagecache.NewMemoryStore(),
//	    usagecache.WithDefaults(quotakit.CacheDefaults(subscription.DefaultCatalog())),
//	)
//	eng, err := quotakit.New(client, cache, quotakit.WithLogger(log))
//	if err != nil { ... }
//
//	d, err := eng.Evaluate(ctx, userID, entitlement.DeepStudyMode)
//	if err != nil { ... }
//	switch d {
//	case entitlement.AllowedConsumeCredit:
//	    c, err := eng.Consume(ctx, userID, entitlement.DeepStudyMode)
//	    // render c.Snapshot() now, c.Await(ctx) for the confirmed result
//	case entitlement.AllowedConsumeTrial:
//	    ok, err := eng.UseTrial(ctx, userID, entitlement.DeepStudyMode)
//	}
//
// # Availability
//
// The service is the source of truth whenever it answers. When it does not,
// the engine keeps serving: subscriptions fall back to the last synced state
// or to free defaults, and a credit spend whose confirmation fails or times
// out is rolled back exactly. Calls without a user are denied with
// ErrUnauthenticated before any request is made.
//
// For UI integration see package gate, which wraps a protected component and
// renders the lock overlay, upgrade modal or trial offer.
package quotakit
