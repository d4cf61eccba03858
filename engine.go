package quotakit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmitrymomot/quotakit/pkg/consumption"
	"github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/quotaclock"
	"github.com/dmitrymomot/quotakit/pkg/remote"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
	"github.com/dmitrymomot/quotakit/pkg/trial"
	"github.com/dmitrymomot/quotakit/pkg/usagecache"
)

// Backend is the entitlement service. *remote.Client satisfies it.
type Backend interface {
	subscription.Source
	consumption.Confirmer
	trial.Spender
	CreditStatus(ctx context.Context, userID string) (remote.CreditStatus, error)
}

// Config is the environment-driven engine setup.
type Config struct {
	ConfirmTimeout  time.Duration `env:"QUOTAKIT_CONFIRM_TIMEOUT" envDefault:"10s"`
	SubscriptionTTL time.Duration `env:"QUOTAKIT_SUBSCRIPTION_TTL" envDefault:"5m"`
	CatalogPath     string        `env:"QUOTAKIT_CATALOG_PATH"`
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	catalog        subscription.Catalog
	clock          quotaclock.Clock
	log            *slog.Logger
	reg            prometheus.Registerer
	confirmTimeout time.Duration
	ttl            time.Duration
}

// WithCatalog sets the product catalog. The cache should be built with the
// same daily allowances, see CacheDefaults.
func WithCatalog(c subscription.Catalog) Option {
	return func(o *options) {
		o.catalog = c
	}
}

// WithClock sets the time source of every component.
func WithClock(clock quotaclock.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger of every component. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithRegisterer registers the engine's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.reg = reg
	}
}

// WithConfirmTimeout bounds the background confirmation of a credit spend.
func WithConfirmTimeout(d time.Duration) Option {
	return func(o *options) {
		o.confirmTimeout = d
	}
}

// WithSubscriptionTTL sets how long a fetched subscription is trusted.
func WithSubscriptionTTL(d time.Duration) Option {
	return func(o *options) {
		o.ttl = d
	}
}

// FromConfig turns cfg into options, loading the catalog file when set.
func FromConfig(cfg Config) ([]Option, error) {
	opts := []Option{
		WithConfirmTimeout(cfg.ConfirmTimeout),
		WithSubscriptionTTL(cfg.SubscriptionTTL),
	}
	if cfg.CatalogPath != "" {
		c, err := subscription.LoadCatalogFile(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithCatalog(c))
	}
	return opts, nil
}

// CacheDefaults returns the usage cache defaults matching catalog.
func CacheDefaults(c subscription.Catalog) usagecache.Defaults {
	return usagecache.Defaults{DailyCredits: c.DailyCredits, DailyTrials: c.DailyTrials}
}

// Engine answers whether a user may use a feature right now and accounts for
// what that use costs. It is safe for concurrent use.
type Engine struct {
	backend   Backend
	cache     *usagecache.Cache
	catalog   subscription.Catalog
	evaluator *entitlement.Evaluator
	subs      *subscription.Manager
	coord     *consumption.Coordinator
	trials    *trial.Ledger
	clock     quotaclock.Clock
	log       *slog.Logger
}

// New wires an Engine over backend and cache.
func New(backend Backend, cache *usagecache.Cache, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, ErrMissingBackend
	}
	if cache == nil {
		return nil, ErrMissingCache
	}

	o := options{
		catalog:        subscription.DefaultCatalog(),
		clock:          quotaclock.System,
		log:            slog.Default(),
		confirmTimeout: consumption.DefaultConfirmTimeout,
		ttl:            5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.catalog.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		backend: backend,
		cache:   cache,
		catalog: o.catalog,
		evaluator: entitlement.NewEvaluator(
			entitlement.WithFreeFeatures(o.catalog.FreeFeatures...),
			entitlement.WithClock(o.clock),
		),
		subs: subscription.NewManager(backend, cache,
			subscription.WithTTL(o.ttl),
			subscription.WithClock(o.clock),
			subscription.WithLogger(o.log),
		),
		coord: consumption.New(cache, backend,
			consumption.WithConfirmTimeout(o.confirmTimeout),
			consumption.WithClock(o.clock),
			consumption.WithLogger(o.log),
			consumption.WithRegisterer(o.reg),
		),
		trials: trial.New(cache, backend,
			trial.WithLogger(o.log),
			trial.WithRegisterer(o.reg),
		),
		clock: o.clock,
		log:   o.log,
	}, nil
}

// Catalog returns the product catalog in use.
func (e *Engine) Catalog() subscription.Catalog { return e.catalog }

// Evaluate decides whether userID may use feature now. An empty userID is
// denied without contacting the service.
func (e *Engine) Evaluate(ctx context.Context, userID string, feature entitlement.Feature) (entitlement.Decision, error) {
	d, _, err := e.evaluate(ctx, userID, feature)
	return d, err
}

func (e *Engine) evaluate(ctx context.Context, userID string, feature entitlement.Feature) (entitlement.Decision, usagecache.Snapshot, error) {
	if userID == "" {
		return entitlement.DeniedShowUpgrade, usagecache.Snapshot{}, ErrUnauthenticated
	}

	st, err := e.subs.State(ctx, userID)
	if err != nil {
		return entitlement.DeniedShowUpgrade, usagecache.Snapshot{}, err
	}
	snap, err := e.cache.Load(ctx, userID)
	if err != nil {
		return entitlement.DeniedShowUpgrade, usagecache.Snapshot{}, err
	}

	d := e.evaluator.Evaluate(st.Record, snap.Quota, snap.Trial, feature)
	e.log.DebugContext(ctx, "feature evaluated",
		logger.Component("engine"),
		logger.UserID(userID),
		logger.Feature(feature),
		logger.Decision(d),
		logger.Remaining(snap.Quota.Remaining()),
		slog.String("origin", string(st.Origin)),
	)
	return d, snap, nil
}

// Consume spends one daily credit of userID on feature, optimistically.
// Invocations the user's plan or the free allow-list covers are waived
// without any request.
func (e *Engine) Consume(ctx context.Context, userID string, feature entitlement.Feature) (*consumption.Consumption, error) {
	d, snap, err := e.evaluate(ctx, userID, feature)
	if err != nil {
		return nil, err
	}
	if d == entitlement.Allowed {
		return consumption.Waived(userID, feature, snap.Quota.Remaining()), nil
	}
	return e.coord.Consume(ctx, userID, feature)
}

// UseTrial spends one trial session of userID on feature. Covered
// invocations report true without any request.
func (e *Engine) UseTrial(ctx context.Context, userID string, feature entitlement.Feature) (bool, error) {
	d, _, err := e.evaluate(ctx, userID, feature)
	if err != nil {
		return false, err
	}
	if d == entitlement.Allowed {
		return true, nil
	}
	return e.trials.Use(ctx, userID, feature)
}

// Upgrade moves userID to tier.
func (e *Engine) Upgrade(ctx context.Context, userID string, tier entitlement.Tier) (subscription.State, error) {
	if userID == "" {
		return subscription.State{}, ErrUnauthenticated
	}
	if _, err := e.catalog.Plan(tier); err != nil {
		return subscription.State{}, err
	}
	return e.subs.Upgrade(ctx, userID, tier)
}

// Cancel cancels userID's subscription.
func (e *Engine) Cancel(ctx context.Context, userID string) (subscription.State, error) {
	if userID == "" {
		return subscription.State{}, ErrUnauthenticated
	}
	return e.subs.Cancel(ctx, userID)
}

// Identify stores the signed-in user's identity blob.
func (e *Engine) Identify(ctx context.Context, id usagecache.Identity) error {
	if id.UserID == "" {
		return ErrUnauthenticated
	}
	return e.cache.SetIdentity(ctx, id)
}

// Identity returns the stored identity of userID.
func (e *Engine) Identity(ctx context.Context, userID string) (usagecache.Identity, error) {
	if userID == "" {
		return usagecache.Identity{}, ErrUnauthenticated
	}
	return e.cache.Identity(ctx, userID)
}

// Wait blocks until every background confirmation has settled.
func (e *Engine) Wait() { e.coord.Wait() }

// Status is the combined view of a user's entitlements.
type Status struct {
	UserID   string
	Record   entitlement.Record
	Origin   subscription.Origin
	SyncedAt time.Time

	CreditsUsed      int
	CreditsRemaining int
	CreditsLimit     int
	TrialUsed        int
	TrialRemaining   int
	TrialLimit       int
	InFlight         int

	// TimeUntilReset is for display only; the counter resets 24h after the
	// window opened, see NextReset.
	TimeUntilReset time.Duration
	NextReset      time.Time
}

// IsPro reports whether the user currently holds an active paid plan.
func (s Status) IsPro() bool { return s.Record.Status == entitlement.StatusPro }

// Status returns the user's combined entitlement view.
func (e *Engine) Status(ctx context.Context, userID string) (Status, error) {
	if userID == "" {
		return Status{}, ErrUnauthenticated
	}
	st, err := e.subs.State(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	snap, err := e.cache.Load(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	return e.status(st, snap), nil
}

func (e *Engine) status(st subscription.State, snap usagecache.Snapshot) Status {
	now := e.clock()
	return Status{
		UserID:           snap.UserID,
		Record:           st.Record,
		Origin:           st.Origin,
		SyncedAt:         st.SyncedAt,
		CreditsUsed:      snap.Quota.Count,
		CreditsRemaining: snap.Quota.Remaining(),
		CreditsLimit:     snap.Quota.Limit,
		TrialUsed:        snap.Trial.Used,
		TrialRemaining:   snap.Trial.Remaining(),
		TrialLimit:       snap.Trial.DailyLimit,
		InFlight:         e.coord.InFlight(snap.UserID),
		TimeUntilReset:   quotaclock.TimeUntilReset(snap.Quota.LastUsedAt, now),
		NextReset:        quotaclock.NextReset(snap.Quota.LastResetAt),
	}
}

// Sync pulls the user's credit status and subscription from the service and
// overwrites the local copies. Spends still being confirmed stay counted.
func (e *Engine) Sync(ctx context.Context, userID string) (Status, error) {
	if userID == "" {
		return Status{}, ErrUnauthenticated
	}

	cs, err := e.backend.CreditStatus(ctx, userID)
	if err != nil {
		return Status{}, errors.Join(ErrSyncFailed, err)
	}

	snap, err := e.cache.Update(ctx, userID, func(s *usagecache.Snapshot) error {
		if cs.Limit > 0 {
			s.Quota.Limit = cs.Limit
		}
		s.Quota.SetRemaining(cs.Remaining)
		s.Quota.Count = min(s.Quota.Count+e.coord.InFlight(userID), s.Quota.Limit)
		return nil
	})
	if err != nil {
		return Status{}, err
	}

	st, err := e.subs.Refresh(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	e.log.InfoContext(ctx, "credits synced",
		logger.Component("engine"),
		logger.UserID(userID),
		logger.Remaining(snap.Quota.Remaining()),
		slog.Bool("is_pro", cs.IsPro),
	)
	return e.status(st, snap), nil
}
