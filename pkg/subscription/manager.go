package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/quotaclock"
	"github.com/dmitrymomot/quotakit/pkg/remote"
	"github.com/dmitrymomot/quotakit/pkg/usagecache"
)

// Source is the entitlement service as seen by the Manager.
// *remote.Client satisfies it.
type Source interface {
	SubscriptionStatus(ctx context.Context, userID string) (remote.SubscriptionStatus, error)
	Upgrade(ctx context.Context, req remote.UpgradeRequest) (remote.ActionResult, error)
	Cancel(ctx context.Context, userID string) (remote.ActionResult, error)
}

// Origin tells where a State came from.
type Origin string

const (
	OriginRemote  Origin = "remote"
	OriginCache   Origin = "cache"
	OriginDefault Origin = "default"
)

// State is the subscription view of one user.
type State struct {
	Record     entitlement.Record
	TrialUsed  int
	TrialLimit int
	SyncedAt   time.Time
	Origin     Origin
}

// Config is the environment-driven manager setup.
type Config struct {
	TTL         time.Duration `env:"QUOTAKIT_SUBSCRIPTION_TTL" envDefault:"5m"`
	CatalogPath string        `env:"QUOTAKIT_CATALOG_PATH"`
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTTL sets how long a fetched state is served from cache.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock sets the time source.
func WithClock(clock quotaclock.Clock) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// Manager keeps the local subscription state in step with the entitlement
// service. When the service cannot be reached it serves the last known state,
// or permissive free defaults for a user it has never synced.
type Manager struct {
	source Source
	cache  *usagecache.Cache
	ttl    time.Duration
	clock  quotaclock.Clock
	log    *slog.Logger
	group  singleflight.Group
}

// NewManager returns a Manager. Panics on nil source or cache.
func NewManager(source Source, cache *usagecache.Cache, opts ...ManagerOption) *Manager {
	if source == nil {
		panic("subscription: Source is required")
	}
	if cache == nil {
		panic("subscription: cache is required")
	}
	m := &Manager{
		source: source,
		cache:  cache,
		ttl:    5 * time.Minute,
		clock:  quotaclock.System,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the user's subscription state, fetching it when the cached
// copy is older than the TTL.
func (m *Manager) State(ctx context.Context, userID string) (State, error) {
	if userID == "" {
		return State{}, ErrMissingUserID
	}
	snap, err := m.cache.Load(ctx, userID)
	if err != nil {
		return State{}, err
	}
	if !snap.SyncedAt.IsZero() && m.clock().Sub(snap.SyncedAt) < m.ttl {
		return m.fromSnapshot(snap, OriginCache), nil
	}
	return m.Refresh(ctx, userID)
}

// Refresh fetches the state from the service regardless of the TTL.
// Concurrent refreshes of the same user share one request.
func (m *Manager) Refresh(ctx context.Context, userID string) (State, error) {
	if userID == "" {
		return State{}, ErrMissingUserID
	}
	v, err, _ := m.group.Do(userID, func() (any, error) {
		return m.fetch(ctx, userID)
	})
	if err != nil {
		return State{}, err
	}
	st := v.(State)
	st.Record = st.Record.Clone()
	return st, nil
}

// Invalidate makes the next State call fetch from the service.
func (m *Manager) Invalidate(ctx context.Context, userID string) error {
	_, err := m.cache.Update(ctx, userID, func(s *usagecache.Snapshot) error {
		s.SyncedAt = time.Time{}
		return nil
	})
	return err
}

// Upgrade moves the user to a paid tier and returns the refreshed state.
func (m *Manager) Upgrade(ctx context.Context, userID string, tier entitlement.Tier) (State, error) {
	if userID == "" {
		return State{}, ErrMissingUserID
	}
	if !tier.Paid() {
		return State{}, ErrNotUpgradable
	}
	res, err := m.source.Upgrade(ctx, remote.UpgradeRequest{UserID: userID, Tier: string(tier)})
	if err != nil {
		return State{}, err
	}
	if !res.Success {
		return State{}, errors.Join(ErrUpgradeRejected, errors.New(res.Message))
	}
	m.log.InfoContext(ctx, "subscription upgraded",
		logger.Component("subscription"),
		logger.UserID(userID),
		logger.Tier(tier),
	)
	return m.afterChange(ctx, userID)
}

// Cancel cancels the user's subscription and returns the refreshed state.
func (m *Manager) Cancel(ctx context.Context, userID string) (State, error) {
	if userID == "" {
		return State{}, ErrMissingUserID
	}
	res, err := m.source.Cancel(ctx, userID)
	if err != nil {
		return State{}, err
	}
	if !res.Success {
		return State{}, errors.Join(ErrCancelRejected, errors.New(res.Message))
	}
	m.log.InfoContext(ctx, "subscription cancelled",
		logger.Component("subscription"),
		logger.UserID(userID),
	)
	return m.afterChange(ctx, userID)
}

func (m *Manager) afterChange(ctx context.Context, userID string) (State, error) {
	if err := m.Invalidate(ctx, userID); err != nil {
		return State{}, errors.Join(ErrFailedToPersist, err)
	}
	return m.Refresh(ctx, userID)
}

func (m *Manager) fetch(ctx context.Context, userID string) (State, error) {
	st, err := m.source.SubscriptionStatus(ctx, userID)
	if err != nil {
		return m.fallback(ctx, userID, err)
	}

	now := m.clock()
	rec := st.Record(userID).Normalize(now)
	snap, err := m.cache.Update(ctx, userID, func(s *usagecache.Snapshot) error {
		s.Record = rec
		if st.TrialLimit > 0 {
			s.Trial.DailyLimit = st.TrialLimit
		}
		s.Trial.Used = max(0, min(st.TrialUsed, s.Trial.DailyLimit))
		s.SyncedAt = now
		return nil
	})
	if err != nil {
		m.log.ErrorContext(ctx, "failed to cache subscription state",
			logger.Component("subscription"),
			logger.UserID(userID),
			logger.Error(err),
		)
		return State{
			Record:     rec,
			TrialUsed:  st.TrialUsed,
			TrialLimit: st.TrialLimit,
			SyncedAt:   now,
			Origin:     OriginRemote,
		}, nil
	}
	return m.fromSnapshot(snap, OriginRemote), nil
}

// fallback serves the last synced state, or free defaults, when the service
// cannot answer. Availability wins over strictness here, so it never fails.
func (m *Manager) fallback(ctx context.Context, userID string, cause error) (State, error) {
	snap, err := m.cache.Load(ctx, userID)
	if err == nil && !snap.SyncedAt.IsZero() {
		m.log.WarnContext(ctx, "entitlement service unavailable, using cached subscription",
			logger.Component("subscription"),
			logger.UserID(userID),
			logger.Error(cause),
		)
		return m.fromSnapshot(snap, OriginCache), nil
	}

	m.log.WarnContext(ctx, "entitlement service unavailable, using free defaults",
		logger.Component("subscription"),
		logger.UserID(userID),
		logger.Error(errors.Join(cause, err)),
	)
	d := m.cache.Defaults()
	return State{
		Record:     entitlement.FreeRecord(userID),
		TrialUsed:  snap.Trial.Used,
		TrialLimit: d.DailyTrials,
		Origin:     OriginDefault,
	}, nil
}

func (m *Manager) fromSnapshot(s usagecache.Snapshot, origin Origin) State {
	return State{
		Record:     s.Record.Normalize(m.clock()),
		TrialUsed:  s.Trial.Used,
		TrialLimit: s.Trial.DailyLimit,
		SyncedAt:   s.SyncedAt,
		Origin:     origin,
	}
}
