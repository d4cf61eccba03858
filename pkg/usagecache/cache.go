package usagecache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/quotaclock"
)

// Cache is the local source of truth for optimistic entitlement state.
// Reads return copies. Every mutation goes through Update, which serialises
// writers per user and persists before returning.
type Cache struct {
	store    Store
	mem      *lru[string, Snapshot]
	locks    *keyedMutex
	clock    quotaclock.Clock
	defaults Defaults
	log      *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaults sets the limits given to users the cache has never seen.
func WithDefaults(d Defaults) Option {
	return func(c *Cache) {
		if d.DailyCredits > 0 {
			c.defaults.DailyCredits = d.DailyCredits
		}
		if d.DailyTrials > 0 {
			c.defaults.DailyTrials = d.DailyTrials
		}
	}
}

// WithClock sets the time source used for daily resets.
func WithClock(clock quotaclock.Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCapacity bounds the number of snapshots kept in memory.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.mem = newLRU[string, Snapshot](n)
		}
	}
}

// New returns a Cache backed by store. Panics on nil store.
func New(store Store, opts ...Option) *Cache {
	if store == nil {
		panic("usagecache: store is required")
	}
	c := &Cache{
		store: store,
		mem:   newLRU[string, Snapshot](1024),
		locks: newKeyedMutex(),
		clock: quotaclock.System,
		defaults: Defaults{
			DailyCredits: entitlement.DefaultDailyCredits,
			DailyTrials:  entitlement.DefaultDailyTrials,
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Defaults returns the limits applied to unseen users.
func (c *Cache) Defaults() Defaults { return c.defaults }

// Load returns the user's snapshot with any due daily reset applied.
// A user the cache has never seen gets a fresh free snapshot.
func (c *Cache) Load(ctx context.Context, userID string) (Snapshot, error) {
	if userID == "" {
		return Snapshot{}, ErrEmptyUserID
	}
	unlock := c.locks.lock(userID)
	defer unlock()

	s, err := c.read(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	if c.renew(&s) {
		if err := c.write(ctx, s); err != nil {
			return Snapshot{}, err
		}
	}
	return s.Clone(), nil
}

// Update applies fn to the user's snapshot under the user's writer lock and
// persists the result. If fn returns an error nothing is written and the
// unchanged snapshot is returned with that error.
func (c *Cache) Update(ctx context.Context, userID string, fn func(*Snapshot) error) (Snapshot, error) {
	if userID == "" {
		return Snapshot{}, ErrEmptyUserID
	}
	unlock := c.locks.lock(userID)
	defer unlock()

	s, err := c.read(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	renewed := c.renew(&s)

	next := s.Clone()
	if err := fn(&next); err != nil {
		if renewed {
			if werr := c.write(ctx, s); werr != nil {
				return s.Clone(), errors.Join(err, werr)
			}
		}
		return s.Clone(), err
	}

	next.UserID = userID
	next = c.defaults.apply(next)
	if err := c.write(ctx, next); err != nil {
		return s.Clone(), err
	}
	return next.Clone(), nil
}

// Forget removes everything cached for the user.
func (c *Cache) Forget(ctx context.Context, userID string) error {
	unlock := c.locks.lock(userID)
	defer unlock()

	c.mem.remove(userID)
	return errors.Join(
		c.store.Delete(ctx, UsageKey(userID)),
		c.store.Delete(ctx, IdentityKey(userID)),
	)
}

// SetIdentity stores the identity blob of the signed-in user.
func (c *Cache) SetIdentity(ctx context.Context, id Identity) error {
	if id.UserID == "" {
		return ErrEmptyUserID
	}
	b, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, IdentityKey(id.UserID), b)
}

// Identity returns the stored identity blob of userID.
func (c *Cache) Identity(ctx context.Context, userID string) (Identity, error) {
	b, err := c.store.Get(ctx, IdentityKey(userID))
	if err != nil {
		return Identity{}, err
	}
	var id Identity
	if err := json.Unmarshal(b, &id); err != nil {
		return Identity{}, errors.Join(ErrMalformed, err)
	}
	return id, nil
}

func (c *Cache) read(ctx context.Context, userID string) (Snapshot, error) {
	if s, ok := c.mem.get(userID); ok {
		return s.Clone(), nil
	}

	b, err := c.store.Get(ctx, UsageKey(userID))
	switch {
	case errors.Is(err, ErrNotFound):
		return c.fresh(userID), nil
	case err != nil:
		return Snapshot{}, err
	}

	s, err := Decode(b, userID, c.defaults)
	if err != nil {
		c.log.WarnContext(ctx, "discarding unreadable usage snapshot",
			logger.Component("usagecache"),
			logger.UserID(userID),
			logger.Error(err),
		)
		return c.fresh(userID), nil
	}
	c.mem.put(userID, s)
	return s.Clone(), nil
}

func (c *Cache) write(ctx context.Context, s Snapshot) error {
	b, err := Encode(s)
	if err != nil {
		return errors.Join(ErrFailedToPersist, err)
	}
	if err := c.store.Set(ctx, UsageKey(s.UserID), b); err != nil {
		c.mem.remove(s.UserID)
		return errors.Join(ErrFailedToPersist, err)
	}
	c.mem.put(s.UserID, s.Clone())
	return nil
}

func (c *Cache) fresh(userID string) Snapshot {
	now := c.clock()
	return Snapshot{
		UserID: userID,
		Record: entitlement.FreeRecord(userID),
		Quota:  entitlement.NewQuotaCounter(c.defaults.DailyCredits, now),
		Trial:  entitlement.NewTrialEntry(c.defaults.DailyTrials, now),
	}
}

func (c *Cache) renew(s *Snapshot) bool {
	now := c.clock()
	q := s.Quota.Renew(now)
	t := s.Trial.Renew(now)
	return q || t
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
