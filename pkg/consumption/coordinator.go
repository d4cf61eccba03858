package consumption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/quotaclock"
	"github.com/dmitrymomot/quotakit/pkg/remote"
	"github.com/dmitrymomot/quotakit/pkg/usagecache"
)

// DefaultConfirmTimeout bounds a background confirm.
const DefaultConfirmTimeout = 10 * time.Second

// Confirmer confirms a spend with the entitlement service.
// *remote.Client satisfies it.
type Confirmer interface {
	ConsumeCredit(ctx context.Context, req remote.ConsumeRequest) (remote.ConsumeResult, error)
}

// Config is the environment-driven coordinator setup.
type Config struct {
	ConfirmTimeout time.Duration `env:"QUOTAKIT_CONFIRM_TIMEOUT" envDefault:"10s"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfirmTimeout bounds each background confirm.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock sets the time source stamped on spends.
func WithClock(clock quotaclock.Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRegisterer publishes consumption metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Coordinator) {
		if reg != nil {
			c.metrics = newMetrics(reg)
		}
	}
}

// WithIDGenerator replaces the pending consumption id source.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// Coordinator applies credit spends optimistically and reconciles them with
// the entitlement service. Safe for concurrent use.
type Coordinator struct {
	cache     *usagecache.Cache
	confirmer Confirmer
	timeout   time.Duration
	clock     quotaclock.Clock
	log       *slog.Logger
	metrics   *metrics
	newID     func() string

	mu       sync.Mutex
	inflight map[string]map[string]struct{}
	wg       sync.WaitGroup
}

// New returns a Coordinator over cache confirming through confirmer.
func New(cache *usagecache.Cache, confirmer Confirmer, opts ...Option) *Coordinator {
	c := &Coordinator{
		cache:     cache,
		confirmer: confirmer,
		timeout:   DefaultConfirmTimeout,
		clock:     quotaclock.System,
		log:       slog.Default(),
		newID:     uuid.NewString,
		inflight:  make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume spends one credit of userID on feature.
//
// With the cached counter exhausted nothing is mutated, no request is made and
// the returned Consumption is already settled with Applied false. Otherwise
// the spend is applied locally and confirmed in the background.
func (c *Coordinator) Consume(ctx context.Context, userID string, feature entitlement.Feature) (*Consumption, error) {
	p := Pending{
		ID:      c.newID(),
		UserID:  userID,
		Feature: feature,
		Amount:  1,
	}

	snap, err := c.cache.Update(ctx, userID, func(s *usagecache.Snapshot) error {
		if s.Quota.Count+p.Amount > s.Quota.Limit {
			return errNotApplied
		}
		s.Quota.Count += p.Amount
		s.Quota.LastUsedAt = c.clock()
		p.window = s.Quota.LastResetAt
		c.track(p)
		return nil
	})
	if errors.Is(err, errNotApplied) {
		c.metrics.skipped()
		return settled(p, Result{
			Remaining: snap.Quota.Remaining(),
			State:     StateNotApplied,
		}), nil
	}
	if err != nil {
		c.untrack(p)
		return nil, err
	}

	p.Applied = true
	cons := newConsumption(p, Result{
		Applied:   true,
		Remaining: snap.Quota.Remaining(),
		State:     StatePending,
	})

	c.metrics.started()
	c.wg.Add(1)
	go c.confirm(context.WithoutCancel(ctx), cons)
	return cons, nil
}

// InFlight returns the number of unsettled spends of userID.
func (c *Coordinator) InFlight(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight[userID])
}

// Wait blocks until every background confirm has settled.
func (c *Coordinator) Wait() { c.wg.Wait() }

type reply struct {
	res remote.ConsumeResult
	err error
}

func (c *Coordinator) confirm(ctx context.Context, cons *Consumption) {
	defer c.wg.Done()
	start := time.Now()
	p := cons.pending

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	replies := make(chan reply, 1)
	go func() {
		res, err := c.confirmer.ConsumeCredit(cctx, remote.ConsumeRequest{
			UserID:    p.UserID,
			Feature:   string(p.Feature),
			SessionID: p.ID,
		})
		replies <- reply{res: res, err: err}
	}()

	// The confirmer may ignore cctx, so the deadline is enforced here too.
	var r reply
	select {
	case r = <-replies:
		if r.err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			r.err = errors.Join(ErrConfirmTimeout, r.err)
		}
	case <-cctx.Done():
		r.err = errors.Join(ErrConfirmTimeout, cctx.Err())
	}

	switch {
	case r.err != nil:
		c.rollback(ctx, cons, r.err, start)
	case !r.res.Success:
		c.rollback(ctx, cons, fmt.Errorf("%w: %s", ErrRejected, r.res.Message), start)
	default:
		c.commit(ctx, cons, r.res.Remaining, start)
	}
}

// commit stores the server's remaining count. Spends still in flight are
// not yet reflected by the server, so they stay applied on top of it.
func (c *Coordinator) commit(ctx context.Context, cons *Consumption, remaining int, start time.Time) {
	p := cons.pending
	snap, err := c.cache.Update(ctx, p.UserID, func(s *usagecache.Snapshot) error {
		others := c.untrack(p)
		s.Quota.SetRemaining(remaining)
		s.Quota.Count = min(s.Quota.Count+others*p.Amount, s.Quota.Limit)
		return nil
	})
	if err != nil {
		c.untrack(p)
		c.log.ErrorContext(ctx, "failed to store confirmed credit count",
			logger.Component("consumption"),
			logger.UserID(p.UserID),
			logger.PendingID(p.ID),
			logger.Error(err),
		)
		if cons.settle(Result{Applied: true, Remaining: remaining, State: StateConfirmed}, errors.Join(ErrCacheWrite, err)) {
			c.metrics.settled("confirmed", time.Since(start))
		}
		return
	}

	if cons.settle(Result{Applied: true, Remaining: snap.Quota.Remaining(), State: StateConfirmed}, nil) {
		c.metrics.settled("confirmed", time.Since(start))
	}
	c.log.DebugContext(ctx, "credit spend confirmed",
		logger.Component("consumption"),
		logger.UserID(p.UserID),
		logger.Feature(p.Feature),
		logger.PendingID(p.ID),
		logger.Remaining(snap.Quota.Remaining()),
	)
}

// rollback returns exactly the applied amount to the counter it was taken from.
func (c *Coordinator) rollback(ctx context.Context, cons *Consumption, cause error, start time.Time) {
	p := cons.pending
	snap, err := c.cache.Update(ctx, p.UserID, func(s *usagecache.Snapshot) error {
		c.untrack(p)
		if s.Quota.LastResetAt.Equal(p.window) {
			s.Quota.Count = max(s.Quota.Count-p.Amount, 0)
		}
		return nil
	})
	if err != nil {
		c.untrack(p)
		cause = errors.Join(cause, ErrCacheWrite, err)
	}

	c.log.WarnContext(ctx, "credit spend rolled back",
		logger.Component("consumption"),
		logger.UserID(p.UserID),
		logger.Feature(p.Feature),
		logger.PendingID(p.ID),
		logger.Error(cause),
	)
	if cons.settle(Result{Remaining: snap.Quota.Remaining(), State: StateRolledBack}, cause) {
		c.metrics.settled(rollbackOutcome(cause), time.Since(start))
	}
}

func (c *Coordinator) track(p Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.inflight[p.UserID]
	if !ok {
		m = make(map[string]struct{})
		c.inflight[p.UserID] = m
	}
	m[p.ID] = struct{}{}
}

// untrack forgets p and returns how many spends of the user remain in flight.
func (c *Coordinator) untrack(p Pending) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.inflight[p.UserID]
	delete(m, p.ID)
	n := len(m)
	if n == 0 {
		delete(c.inflight, p.UserID)
	}
	return n
}

func rollbackOutcome(err error) string {
	switch {
	case errors.Is(err, ErrConfirmTimeout):
		return "timeout"
	case errors.Is(err, ErrRejected), errors.Is(err, remote.ErrRejected):
		return "rejected"
	default:
		return "rolled_back"
	}
}
