package trial

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/remote"
	"github.com/dmitrymomot/quotakit/pkg/usagecache"
)

// Spender spends a trial session on the entitlement service.
// *remote.Client satisfies it.
type Spender interface {
	UseTrial(ctx context.Context, req remote.TrialRequest) (remote.TrialResult, error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.log = l
		}
	}
}

// WithRegisterer publishes trial metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(lg *Ledger) {
		if reg == nil {
			return
		}
		lg.uses = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotakit",
			Subsystem: "trial",
			Name:      "uses_total",
			Help:      "Trial session requests by outcome.",
		}, []string{"outcome"})
		reg.MustRegister(lg.uses)
	}
}

// Ledger is the server-authoritative trial session counter of each user.
type Ledger struct {
	cache   *usagecache.Cache
	spender Spender
	log     *slog.Logger
	uses    *prometheus.CounterVec
}

// New returns a Ledger over cache spending through spender.
func New(cache *usagecache.Cache, spender Spender, opts ...Option) *Ledger {
	l := &Ledger{
		cache:   cache,
		spender: spender,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Use spends one trial session of userID on feature.
//
// An exhausted ledger returns false without a request. Otherwise the
// service decides: on success the ledger takes the service's remaining
// count, on refusal it is marked exhausted. A transport error leaves the
// ledger untouched and is returned.
func (l *Ledger) Use(ctx context.Context, userID string, feature entitlement.Feature) (bool, error) {
	s, err := l.cache.Load(ctx, userID)
	if err != nil {
		return false, err
	}
	if s.Trial.Exhausted() {
		l.observe("exhausted")
		return false, nil
	}

	res, err := l.spender.UseTrial(ctx, remote.TrialRequest{UserID: userID, Feature: string(feature)})
	if err != nil {
		l.observe("error")
		l.log.WarnContext(ctx, "trial session request failed",
			logger.Component("trial"),
			logger.UserID(userID),
			logger.Feature(feature),
			logger.Error(err),
		)
		return false, err
	}

	_, err = l.cache.Update(ctx, userID, func(s *usagecache.Snapshot) error {
		if res.Success {
			s.Trial.SetRemaining(res.Remaining)
		} else {
			s.Trial.Used = s.Trial.DailyLimit
		}
		return nil
	})
	if err != nil {
		// The service already counted the session; only the local copy is stale.
		l.log.ErrorContext(ctx, "failed to store trial usage",
			logger.Component("trial"),
			logger.UserID(userID),
			logger.Error(err),
		)
	}

	if !res.Success {
		l.observe("refused")
		l.log.InfoContext(ctx, "trial session refused",
			logger.Component("trial"),
			logger.UserID(userID),
			logger.Feature(feature),
			slog.String("message", res.Message),
		)
		return false, nil
	}
	l.observe("used")
	return true, nil
}

// Remaining returns the cached number of trial sessions left today.
func (l *Ledger) Remaining(ctx context.Context, userID string) (int, error) {
	s, err := l.cache.Load(ctx, userID)
	if err != nil {
		return 0, err
	}
	return s.Trial.Remaining(), nil
}

func (l *Ledger) observe(outcome string) {
	if l.uses != nil {
		l.uses.WithLabelValues(outcome).Inc()
	}
}
