package entitlement

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/prometheus/client_golang/prometheus"

	ent "github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/quotaclock"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

const (
	msgCreditConsumed   = "Credit consumed successfully"
	msgCreditReplayed   = "Credit already consumed for this session"
	msgNoCredits        = "No credits remaining"
	msgProUnlimited     = "Pro user - unlimited access"
	msgFreeFeature      = "Free feature - no credit required"
	msgTrialUsed        = "Trial session used"
	msgTrialReplayed    = "Trial session already used for this request"
	msgNoTrials         = "No trial sessions remaining today"
	msgTrialsForFree    = "Trial sessions are only available to free users"
	msgNoSubscription   = "No active subscription"
	msgSubscriptionDone = "Subscription cancelled"
)

// CreditStatus is a user's credit counter as reported to clients.
type CreditStatus struct {
	Credits Credits
	IsPro   bool
}

// SpendOutcome is the answer to a credit or trial spend.
type SpendOutcome struct {
	Success   bool
	Remaining int
	Message   string
}

// SubscriptionStatus is a user's subscription as reported to clients.
type SubscriptionStatus struct {
	Record     ent.Record
	TrialUsed  int
	TrialLimit int
}

// ActionOutcome is the answer to upgrade and cancel.
type ActionOutcome struct {
	Success bool
	Message string
}

// Option configures a Service.
type Option func(*Service)

// WithCatalog replaces subscription.DefaultCatalog.
func WithCatalog(c subscription.Catalog) Option {
	return func(s *Service) { s.catalog = c }
}

// WithClock overrides time.Now.
func WithClock(clock quotaclock.Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRegisterer enables Prometheus metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) {
		if reg != nil {
			s.metrics = newMetrics(reg)
		}
	}
}

// Service is the authoritative owner of credit counters, trial usage and
// subscriptions. Credits and trials are counted per UTC calendar day.
type Service struct {
	store   Store
	catalog subscription.Catalog
	clock   quotaclock.Clock
	log     *slog.Logger
	metrics *metrics
}

// NewService returns a Service over store.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrMissingStore
	}
	s := &Service{
		store:   store,
		catalog: subscription.DefaultCatalog(),
		clock:   quotaclock.System,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.catalog.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Catalog returns the product catalogue the service enforces.
func (s *Service) Catalog() subscription.Catalog { return s.catalog }

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// CreditStatus returns today's counter of userID.
func (s *Service) CreditStatus(ctx context.Context, userID string) (CreditStatus, error) {
	rec, err := s.record(ctx, userID)
	if err != nil {
		return CreditStatus{}, err
	}
	c, err := s.store.Credits(ctx, userID, Day(s.clock()), s.catalog.DailyCredits)
	if err != nil {
		return CreditStatus{}, err
	}
	return CreditStatus{Credits: c, IsPro: rec.IsPro(s.clock())}, nil
}

// ConsumeCredit spends one credit of userID on feature. Pro users and free
// features are logged without spending. A repeated sessionID reports success
// without spending again.
func (s *Service) ConsumeCredit(ctx context.Context, userID, feature, sessionID string) (SpendOutcome, error) {
	f := ent.Feature(feature)
	if _, ok := s.catalog.Feature(f); !ok {
		return SpendOutcome{}, fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
	}
	rec, err := s.record(ctx, userID)
	if err != nil {
		return SpendOutcome{}, err
	}
	pro := rec.IsPro(s.clock()) && rec.HasFeature(f)
	free := slices.Contains(s.catalog.FreeFeatures, f)

	res, err := s.store.SpendCredit(ctx, SpendParams{
		UserID:    userID,
		Feature:   feature,
		SessionID: sessionID,
		Day:       Day(s.clock()),
		Limit:     s.catalog.DailyCredits,
		Unmetered: pro || free,
	})
	if err != nil {
		return SpendOutcome{}, err
	}

	out := SpendOutcome{Success: res.Spent, Remaining: res.Credits.Remaining()}
	var outcome string
	switch {
	case res.Replayed:
		out.Message, outcome = msgCreditReplayed, "replayed"
	case !res.Spent:
		out.Message, outcome = msgNoCredits, "denied"
	case pro:
		out.Message, outcome = msgProUnlimited, "unmetered"
	case free:
		out.Message, outcome = msgFreeFeature, "unmetered"
	default:
		out.Message, outcome = msgCreditConsumed, "spent"
	}
	s.metrics.credit(outcome)
	s.log.DebugContext(ctx, "credit spend",
		logger.Component("entitlement-service"),
		logger.UserID(userID),
		logger.Feature(f),
		logger.Event(outcome),
		logger.Remaining(out.Remaining),
	)
	return out, nil
}

// UseTrial spends one of userID's daily trial sessions on feature.
func (s *Service) UseTrial(ctx context.Context, userID, feature, sessionID string) (SpendOutcome, error) {
	f := ent.Feature(feature)
	if _, ok := s.catalog.Feature(f); !ok {
		return SpendOutcome{}, fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
	}
	rec, err := s.record(ctx, userID)
	if err != nil {
		return SpendOutcome{}, err
	}
	day := Day(s.clock())

	if rec.IsPro(s.clock()) {
		used, err := s.store.TrialsUsed(ctx, userID, day)
		if err != nil {
			return SpendOutcome{}, err
		}
		s.metrics.trial("denied")
		return SpendOutcome{Remaining: max(s.catalog.DailyTrials-used, 0), Message: msgTrialsForFree}, nil
	}

	res, err := s.store.SpendTrial(ctx, TrialParams{
		UserID:    userID,
		Feature:   feature,
		SessionID: sessionID,
		Day:       day,
		Limit:     s.catalog.DailyTrials,
	})
	if err != nil {
		return SpendOutcome{}, err
	}

	out := SpendOutcome{Success: res.Granted, Remaining: max(s.catalog.DailyTrials-res.Used, 0)}
	var outcome string
	switch {
	case res.Replayed:
		out.Message, outcome = msgTrialReplayed, "replayed"
	case !res.Granted:
		out.Message, outcome = msgNoTrials, "denied"
	default:
		out.Message, outcome = msgTrialUsed, "granted"
	}
	s.metrics.trial(outcome)
	s.log.DebugContext(ctx, "trial spend",
		logger.Component("entitlement-service"),
		logger.UserID(userID),
		logger.Feature(f),
		logger.Event(outcome),
		logger.Remaining(out.Remaining),
	)
	return out, nil
}

// SubscriptionStatus returns the subscription and today's trial usage of userID.
func (s *Service) SubscriptionStatus(ctx context.Context, userID string) (SubscriptionStatus, error) {
	rec, err := s.record(ctx, userID)
	if err != nil {
		return SubscriptionStatus{}, err
	}
	used, err := s.store.TrialsUsed(ctx, userID, Day(s.clock()))
	if err != nil {
		return SubscriptionStatus{}, err
	}
	return SubscriptionStatus{
		Record:     rec.Normalize(s.clock()),
		TrialUsed:  used,
		TrialLimit: s.catalog.DailyTrials,
	}, nil
}

// Upgrade moves userID to the paid tier, starting a new term now.
func (s *Service) Upgrade(ctx context.Context, userID string, tier ent.Tier) (ActionOutcome, error) {
	if !tier.Paid() {
		return ActionOutcome{}, fmt.Errorf("%w: %q", ErrNotUpgradable, tier)
	}
	plan, err := s.catalog.Plan(tier)
	if err != nil {
		return ActionOutcome{}, err
	}

	now := s.clock().UTC()
	sub := Subscription{
		UserID:    userID,
		Status:    ent.StatusPro,
		Tier:      tier,
		StartedAt: now,
		ExpiresAt: plan.ExpiresAt(now),
		UpdatedAt: now,
	}
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return ActionOutcome{}, err
	}

	s.log.InfoContext(ctx, "subscription upgraded",
		logger.Component("entitlement-service"),
		logger.UserID(userID),
		logger.Tier(tier),
	)
	return ActionOutcome{Success: true, Message: "Upgraded to " + cmp.Or(plan.Name, string(tier))}, nil
}

// Cancel ends userID's paid subscription. Users without an active one get an
// unsuccessful outcome, not an error.
func (s *Service) Cancel(ctx context.Context, userID string) (ActionOutcome, error) {
	sub, err := s.store.Subscription(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return ActionOutcome{Message: msgNoSubscription}, nil
	}
	if err != nil {
		return ActionOutcome{}, err
	}
	if !s.toRecord(sub).IsPro(s.clock()) {
		return ActionOutcome{Message: msgNoSubscription}, nil
	}

	sub.Status = ent.StatusCancelled
	sub.UpdatedAt = s.clock().UTC()
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return ActionOutcome{}, err
	}

	s.log.InfoContext(ctx, "subscription cancelled",
		logger.Component("entitlement-service"),
		logger.UserID(userID),
		logger.Tier(sub.Tier),
	)
	return ActionOutcome{Success: true, Message: msgSubscriptionDone}, nil
}

// Features returns the catalogue sorted by feature name.
func (s *Service) Features() []subscription.FeatureInfo {
	out := slices.Clone(s.catalog.Features)
	slices.SortFunc(out, func(a, b subscription.FeatureInfo) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// ResetCredits zeroes every counter of a past day and returns how many were reset.
func (s *Service) ResetCredits(ctx context.Context) (int, error) {
	n, err := s.store.ResetCredits(ctx, Day(s.clock()))
	if err != nil {
		return 0, err
	}
	s.log.InfoContext(ctx, "daily credits reset",
		logger.Component("entitlement-service"),
		slog.Int("reset_count", n),
	)
	return n, nil
}

func (s *Service) record(ctx context.Context, userID string) (ent.Record, error) {
	sub, err := s.store.Subscription(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return ent.FreeRecord(userID), nil
	}
	if err != nil {
		return ent.Record{}, err
	}
	return s.toRecord(sub), nil
}

func (s *Service) toRecord(sub Subscription) ent.Record {
	rec := ent.Record{
		UserID:    sub.UserID,
		Tier:      sub.Tier,
		Status:    sub.Status,
		ExpiresAt: sub.ExpiresAt,
	}
	if sub.Status == ent.StatusPro {
		if plan, err := s.catalog.Plan(sub.Tier); err == nil {
			rec.Features = slices.Clone(plan.Features)
		}
	}
	return rec
}
