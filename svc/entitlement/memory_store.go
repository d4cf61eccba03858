package entitlement

import (
	"context"
	"slices"
	"sync"
	"time"
)

type creditKey struct {
	userID string
	day    time.Time
}

type sessionKey struct {
	userID    string
	sessionID string
}

// UsageEntry is one logged credit or trial use.
type UsageEntry struct {
	UserID    string
	Feature   string
	SessionID string
	Consumed  int
	At        time.Time
}

// MemoryStore keeps everything in process memory. It is meant for tests,
// demos and single instance deployments that can lose state on restart.
type MemoryStore struct {
	mu sync.Mutex

	credits       map[creditKey]*Credits
	subscriptions map[string]Subscription

	creditLog      []UsageEntry
	creditSessions map[sessionKey]time.Time

	trialLog      map[creditKey][]UsageEntry
	trialSessions map[sessionKey]time.Time

	now func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credits:        make(map[creditKey]*Credits),
		subscriptions:  make(map[string]Subscription),
		creditSessions: make(map[sessionKey]time.Time),
		trialLog:       make(map[creditKey][]UsageEntry),
		trialSessions:  make(map[sessionKey]time.Time),
		now:            time.Now,
	}
}

func (s *MemoryStore) Credits(_ context.Context, userID string, day time.Time, limit int) (Credits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.counter(userID, day, limit), nil
}

func (s *MemoryStore) SpendCredit(_ context.Context, p SpendParams) (SpendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counter(p.UserID, p.Day, p.Limit)
	sk := sessionKey{p.UserID, p.SessionID}
	if _, seen := s.creditSessions[sk]; seen && p.SessionID != "" {
		return SpendResult{Credits: *c, Spent: true, Replayed: true}, nil
	}

	consumed := 0
	if !p.Unmetered {
		if c.Used >= c.Limit {
			return SpendResult{Credits: *c}, nil
		}
		c.Used++
		consumed = 1
	}

	if p.SessionID != "" {
		s.creditSessions[sk] = p.Day
	}
	s.creditLog = append(s.creditLog, UsageEntry{
		UserID:    p.UserID,
		Feature:   p.Feature,
		SessionID: p.SessionID,
		Consumed:  consumed,
		At:        s.now(),
	})
	return SpendResult{Credits: *c, Spent: true}, nil
}

// ResetCredits drops every counter, session and log entry of a past day, so
// a long running process keeps only the current day in memory.
func (s *MemoryStore) ResetCredits(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, c := range s.credits {
		if !k.day.Before(before) {
			continue
		}
		if c.Used > 0 {
			n++
		}
		delete(s.credits, k)
	}
	for k := range s.trialLog {
		if k.day.Before(before) {
			delete(s.trialLog, k)
		}
	}
	for _, sessions := range []map[sessionKey]time.Time{s.creditSessions, s.trialSessions} {
		for k, day := range sessions {
			if day.Before(before) {
				delete(sessions, k)
			}
		}
	}
	s.creditLog = slices.DeleteFunc(s.creditLog, func(e UsageEntry) bool {
		return e.At.Before(before)
	})
	return n, nil
}

// Len reports how many daily counters the store holds.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.credits) + len(s.trialLog)
}

func (s *MemoryStore) TrialsUsed(_ context.Context, userID string, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trialLog[creditKey{userID, day}]), nil
}

func (s *MemoryStore) SpendTrial(_ context.Context, p TrialParams) (TrialResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := creditKey{p.UserID, p.Day}
	used := len(s.trialLog[k])
	sk := sessionKey{p.UserID, p.SessionID}
	if _, seen := s.trialSessions[sk]; seen && p.SessionID != "" {
		return TrialResult{Used: used, Granted: true, Replayed: true}, nil
	}
	if used >= p.Limit {
		return TrialResult{Used: used}, nil
	}

	if p.SessionID != "" {
		s.trialSessions[sk] = p.Day
	}
	s.trialLog[k] = append(s.trialLog[k], UsageEntry{
		UserID:    p.UserID,
		Feature:   p.Feature,
		SessionID: p.SessionID,
		Consumed:  1,
		At:        s.now(),
	})
	return TrialResult{Used: used + 1, Granted: true}, nil
}

func (s *MemoryStore) Subscription(_ context.Context, userID string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return cloneSubscription(sub), nil
}

func (s *MemoryStore) SaveSubscription(_ context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.UserID] = cloneSubscription(sub)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// CreditLog returns a copy of the credit usage log.
func (s *MemoryStore) CreditLog() []UsageEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UsageEntry, len(s.creditLog))
	copy(out, s.creditLog)
	return out
}

func (s *MemoryStore) counter(userID string, day time.Time, limit int) *Credits {
	k := creditKey{userID, day}
	c, ok := s.credits[k]
	if !ok {
		c = &Credits{UserID: userID, Day: day, Limit: limit}
		s.credits[k] = c
	}
	return c
}

func cloneSubscription(s Subscription) Subscription {
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		s.ExpiresAt = &t
	}
	return s
}
