package remote

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/entitlement"
)

// CreditStatus is the answer of GET /credits/status/{userId}.
type CreditStatus struct {
	Used      int
	Remaining int
	Limit     int
	Date      string
	IsPro     bool
}

// ConsumeRequest is the body of POST /credits/consume.
type ConsumeRequest struct {
	UserID    string `json:"user_id"`
	Feature   string `json:"feature_name"`
	SessionID string `json:"session_id,omitempty"`
}

// ConsumeResult is the answer of POST /credits/consume.
type ConsumeResult struct {
	Success   bool
	Remaining int
	Message   string
}

// TrialRequest is the body of POST /subscription/trial/use.
type TrialRequest struct {
	UserID  string `json:"user_id"`
	Feature string `json:"feature"`
}

// TrialResult is the answer of POST /subscription/trial/use.
type TrialResult struct {
	Success   bool
	Message   string
	Remaining int
}

// SubscriptionStatus is the answer of GET /subscription/status.
type SubscriptionStatus struct {
	Status     entitlement.Status
	Tier       entitlement.Tier
	TrialUsed  int
	TrialLimit int
	ExpiresAt  *time.Time
	Features   []entitlement.Feature
}

// Record converts s into an entitlement record for userID.
func (s SubscriptionStatus) Record(userID string) entitlement.Record {
	return entitlement.Record{
		UserID:    userID,
		Tier:      s.Tier,
		Status:    s.Status,
		Features:  s.Features,
		ExpiresAt: s.ExpiresAt,
	}
}

// UpgradeRequest is the body of POST /subscription/upgrade.
type UpgradeRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

// ActionResult is the answer of the upgrade and cancel endpoints.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// FeatureInfo is one row of GET /features.
type FeatureInfo struct {
	Name            string `json:"feature_name"`
	Description     string `json:"feature_description"`
	RequiresPro     bool   `json:"requires_pro"`
	CreditsRequired int    `json:"credits_required"`
}

// Wire shapes. Pointer fields distinguish "missing" from zero so a response
// lacking a required field is reported as malformed.

type creditStatusWire struct {
	Used      *int   `json:"credits_used"`
	Remaining *int   `json:"credits_remaining"`
	Limit     *int   `json:"credits_limit"`
	Date      string `json:"credits_date"`
	IsPro     bool   `json:"is_pro_user"`
}

func (w creditStatusWire) convert() (CreditStatus, error) {
	if w.Remaining == nil || w.Limit == nil {
		return CreditStatus{}, errors.Join(ErrMalformedResponse, errors.New("credits_remaining and credits_limit are required"))
	}
	cs := CreditStatus{Remaining: *w.Remaining, Limit: *w.Limit, Date: w.Date, IsPro: w.IsPro}
	if w.Used != nil {
		cs.Used = *w.Used
	} else {
		cs.Used = cs.Limit - cs.Remaining
	}
	return cs, nil
}

type consumeWire struct {
	Success   *bool  `json:"success"`
	Remaining *int   `json:"credits_remaining"`
	Message   string `json:"message"`
}

func (w consumeWire) convert() (ConsumeResult, error) {
	if w.Success == nil {
		return ConsumeResult{}, errors.Join(ErrMalformedResponse, errors.New("success is required"))
	}
	if *w.Success && w.Remaining == nil {
		return ConsumeResult{}, errors.Join(ErrMalformedResponse, errors.New("credits_remaining is required on success"))
	}
	r := ConsumeResult{Success: *w.Success, Message: w.Message}
	if w.Remaining != nil {
		r.Remaining = *w.Remaining
	}
	return r, nil
}

type trialWire struct {
	Success   *bool  `json:"success"`
	Message   string `json:"message"`
	Remaining *int   `json:"trial_sessions_remaining"`
}

func (w trialWire) convert() (TrialResult, error) {
	if w.Success == nil {
		return TrialResult{}, errors.Join(ErrMalformedResponse, errors.New("success is required"))
	}
	if *w.Success && w.Remaining == nil {
		return TrialResult{}, errors.Join(ErrMalformedResponse, errors.New("trial_sessions_remaining is required on success"))
	}
	r := TrialResult{Success: *w.Success, Message: w.Message}
	if w.Remaining != nil {
		r.Remaining = *w.Remaining
	}
	return r, nil
}

type subscriptionWire struct {
	Status     string    `json:"status"`
	Tier       string    `json:"tier"`
	TrialUsed  int       `json:"trial_sessions_used"`
	TrialLimit int       `json:"trial_sessions_limit"`
	ExpiresAt  *flexTime `json:"expires_at"`
	Features   []string  `json:"features"`
}

func (w subscriptionWire) convert() (SubscriptionStatus, error) {
	status, err := entitlement.ParseStatus(w.Status)
	if err != nil {
		return SubscriptionStatus{}, errors.Join(ErrMalformedResponse, err)
	}
	tier := entitlement.TierFree
	if w.Tier != "" {
		if tier, err = entitlement.ParseTier(w.Tier); err != nil {
			return SubscriptionStatus{}, errors.Join(ErrMalformedResponse, err)
		}
	}
	s := SubscriptionStatus{
		Status:     status,
		Tier:       tier,
		TrialUsed:  w.TrialUsed,
		TrialLimit: w.TrialLimit,
	}
	if w.ExpiresAt != nil && !w.ExpiresAt.IsZero() {
		t := w.ExpiresAt.Time
		s.ExpiresAt = &t
	}
	for _, f := range w.Features {
		s.Features = append(s.Features, entitlement.Feature(f))
	}
	return s, nil
}

// flexTime accepts RFC 3339 timestamps and the naive ISO form some backends
// emit without a zone, which is read as UTC.
type flexTime struct{ time.Time }

var flexLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var lastErr error
	for _, layout := range flexLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			f.Time = t.UTC()
			return nil
		}
		lastErr = err
	}
	return lastErr
}
