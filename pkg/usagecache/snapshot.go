package usagecache

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/entitlement"
)

// SchemaVersion is the version written by this package.
const SchemaVersion = 1

// Snapshot is the locally persisted entitlement state of one user.
type Snapshot struct {
	UserID   string
	Record   entitlement.Record
	Quota    entitlement.QuotaCounter
	Trial    entitlement.TrialEntry
	SyncedAt time.Time
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	s.Record = s.Record.Clone()
	return s
}

// Identity is the signed-in user's profile blob.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// UsageKey is the store key of a user's snapshot.
func UsageKey(userID string) string { return "usage_" + userID }

// IdentityKey is the store key of a user's identity blob.
func IdentityKey(userID string) string { return "user_" + userID }

type wireSnapshot struct {
	Version    int                   `json:"version"`
	UserID     string                `json:"user_id"`
	Count      int                   `json:"count"`
	Limit      int                   `json:"limit"`
	LastUsedAt time.Time             `json:"lastUsedAt"`
	ResetTime  time.Time             `json:"resetTime"`
	Tier       entitlement.Tier      `json:"tier"`
	Status     entitlement.Status    `json:"status"`
	Features   []entitlement.Feature `json:"features,omitempty"`
	ExpiresAt  *time.Time            `json:"expires_at,omitempty"`
	Trial      wireTrial             `json:"trial"`
	SyncedAt   time.Time             `json:"synced_at"`
}

type wireTrial struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	ResetTime time.Time `json:"resetTime"`
}

// legacySnapshot is the unversioned shape: a bare credit counter with
// timestamps written either as RFC 3339 strings or epoch milliseconds.
type legacySnapshot struct {
	Count      int             `json:"count"`
	LastUsedAt json.RawMessage `json:"lastUsedAt"`
	ResetTime  json.RawMessage `json:"resetTime"`
}

// Encode serialises s at the current schema version.
func Encode(s Snapshot) ([]byte, error) {
	w := wireSnapshot{
		Version:    SchemaVersion,
		UserID:     s.UserID,
		Count:      s.Quota.Count,
		Limit:      s.Quota.Limit,
		LastUsedAt: s.Quota.LastUsedAt,
		ResetTime:  s.Quota.LastResetAt,
		Tier:       s.Record.Tier,
		Status:     s.Record.Status,
		Features:   s.Record.Features,
		ExpiresAt:  s.Record.ExpiresAt,
		Trial: wireTrial{
			Used:      s.Trial.Used,
			Limit:     s.Trial.DailyLimit,
			ResetTime: s.Trial.LastResetAt,
		},
		SyncedAt: s.SyncedAt,
	}
	return json.Marshal(w)
}

// Decode parses a persisted blob, migrating older versions forward.
// Defaults fill in fields the stored version did not carry.
func Decode(data []byte, userID string, d Defaults) (Snapshot, error) {
	var head struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Snapshot{}, errors.Join(ErrMalformed, err)
	}

	switch {
	case head.Version == nil || *head.Version == 0:
		return decodeLegacy(data, userID, d)
	case *head.Version == SchemaVersion:
		return decodeV1(data, userID, d)
	default:
		return Snapshot{}, ErrSchemaVersion
	}
}

func decodeV1(data []byte, userID string, d Defaults) (Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return Snapshot{}, errors.Join(ErrMalformed, err)
	}
	// The key owns the snapshot; a blob copied under another key must not
	// carry its old user along.
	s := Snapshot{
		UserID: userID,
		Record: entitlement.Record{
			UserID:    userID,
			Tier:      w.Tier,
			Status:    w.Status,
			Features:  w.Features,
			ExpiresAt: w.ExpiresAt,
		},
		Quota: entitlement.QuotaCounter{
			Count:       w.Count,
			Limit:       w.Limit,
			LastResetAt: w.ResetTime,
			LastUsedAt:  w.LastUsedAt,
		},
		Trial: entitlement.TrialEntry{
			Used:        w.Trial.Used,
			DailyLimit:  w.Trial.Limit,
			LastResetAt: w.Trial.ResetTime,
		},
		SyncedAt: w.SyncedAt,
	}
	return d.apply(s), nil
}

func decodeLegacy(data []byte, userID string, d Defaults) (Snapshot, error) {
	var l legacySnapshot
	if err := json.Unmarshal(data, &l); err != nil {
		return Snapshot{}, errors.Join(ErrMalformed, err)
	}
	lastUsed, err := parseLegacyTime(l.LastUsedAt)
	if err != nil {
		return Snapshot{}, errors.Join(ErrMalformed, err)
	}
	reset, err := parseLegacyTime(l.ResetTime)
	if err != nil {
		return Snapshot{}, errors.Join(ErrMalformed, err)
	}

	s := Snapshot{
		UserID: userID,
		Record: entitlement.FreeRecord(userID),
		Quota: entitlement.QuotaCounter{
			Count:       l.Count,
			LastResetAt: reset,
			LastUsedAt:  lastUsed,
		},
	}
	return d.apply(s), nil
}

func parseLegacyTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Defaults supplies values for fields a stored snapshot leaves empty.
type Defaults struct {
	DailyCredits int
	DailyTrials  int
}

func (d Defaults) apply(s Snapshot) Snapshot {
	if s.Quota.Limit <= 0 {
		s.Quota.Limit = d.DailyCredits
	}
	if s.Trial.DailyLimit <= 0 {
		s.Trial.DailyLimit = d.DailyTrials
	}
	if s.Record.Tier == "" {
		s.Record.Tier = entitlement.TierFree
	}
	if s.Record.Status == "" {
		s.Record.Status = entitlement.StatusFree
	}
	s.Record.UserID = s.UserID
	s.Quota.Count = max(0, min(s.Quota.Count, s.Quota.Limit))
	s.Trial.Used = max(0, min(s.Trial.Used, s.Trial.DailyLimit))
	return s
}
