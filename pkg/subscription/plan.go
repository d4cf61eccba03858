package subscription

import (
	"slices"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/entitlement"
)

// Plan describes what a subscription tier grants and costs.
type Plan struct {
	Tier        entitlement.Tier      `yaml:"tier"`
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Features    []entitlement.Feature `yaml:"features"`
	Perks       []string              `yaml:"perks"`
	Public      bool                  `yaml:"public"` // offered on the pricing page
	Price       Money                 `yaml:"price"`
	Interval    BillingInterval       `yaml:"interval"`
}

// HasFeature reports whether the plan grants f.
func (p Plan) HasFeature(f entitlement.Feature) bool {
	return slices.Contains(p.Features, f)
}

// ExpiresAt returns when a subscription started at start runs out.
// Nil means it never does.
func (p Plan) ExpiresAt(start time.Time) *time.Time {
	term := p.Tier.Term()
	if term <= 0 {
		return nil
	}
	t := start.Add(term).UTC()
	return &t
}

// Record returns the entitlement record the plan grants to userID.
func (p Plan) Record(userID string, start time.Time) entitlement.Record {
	if !p.Tier.Paid() {
		return entitlement.FreeRecord(userID)
	}
	return entitlement.Record{
		UserID:    userID,
		Tier:      p.Tier,
		Status:    entitlement.StatusPro,
		Features:  slices.Clone(p.Features),
		ExpiresAt: p.ExpiresAt(start),
	}
}

// PlanComparison lists the features gained and lost by a plan change.
type PlanComparison struct {
	NewFeatures  []entitlement.Feature
	LostFeatures []entitlement.Feature
}

// HasLosses reports whether the change removes any feature.
func (c *PlanComparison) HasLosses() bool {
	return len(c.LostFeatures) > 0
}

// ComparePlans returns the differences between current and target plans.
func ComparePlans(current, target *Plan) *PlanComparison {
	if current == nil || target == nil {
		return nil
	}

	comparison := &PlanComparison{
		NewFeatures:  make([]entitlement.Feature, 0),
		LostFeatures: make([]entitlement.Feature, 0),
	}
	for _, feature := range target.Features {
		if !slices.Contains(current.Features, feature) {
			comparison.NewFeatures = append(comparison.NewFeatures, feature)
		}
	}
	for _, feature := range current.Features {
		if !slices.Contains(target.Features, feature) {
			comparison.LostFeatures = append(comparison.LostFeatures, feature)
		}
	}
	return comparison
}
