package subscription

import "github.com/dmitrymomot/quotakit/pkg/entitlement"

// Money represents a monetary amount in the smallest currency unit.
// For example, ₹99 is Amount: 9900, Currency: "INR".
type Money struct {
	Amount   int64  `yaml:"amount" json:"amount"`
	Currency string `yaml:"currency" json:"currency"`
}

// BillingInterval represents the billing frequency of a plan.
type BillingInterval string

const (
	BillingIntervalNone     BillingInterval = "none"
	BillingIntervalMonthly  BillingInterval = "monthly"
	BillingIntervalAnnual   BillingInterval = "annual"
	BillingIntervalLifetime BillingInterval = "lifetime"
)

// FeatureInfo is one row of the feature catalogue.
type FeatureInfo struct {
	Name            entitlement.Feature `yaml:"name" json:"feature_name"`
	Description     string              `yaml:"description" json:"feature_description"`
	RequiresPro     bool                `yaml:"requires_pro" json:"requires_pro"`
	CreditsRequired int                 `yaml:"credits_required" json:"credits_required"`
}
