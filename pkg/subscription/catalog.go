package subscription

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/quotakit/pkg/entitlement"
)

// Catalog is the product configuration: plans, the feature table and the
// daily allowances of free users.
type Catalog struct {
	DailyCredits int                   `yaml:"daily_credits"`
	DailyTrials  int                   `yaml:"daily_trials"`
	FreeFeatures []entitlement.Feature `yaml:"free_features"`
	Features     []FeatureInfo         `yaml:"features"`
	Plans        []Plan                `yaml:"plans"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() Catalog {
	return Catalog{
		DailyCredits: entitlement.DefaultDailyCredits,
		DailyTrials:  entitlement.DefaultDailyTrials,
		FreeFeatures: slices.Clone(entitlement.FreeFeatures),
		Features: []FeatureInfo{
			{Name: entitlement.DeepStudyMode, Description: "Advanced AI tutoring with context memory", RequiresPro: true, CreditsRequired: 1},
			{Name: entitlement.StudyPlanGenerator, Description: "AI-powered personalized study plans", RequiresPro: true, CreditsRequired: 1},
			{Name: entitlement.ProblemGenerator, Description: "AI-generated JEE practice problems", RequiresPro: true, CreditsRequired: 1},
			{Name: entitlement.ProAIChat, Description: "Advanced AI chat with specialized JEE knowledge", RequiresPro: true, CreditsRequired: 1},
			{Name: entitlement.SyllabusBrowser, Description: "Browse JEE syllabus and topics"},
			{Name: entitlement.QuickHelp, Description: "Quick AI help for simple questions"},
			{Name: entitlement.StandardChat, Description: "Basic AI chat functionality"},
			{Name: entitlement.ResourceBrowser, Description: "Browse educational resources"},
		},
		Plans: []Plan{
			{
				Tier:     entitlement.TierFree,
				Name:     "Free",
				Public:   true,
				Interval: BillingIntervalNone,
				Perks:    []string{"5 daily Pro credits", "Trial sessions of Pro features"},
			},
			{
				Tier:     entitlement.TierProMonthly,
				Name:     "Pro Monthly",
				Features: slices.Clone(entitlement.ProFeatures),
				Public:   true,
				Price:    Money{Amount: 9900, Currency: "INR"},
				Interval: BillingIntervalMonthly,
				Perks:    []string{"Unlimited Pro features", "Priority support"},
			},
			{
				Tier:        entitlement.TierProYearly,
				Name:        "Pro Yearly",
				Description: "2 months free",
				Features:    slices.Clone(entitlement.ProFeatures),
				Public:      true,
				Price:       Money{Amount: 99900, Currency: "INR"},
				Interval:    BillingIntervalAnnual,
				Perks:       []string{"Everything in Monthly", "Advanced analytics"},
			},
			{
				Tier:     entitlement.TierProLifetime,
				Name:     "Pro Lifetime",
				Features: slices.Clone(entitlement.ProFeatures),
				Interval: BillingIntervalLifetime,
			},
		},
	}
}

// LoadCatalog decodes a YAML catalog from r. Unknown keys are rejected.
func LoadCatalog(r io.Reader) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Catalog{}, errors.Join(ErrFailedToLoadCatalog, err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// LoadCatalogFile reads a YAML catalog from path.
func LoadCatalogFile(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, errors.Join(ErrFailedToLoadCatalog, err)
	}
	defer func() { _ = f.Close() }()
	return LoadCatalog(f)
}

// Validate checks the catalog for configuration mistakes.
func (c Catalog) Validate() error {
	if c.DailyCredits <= 0 || c.DailyTrials <= 0 {
		return fmt.Errorf("%w: daily allowances must be positive", ErrInvalidPlanConfiguration)
	}

	known := make(map[entitlement.Feature]bool, len(c.Features))
	for _, f := range c.Features {
		if f.Name == "" {
			return fmt.Errorf("%w: feature without name", ErrInvalidPlanConfiguration)
		}
		if known[f.Name] {
			return fmt.Errorf("%w: duplicate feature %q", ErrInvalidPlanConfiguration, f.Name)
		}
		known[f.Name] = true
	}
	for _, f := range c.FreeFeatures {
		if !known[f] {
			return fmt.Errorf("%w: free feature %q is not in the feature table", ErrInvalidPlanConfiguration, f)
		}
	}

	seen := make(map[entitlement.Tier]bool, len(c.Plans))
	for _, p := range c.Plans {
		if !p.Tier.Valid() {
			return fmt.Errorf("%w: %w: %q", ErrInvalidPlanConfiguration, entitlement.ErrUnknownTier, p.Tier)
		}
		if seen[p.Tier] {
			return fmt.Errorf("%w: duplicate plan %q", ErrInvalidPlanConfiguration, p.Tier)
		}
		seen[p.Tier] = true
		for _, f := range p.Features {
			if !known[f] {
				return fmt.Errorf("%w: plan %q grants unknown feature %q", ErrInvalidPlanConfiguration, p.Tier, f)
			}
		}
		if p.Tier.Paid() && len(p.Features) == 0 {
			return fmt.Errorf("%w: paid plan %q grants no features", ErrInvalidPlanConfiguration, p.Tier)
		}
	}
	if !seen[entitlement.TierFree] {
		return fmt.Errorf("%w: free plan is missing", ErrInvalidPlanConfiguration)
	}
	return nil
}

// Plan returns the plan of tier t.
func (c Catalog) Plan(t entitlement.Tier) (Plan, error) {
	for _, p := range c.Plans {
		if p.Tier == t {
			return p, nil
		}
	}
	return Plan{}, ErrPlanNotFound
}

// PublicPlans returns the plans offered for self-service.
func (c Catalog) PublicPlans() []Plan {
	out := make([]Plan, 0, len(c.Plans))
	for _, p := range c.Plans {
		if p.Public {
			out = append(out, p)
		}
	}
	return out
}

// Feature returns the catalogue row of f.
func (c Catalog) Feature(f entitlement.Feature) (FeatureInfo, bool) {
	for _, info := range c.Features {
		if info.Name == f {
			return info, true
		}
	}
	return FeatureInfo{}, false
}
