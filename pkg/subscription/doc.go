// Package subscription tracks what each user's subscription grants and keeps
// it in step with the entitlement service.
//
// # Catalog
//
// A Catalog is the product configuration: the plans (one per tier), the
// feature table with descriptions and credit costs, the features that are
// never gated and the daily allowances of free users. DefaultCatalog returns
// the built-in one; LoadCatalog and LoadCatalogFile read YAML:
//
//	daily_credits: 5
//	daily_trials: 5
//	free_features: [quick_help]
//	features:
//	  - name: quick_help
//	    description: Quick AI help for simple questions
//	  - name: deep_study_mode
//	    description: Advanced AI tutoring with context memory
//	    requires_pro: true
//	    credits_required: 1
//	plans:
//	  - tier: free
//	    name: Free
//	    public: true
//	  - tier: pro_monthly
//	    name: Pro Monthly
//	    features: [deep_study_mode]
//	    price: {amount: 9900, currency: INR}
//	    interval: monthly
//
// Catalogs are validated on load: unknown tiers, duplicate plans and plans
// granting features missing from the feature table are rejected with
// ErrInvalidPlanConfiguration.
//
// # Manager
//
// Manager serves a user's State (record, trial usage and where it came from).
// States are fetched from the service, written through to the local usage
// cache and served from there until the TTL runs out. Concurrent fetches of
// the same user are coalesced.
//
// When the service is unreachable the Manager serves the last synced state,
// or free defaults for a user it never synced, and logs a warning. It never
// blocks a user because the service is down.
//
// Upgrade and Cancel forward the change to the service and return the
// refreshed state.
package subscription
