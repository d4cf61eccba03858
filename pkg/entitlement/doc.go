// Package entitlement defines subscription records, daily quota counters,
// trial ledger entries and the Evaluator that turns them into a Decision.
//
// Evaluation order is fixed. A pro subscriber is never metered for features on
// the tier's allow-list, free features are always allowed, then one daily
// credit is spent, then a trial session is offered, and only then is the user
// shown an upgrade:
//
//	ev := entitlement.NewEvaluator()
//	switch ev.Evaluate(record, quota, trial, entitlement.DeepStudyMode) {
//	case entitlement.Allowed:
//	case entitlement.AllowedConsumeCredit:
//	case entitlement.AllowedConsumeTrial:
//	case entitlement.DeniedShowUpgrade:
//	}
//
// The evaluator never spends anything. Spending is done by the consumption
// coordinator and the trial ledger.
package entitlement
