// Package trial spends trial sessions of pro features for free users.
//
// Unlike credits, trials are never applied optimistically: the entitlement
// service is asked first and the local ledger only ever stores what it
// answered. A trial the service confirmed stays spent even if the caller
// fails afterwards.
package trial
