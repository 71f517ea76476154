// Package broker is the HTTP client for the four NGSI10 operations a
// context stream needs: queryContext, subscribeContext,
// updateContextSubscription and unsubscribeContext.
//
// A Client holds an immutable request template (base URL and tenant
// headers). Every call derives a fresh request from it, so a Client is safe
// for concurrent use and calls never observe each other's state.
//
// Query returns the raw payload so that callers can run it through
// ngsi.Reconcile; subscription operations decode the reply themselves.
package broker
