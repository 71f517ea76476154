// Package subscription tracks the remote lifetime of one NGSI10 context
// subscription.
//
// A Lifecycle starts Unresolved. The subscribe reply resolves it to Active
// (or fails it), Close unsubscribes and moves it to Closed. Any number of
// goroutines may Await the resolution; they are released together.
package subscription
