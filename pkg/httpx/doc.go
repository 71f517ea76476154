// Package httpx holds the HTTP middleware shared by the local servers
// (webhook receiver, notification relay, mirror API): request IDs,
// structured access logging, panic recovery and JSON error replies.
//
// Middleware is applied in order: Chain(a, b, c) produces a(b(c(handler))).
package httpx
