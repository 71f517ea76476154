// Package ngsi defines the NGSI10 data model used by the context stream
// engine: entity descriptors, context elements, status codes, the request
// and response envelopes of the four broker operations, and the typed error
// returned for every failure the engine can surface.
//
// The package performs no I/O. Its two functional entry points are pure:
//
//   - [DecodeScalar] promotes textual JSON leaves to typed values
//     (bool, float64, [*Pattern], [Duration] or string).
//   - [Reconcile] turns a raw broker payload (queryContext response or
//     notifyContextRequest body) into an ordered slice of [ContextElement]
//     values and at most one terminal [*Error].
//
// Core types:
//   - [EntityDescriptor]: identifier (literal or pattern) plus optional type
//   - [ContextElement]: one entity's attributes as returned by the broker
//   - [Descriptor]: query/subscription request shape, normalized before use
//   - [Error]: structured error with kind, code, message and offending element
package ngsi
