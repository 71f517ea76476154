// Package stream turns an NGSI10 context broker into a flow-controlled
// sequence of context elements.
//
// An Engine reads one Descriptor through one of four transports, chosen
// once at construction:
//
//   - query: a single queryContext (no subscription)
//   - polling: repeated queryContext calls (Subscription.Poll)
//   - server push: an SSE connection to Subscription.Reference
//   - webhook: a local callback receiver the broker POSTs to
//
// Consumers call Next (or range over All). Reading is the demand signal:
// pull transports issue at most one request at a time and only while the
// buffer is below its high-water mark. Push transports deliver whenever the
// broker sends; elements beyond the high-water mark wait in order in a
// deferred queue and are moved into the buffer as the consumer drains it.
//
// Errors reported by the broker are delivered in order with the elements,
// as an error from Next. They never end the stream; only Close, or the end
// of a one-shot query, does. After an error a pull transport stops
// producing until the consumer asks again: Next on an empty buffer, or Pull.
package stream
