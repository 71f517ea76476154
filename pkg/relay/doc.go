// Package relay turns broker notifications into server-sent events.
//
// A broker can only POST notifications to a URL. The relay accepts those
// POSTs on any path and fans each body out, as one "message" event, to every
// client holding a GET event stream open on the same path. Pointing a
// subscription's reference at a relay path lets a client behind NAT receive
// notifications over an outbound connection.
package relay
