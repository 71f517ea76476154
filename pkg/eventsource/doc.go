// Package eventsource is a minimal server-sent events client.
//
// Dial opens the stream and returns once the server answered with
// text/event-stream. Events are then read with Next, which returns io.EOF
// when the server closes the stream. Reconnection is left to the caller.
package eventsource
