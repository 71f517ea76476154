package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/ContextBroker/ContextBroker/pkg/broker"
	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
	"github.com/ContextBroker/ContextBroker/pkg/stream"
)

const closeTimeout = 10 * time.Second

// openStream creates the engine for d with the configured flow control.
func (a *app) openStream(client *broker.Client, d ngsi.Descriptor) (*stream.Engine, error) {
	opts := []stream.Option{
		stream.WithHighWaterMark(a.cfg.Stream.HighWaterMark),
		stream.WithPollInterval(a.cfg.Stream.PollInterval),
		stream.WithLogger(a.logger),
	}
	if d.Subscription != nil && d.Subscription.Webhook != nil {
		opts = append(opts, stream.WithReceiver(a.receiver()))
	}
	return stream.New(client, d, opts...)
}

// closeStream closes e with a bounded timeout, independent of the command
// context which is usually already cancelled.
func (a *app) closeStream(e *stream.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		a.logger.Warn("closing stream", "error", err)
	}
}

// printElements writes every element of e as one JSON line to w until the
// stream ends or ctx is cancelled. The first stream error is returned after
// the stream is drained.
func printElements(ctx context.Context, w io.Writer, e *stream.Engine) error {
	enc := json.NewEncoder(w)
	var first error
	for el, err := range e.All(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if first == nil {
				first = err
			}
			continue
		}
		if err := enc.Encode(el); err != nil {
			return err
		}
	}
	return first
}
