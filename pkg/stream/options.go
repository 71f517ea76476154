package stream

import (
	"log/slog"
	"net/http"
	"time"
)

// DefaultHighWaterMark is the buffer size used when none is given.
const DefaultHighWaterMark = 16

type options struct {
	highWaterMark int
	pollInterval  time.Duration
	logger        *slog.Logger
	receiver      Receiver
	httpClient    *http.Client
}

func defaultOptions() options {
	return options{
		highWaterMark: DefaultHighWaterMark,
		logger:        slog.Default(),
	}
}

// Option configures an Engine.
type Option func(*options)

// WithHighWaterMark sets how many items may be buffered before production
// pauses. Values below 1 are ignored.
func WithHighWaterMark(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.highWaterMark = n
		}
	}
}

// WithPollInterval sets the minimum delay between two polling queries.
// Zero, the default, polls again as soon as the previous batch is in.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithReceiver replaces the callback receiver used by webhook streams.
func WithReceiver(r Receiver) Option {
	return func(o *options) { o.receiver = r }
}

// WithHTTPClient sets the client used for server-push connections.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}
