package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ContextBroker/ContextBroker/pkg/debug"
	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
	"github.com/ContextBroker/ContextBroker/pkg/observability"
	"github.com/ContextBroker/ContextBroker/pkg/subscription"
	"github.com/ContextBroker/ContextBroker/pkg/webhook"
)

// Mode identifies the transport an engine reads through.
type Mode string

const (
	ModeQuery      Mode = "query"
	ModePolling    Mode = "polling"
	ModeServerPush Mode = "serverpush"
	ModeWebhook    Mode = "webhook"
)

// Broker is the remote side of an engine. *broker.Client implements it.
type Broker interface {
	Query(ctx context.Context, req ngsi.QueryContextRequest) ([]byte, error)
	Subscribe(ctx context.Context, req ngsi.SubscribeContextRequest) (*ngsi.SubscribeResponse, error)
	subscription.Remote
}

// Receiver is a local callback endpoint for webhook streams.
// *webhook.Receiver implements it.
type Receiver interface {
	Listen(ctx context.Context, handle webhook.NotifyFunc) (string, error)
	Close(ctx context.Context) error
}

// State is a snapshot of the engine's flow control.
type State struct {
	HighWaterMark int
	Length        int
	Deferred      int
	InFlight      bool
	Ended         bool
}

type item struct {
	el  *ngsi.ContextElement
	err error
}

// source is the push transport of an engine.
type source interface {
	// start runs until delivery is set up, fails, or ctx is cancelled.
	start(ctx context.Context)
	// stop releases the transport. Close calls it exactly once.
	stop(ctx context.Context) error
}

// Engine is safe for concurrent use, but items are meant for a single
// consumer: concurrent Next calls each receive different items.
type Engine struct {
	broker    Broker
	desc      ngsi.Descriptor
	mode      Mode
	opts      options
	logger    *slog.Logger
	lifecycle *subscription.Lifecycle
	src       source

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	queue     []item
	deferred  []item
	inFlight  bool
	ended     bool
	exhausted bool
	halted    bool // an error was produced; only consumer demand resumes
	lastPoll  time.Time
	notify    chan struct{} // closed and replaced on every change

	closeOnce sync.Once
	closeErr  error
}

// New validates desc, selects the transport and, for subscriptions, starts
// subscribing in the background. Configuration errors are returned before
// any I/O.
func New(b Broker, desc ngsi.Descriptor, opts ...Option) (*Engine, error) {
	if b == nil {
		return nil, ngsi.NewInvalidRequestError("broker", "a broker client is required")
	}
	norm, verr := desc.Normalize()
	if verr != nil {
		return nil, verr
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		broker: b,
		desc:   norm,
		mode:   selectMode(norm),
		opts:   o,
		logger: o.logger,
		notify: make(chan struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	switch e.mode {
	case ModeServerPush:
		e.lifecycle = subscription.New(b, e.logger)
		e.src = &serverPush{e: e, reference: norm.Subscription.Reference}
	case ModeWebhook:
		e.lifecycle = subscription.New(b, e.logger)
		rcv := o.receiver
		if rcv == nil {
			cfg := webhook.Config{Logger: e.logger}
			if wh := norm.Subscription.Webhook; wh != nil {
				cfg.Addr, cfg.Path, cfg.AdvertiseURL = wh.Addr, wh.Path, wh.AdvertiseURL
			}
			rcv = webhook.New(cfg)
		}
		e.src = &webhookSource{e: e, receiver: rcv}
	}

	observability.StreamsActive.WithLabelValues(string(e.mode)).Inc()
	debug.Log(debug.Stream, "stream created", "mode", e.mode, "entities", len(norm.Entities),
		"high_water_mark", o.highWaterMark)

	if e.src != nil {
		go e.src.start(e.ctx)
	}
	return e, nil
}

func selectMode(d ngsi.Descriptor) Mode {
	switch {
	case d.Subscription == nil:
		return ModeQuery
	case d.Subscription.Poll:
		return ModePolling
	case d.Subscription.Reference != "":
		return ModeServerPush
	default:
		return ModeWebhook
	}
}

// Mode returns the transport selected at construction.
func (e *Engine) Mode() Mode { return e.mode }

// Descriptor returns the normalized descriptor the engine reads.
func (e *Engine) Descriptor() ngsi.Descriptor { return e.desc }

// Next returns the next element. An error event is returned as a non-nil
// *ngsi.Error with a nil element; the stream continues after it. Next
// returns io.EOF once the stream ended and the buffer is drained, and
// ctx.Err() when ctx is done first.
func (e *Engine) Next(ctx context.Context) (*ngsi.ContextElement, error) {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			it := e.queue[0]
			e.queue[0] = item{}
			e.queue = e.queue[1:]
			e.refillLocked()
			e.pullLocked()
			e.mu.Unlock()
			return it.el, it.err
		}
		if e.ended {
			e.mu.Unlock()
			return nil, io.EOF
		}
		e.halted = false
		e.pullLocked()
		ch := e.notify
		e.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// All ranges over the stream until it ends. Error events are yielded with
// a nil element; a cancelled ctx is yielded once and stops the iteration.
func (e *Engine) All(ctx context.Context) iter.Seq2[*ngsi.ContextElement, error] {
	return func(yield func(*ngsi.ContextElement, error) bool) {
		for {
			el, err := e.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(el, err) {
				return
			}
			if err != nil && ctx.Err() != nil {
				return
			}
		}
	}
}

// Pull asks a pull transport to produce now, resuming production after an
// error. It does nothing when a request is in flight, the buffer is full,
// the stream ended, or the transport is push based.
func (e *Engine) Pull() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = false
	e.pullLocked()
}

// State returns a snapshot of the flow control state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		HighWaterMark: e.opts.highWaterMark,
		Length:        len(e.queue),
		Deferred:      len(e.deferred),
		InFlight:      e.inFlight,
		Ended:         e.ended,
	}
}

// Await blocks until the subscription is resolved and returns its id.
func (e *Engine) Await(ctx context.Context) (string, error) {
	if e.lifecycle == nil {
		return "", subscription.ErrNoSubscription
	}
	return e.lifecycle.Await(ctx)
}

// Update waits for the subscription to resolve, then changes it.
func (e *Engine) Update(ctx context.Context, patch ngsi.SubscriptionPatch) (subscription.Properties, error) {
	if e.lifecycle == nil {
		return subscription.Properties{}, subscription.ErrNoSubscription
	}
	if _, err := e.lifecycle.Await(ctx); err != nil {
		return subscription.Properties{}, err
	}
	return e.lifecycle.Update(ctx, patch)
}

// Subscription returns the lifecycle of the remote subscription.
func (e *Engine) Subscription() (*subscription.Lifecycle, error) {
	if e.lifecycle == nil {
		return nil, subscription.ErrNoSubscription
	}
	return e.lifecycle, nil
}

// Close ends the stream and drops buffered items, cancels any request in
// flight, unsubscribes, and releases the push transport even when
// unsubscribing fails. It is safe to call more than once; later calls
// return the first call's result.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		dropped := len(e.queue) + len(e.deferred)
		e.ended = true
		e.queue, e.deferred = nil, nil
		e.broadcastLocked()
		e.mu.Unlock()

		e.cancel()
		observability.StreamsActive.WithLabelValues(string(e.mode)).Dec()

		var errs []error
		defer func() {
			if e.src != nil {
				if err := e.src.stop(ctx); err != nil {
					errs = append(errs, err)
				}
			}
			e.closeErr = errors.Join(errs...)
			debug.Log(debug.Stream, "stream closed", "mode", e.mode, "dropped", dropped, "error", e.closeErr)
		}()

		if e.lifecycle != nil {
			if err := e.lifecycle.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return e.closeErr
}

func (e *Engine) canProduceLocked() bool {
	return e.src == nil &&
		!e.inFlight &&
		!e.ended &&
		!e.exhausted &&
		!e.halted &&
		len(e.queue)+len(e.deferred) < e.opts.highWaterMark
}

func (e *Engine) pullLocked() {
	if !e.canProduceLocked() {
		return
	}
	e.inFlight = true

	var wait time.Duration
	if e.opts.pollInterval > 0 && !e.lastPoll.IsZero() {
		wait = time.Until(e.lastPoll.Add(e.opts.pollInterval))
	}
	go e.produce(wait)
}

func (e *Engine) produce(wait time.Duration) {
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-e.ctx.Done():
			e.mu.Lock()
			e.inFlight = false
			e.mu.Unlock()
			return
		}
	}

	debug.Log(debug.Stream, "query", "mode", e.mode)
	data, err := e.broker.Query(e.ctx, e.desc.QueryRequest())
	e.complete(data, err)
}

// complete applies the outcome of one pull.
func (e *Engine) complete(data []byte, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.inFlight = false
	e.lastPoll = time.Now()

	if e.ended {
		debug.Log(debug.Stream, "late completion discarded", "mode", e.mode)
		return
	}

	if err != nil {
		e.halted = true
		e.enqueueLocked([]item{{err: asTransport(err)}})
		return
	}

	elements, rerr := ngsi.Reconcile(data)
	if rerr != nil {
		e.halted = true
	}
	e.enqueueLocked(toItems(elements, rerr))

	if e.mode == ModeQuery {
		e.exhausted = true
		e.ended = true
		e.broadcastLocked()
		return
	}
	e.pullLocked()
}

// deliver is the push path: reconcile a notification body and enqueue it.
func (e *Engine) deliver(payload []byte) {
	elements, rerr := ngsi.Reconcile(payload)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		debug.Log(debug.Stream, "notification after end discarded", "mode", e.mode)
		return
	}
	e.enqueueLocked(toItems(elements, rerr))
}

// deliverError surfaces a transport error without ending the stream.
func (e *Engine) deliverError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return
	}
	e.enqueueLocked([]item{{err: asTransport(err)}})
}

// failStart reports a subscription that could not be set up. Nothing will
// ever be delivered, so the stream ends after the error.
func (e *Engine) failStart(err error) {
	err = asTransport(err)
	e.lifecycle.Fail(err)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return
	}
	e.logger.Warn("stream setup failed", "mode", e.mode, "error", err)
	e.enqueueLocked([]item{{err: err}})
	e.ended = true
	e.broadcastLocked()
}

// subscribe registers reference with the broker and resolves the
// lifecycle. The call is not cancelled by Close: a reply that arrives after
// Close is unsubscribed right away instead of leaking on the broker.
func (e *Engine) subscribe(reference string) error {
	ctx := context.WithoutCancel(e.ctx)

	resp, err := e.broker.Subscribe(ctx, e.desc.SubscribeRequest(reference))
	if err != nil {
		return err
	}

	if err := e.lifecycle.Resolve(resp); err != nil {
		if errors.Is(err, subscription.ErrClosed) {
			if uerr := e.broker.Unsubscribe(ctx, resp.SubscriptionID); uerr != nil {
				e.logger.Warn("late subscription not removed",
					"subscription_id", resp.SubscriptionID, "error", uerr)
			}
		}
		return err
	}

	e.logger.Info("subscribed",
		"mode", e.mode,
		"subscription_id", resp.SubscriptionID,
		"reference", reference,
		"duration", resp.Duration.String(),
	)
	return nil
}

func (e *Engine) enqueueLocked(items []item) {
	for _, it := range items {
		if it.err != nil {
			observability.StreamErrorsTotal.WithLabelValues(string(e.mode), kindOf(it.err)).Inc()
		} else {
			observability.StreamElementsTotal.WithLabelValues(string(e.mode)).Inc()
		}
	}

	for i, it := range items {
		if len(e.deferred) > 0 || len(e.queue) >= e.opts.highWaterMark {
			e.deferred = append(e.deferred, items[i:]...)
			break
		}
		e.queue = append(e.queue, it)
	}

	debug.Log(debug.Stream, "batch", "mode", e.mode, "items", len(items),
		"length", len(e.queue), "deferred", len(e.deferred))
	e.broadcastLocked()
}

func (e *Engine) refillLocked() {
	for len(e.deferred) > 0 && len(e.queue) < e.opts.highWaterMark {
		e.queue = append(e.queue, e.deferred[0])
		e.deferred[0] = item{}
		e.deferred = e.deferred[1:]
	}
}

func (e *Engine) broadcastLocked() {
	close(e.notify)
	e.notify = make(chan struct{})
}

func toItems(elements []ngsi.ContextElement, rerr *ngsi.Error) []item {
	items := make([]item, 0, len(elements)+1)
	for i := range elements {
		items = append(items, item{el: &elements[i]})
	}
	if rerr != nil {
		items = append(items, item{err: rerr})
	}
	return items
}

// asTransport makes sure every error reaching a consumer is an *ngsi.Error.
func asTransport(err error) error {
	var ne *ngsi.Error
	if errors.As(err, &ne) {
		return err
	}
	return ngsi.NewTransportError(err.Error(), err)
}

func kindOf(err error) string {
	var ne *ngsi.Error
	if errors.As(err, &ne) {
		return string(ne.Kind)
	}
	return "unknown"
}
