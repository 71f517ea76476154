package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ContextBroker/ContextBroker/pkg/debug"
	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
	"github.com/ContextBroker/ContextBroker/pkg/observability"
)

var (
	// ErrClosed is returned when the lifecycle was closed before, or while,
	// the operation ran.
	ErrClosed = errors.New("subscription closed")

	// ErrNotActive is wrapped by the lifecycle error Update returns outside
	// the Active state.
	ErrNotActive = errors.New("subscription not active")

	// ErrNoSubscription is returned by engines that read without a remote
	// subscription.
	ErrNoSubscription = errors.New("no subscription")
)

// Remote is the broker side of a subscription.
type Remote interface {
	UpdateSubscription(ctx context.Context, req ngsi.UpdateContextSubscriptionRequest) (*ngsi.SubscribeResponse, error)
	Unsubscribe(ctx context.Context, subscriptionID string) error
}

// Properties is a snapshot of the broker-reported subscription metadata.
type Properties struct {
	SubscriptionID string
	Duration       ngsi.Duration
	Throttling     ngsi.Duration
}

// Lifecycle is safe for concurrent use.
type Lifecycle struct {
	remote Remote
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	props    Properties
	err      error
	resolved chan struct{} // closed when leaving Unresolved
	done     chan struct{} // closed once terminal and torn down
}

// New creates an Unresolved lifecycle bound to remote.
func New(remote Remote, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		remote:   remote,
		logger:   logger,
		state:    StateUnresolved,
		resolved: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Resolve records the subscribe reply and releases every awaiter. When the
// lifecycle was closed first it returns ErrClosed and the caller owns the
// late subscription id.
func (l *Lifecycle) Resolve(resp *ngsi.SubscribeResponse) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateClosed {
		return ErrClosed
	}
	if err := ValidateTransition(l.state, StateActive); err != nil {
		return err
	}

	l.state = StateActive
	l.props = Properties{
		SubscriptionID: resp.SubscriptionID,
		Duration:       resp.Duration,
		Throttling:     resp.Throttling,
	}
	close(l.resolved)
	observability.SubscriptionsActive.Inc()

	debug.Log(debug.Subscription, "resolved",
		"subscription_id", resp.SubscriptionID,
		"duration", resp.Duration.String(),
		"throttling", resp.Throttling.String(),
	)
	return nil
}

// Fail rejects every awaiter with err. It is a no-op unless Unresolved.
func (l *Lifecycle) Fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ValidateTransition(l.state, StateFailed) != nil {
		return
	}
	l.state = StateFailed
	l.err = err
	close(l.resolved)
	close(l.done)

	l.logger.Warn("subscription failed", "error", err)
}

// Await blocks until the subscription resolves and returns its id. It
// returns immediately once the lifecycle is Active, Failed or Closed.
func (l *Lifecycle) Await(ctx context.Context) (string, error) {
	l.mu.Lock()
	ch := l.resolved
	l.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateActive:
		return l.props.SubscriptionID, nil
	case StateFailed:
		return "", l.err
	default:
		return "", ErrClosed
	}
}

// Update sends patch to the broker and merges the returned metadata. The
// subscription id is never replaced.
func (l *Lifecycle) Update(ctx context.Context, patch ngsi.SubscriptionPatch) (Properties, error) {
	if err := patch.Validate(); err != nil {
		return Properties{}, err
	}

	l.mu.Lock()
	if l.state != StateActive {
		state := l.state
		l.mu.Unlock()
		e := ngsi.NewLifecycleError(fmt.Sprintf("cannot update a subscription in state %s", state))
		e.Err = ErrNotActive
		return Properties{}, e
	}
	id := l.props.SubscriptionID
	l.mu.Unlock()

	resp, err := l.remote.UpdateSubscription(ctx, patch.UpdateRequest(id))
	if err != nil {
		return Properties{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return Properties{}, ErrClosed
	}
	if resp != nil {
		if !resp.Duration.IsZero() {
			l.props.Duration = resp.Duration
		}
		if !resp.Throttling.IsZero() {
			l.props.Throttling = resp.Throttling
		}
	}

	debug.Log(debug.Subscription, "updated", "subscription_id", id)
	return l.props, nil
}

// Close unsubscribes an Active subscription and moves to Closed regardless
// of the remote outcome. Closing an Unresolved lifecycle makes no remote
// call. Repeated calls are no-ops; concurrent callers wait for the first
// to finish.
func (l *Lifecycle) Close(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case StateUnresolved:
		l.state = StateClosed
		close(l.resolved)
		close(l.done)
		l.mu.Unlock()
		debug.Log(debug.Subscription, "closed before resolution")
		return nil

	case StateActive:
		id := l.props.SubscriptionID
		l.state = StateClosed
		l.props = Properties{}
		done := l.done
		l.mu.Unlock()
		observability.SubscriptionsActive.Dec()

		err := l.remote.Unsubscribe(ctx, id)
		close(done)

		if err != nil {
			l.logger.Warn("unsubscribe failed", "subscription_id", id, "error", err)
			return fmt.Errorf("unsubscribe %s: %w", id, err)
		}
		debug.Log(debug.Subscription, "unsubscribed", "subscription_id", id)
		return nil

	default:
		done := l.done
		l.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ID returns the subscription id while Active.
func (l *Lifecycle) ID() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return "", false
	}
	return l.props.SubscriptionID, true
}

// Properties returns a snapshot of the subscription metadata. It is empty
// unless Active.
func (l *Lifecycle) Properties() Properties {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.props
}

// Err returns the failure recorded by Fail.
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Done is closed once the lifecycle is Failed, or Closed with teardown
// complete.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}
