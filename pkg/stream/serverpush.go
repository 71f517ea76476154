package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ContextBroker/ContextBroker/pkg/debug"
	"github.com/ContextBroker/ContextBroker/pkg/eventsource"
	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
	"github.com/ContextBroker/ContextBroker/pkg/subscription"
)

// serverPush reads notifications from an SSE endpoint the broker posts to.
// The subscription is only registered once the stream is open, so no
// notification can be missed.
type serverPush struct {
	e         *Engine
	reference string

	mu      sync.Mutex
	conn    *eventsource.Conn
	stopped bool
}

func (s *serverPush) start(ctx context.Context) {
	conn, err := eventsource.Dial(ctx, s.e.opts.httpClient, s.reference, nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.e.failStart(ngsi.NewTransportError(fmt.Sprintf("event stream %s: %s", s.reference, err.Error()), err))
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	if err := s.e.subscribe(s.reference); err != nil {
		if !errors.Is(err, subscription.ErrClosed) {
			s.e.failStart(err)
		}
		return
	}

	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, eventsource.ErrClosed) {
				return
			}
			if errors.Is(err, io.EOF) {
				err = errors.New("event stream ended by server")
			}
			s.e.deliverError(ngsi.NewTransportError(fmt.Sprintf("event stream %s: %s", s.reference, err.Error()), err))
			return
		}
		if ev.Type != "message" {
			debug.Log(debug.SSE, "ignoring event", "type", ev.Type)
			continue
		}
		s.e.deliver([]byte(ev.Data))
	}
}

func (s *serverPush) stop(context.Context) error {
	s.mu.Lock()
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
