package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
	"github.com/ContextBroker/ContextBroker/pkg/subscription"
	"github.com/ContextBroker/ContextBroker/pkg/webhook"
)

// webhookSource hosts a local receiver and subscribes with its URL.
type webhookSource struct {
	e        *Engine
	receiver Receiver
}

func (w *webhookSource) start(ctx context.Context) {
	reference, err := w.receiver.Listen(ctx, w.e.deliver)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, webhook.ErrClosed) {
			return
		}
		w.e.failStart(ngsi.NewTransportError(fmt.Sprintf("webhook receiver: %s", err.Error()), err))
		return
	}

	if err := w.e.subscribe(reference); err != nil && !errors.Is(err, subscription.ErrClosed) {
		w.e.failStart(err)
	}
}

func (w *webhookSource) stop(ctx context.Context) error {
	return w.receiver.Close(ctx)
}
