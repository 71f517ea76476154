package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ContextBroker/ContextBroker/pkg/stream"
	"github.com/ContextBroker/ContextBroker/pkg/subscription"
)

func newWatchCommand(a *app) *cobra.Command {
	var (
		ef entityFlags
		sf subscriptionFlags
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe and print elements as the broker notifies them",
		Example: `  ngsi watch --id Room1 --type Room --attr temperature --duration PT1H
  ngsi watch --id '/Room.*/' --type Room --poll
  ngsi watch --id Room1 --reference http://relay:8668/rooms`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := ef.descriptor()
			if err != nil {
				return err
			}
			sf.apply(a, &d)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.serveMetrics(ctx); err != nil {
				return err
			}

			client, err := a.newBroker()
			if err != nil {
				return err
			}
			defer client.Close()

			e, err := a.openStream(client, d)
			if err != nil {
				return err
			}
			defer a.closeStream(e)

			go a.reportSubscription(ctx, e)

			err = printElements(ctx, cmd.OutOrStdout(), e)
			if ctx.Err() != nil {
				a.logger.Info("shutting down gracefully")
				return nil
			}
			return err
		},
	}
	ef.register(cmd)
	sf.register(cmd)
	return cmd
}

// reportSubscription logs the subscription id once the broker confirms it.
func (a *app) reportSubscription(ctx context.Context, e *stream.Engine) {
	id, err := e.Await(ctx)
	switch {
	case errors.Is(err, subscription.ErrNoSubscription):
		a.logger.Info("polling broker", "mode", e.Mode())
	case err != nil:
		if ctx.Err() == nil {
			a.logger.Error("subscription failed", "error", err)
		}
	default:
		a.logger.Info("subscription active", "subscription_id", id, "mode", e.Mode())
	}
}
