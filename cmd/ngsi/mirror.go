package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ContextBroker/ContextBroker/pkg/mirror"
	"github.com/ContextBroker/ContextBroker/pkg/storage"
	"github.com/ContextBroker/ContextBroker/pkg/storage/memory"
	"github.com/ContextBroker/ContextBroker/pkg/storage/postgres"
)

func newMirrorCommand(a *app) *cobra.Command {
	var (
		ef   entityFlags
		sf   subscriptionFlags
		once bool
	)

	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Keep the latest element snapshots in a store and serve them over HTTP",
		Example: `  ngsi mirror --id '/Room.*/' --type Room
  ngsi mirror --id '/Room.*/' --type Room --poll
  ngsi mirror --id '/Room.*/' --type Room --once`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := ef.descriptor()
			if err != nil {
				return err
			}
			if !once {
				sf.apply(a, &d)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			m := mirror.New(store, a.cfg.Broker.Service, mirror.WithLogger(a.logger))

			mux := http.NewServeMux()
			mux.Handle("/", m.Handler())
			if mc := a.cfg.Observability.Metrics; mc.Enabled {
				mux.Handle("GET "+mc.Path, promhttp.Handler())
			}
			done, err := a.startServer(ctx, "mirror", a.cfg.Mirror.Addr, mux)
			if err != nil {
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
			go a.reportSubscription(ctx, e)

			if err := m.Run(ctx, e); err != nil && ctx.Err() == nil {
				a.logger.Error("mirror stopped", "error", err)
			}
			a.closeStream(e)

			stats := m.Stats()
			a.logger.Info("mirror stream ended",
				"elements", stats.Elements, "errors", stats.Errors, "store_errors", stats.StoreErrors)

			// Keep serving snapshots until interrupted.
			select {
			case <-ctx.Done():
				a.logger.Info("shutting down gracefully")
				return <-done
			case err := <-done:
				return err
			}
		},
	}
	ef.register(cmd)
	sf.register(cmd)
	cmd.Flags().BoolVar(&once, "once", false, "mirror a single queryContext result instead of subscribing")
	return cmd
}

// openStore creates the configured snapshot store.
func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	sc := a.cfg.Storage
	switch sc.Type {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:            sc.Postgres.DSN,
			MaxConns:       sc.Postgres.MaxConns,
			MigrateOnStart: sc.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		a.logger.Info("storage enabled", "type", "postgres")
		return store, nil
	default:
		a.logger.Info("storage enabled", "type", "memory", "max_size", sc.MaxSize)
		return memory.New(sc.MaxSize), nil
	}
}
