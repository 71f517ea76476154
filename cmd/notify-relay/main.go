// Command notify-relay fans broker notifications out to event stream
// clients. Brokers POST notifications to /<path>; clients read them with
// GET /<path> as server-sent events. Subscribing with
// --reference http://relay/<path> makes the relay a server push endpoint.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ContextBroker/ContextBroker/pkg/config"
	"github.com/ContextBroker/ContextBroker/pkg/debug"
	"github.com/ContextBroker/ContextBroker/pkg/relay"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		slog.Error("relay failed", "error", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var configPath, addr string

	cmd := &cobra.Command{
		Use:           "notify-relay",
		Short:         "Relay broker notifications to server-sent event streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Relay.Addr = addr
			}
			debug.Init(cfg.Logging.Debug, cfg.Logging.Level, cfg.Logging.Format)
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides relay.addr)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	r := relay.New(relay.Config{
		KeepAlive:   cfg.Relay.KeepAlive,
		MaxBodySize: cfg.Webhook.MaxBodySize,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	if mc := cfg.Observability.Metrics; mc.Enabled {
		mux.Handle("GET "+mc.Path, promhttp.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.Handle("/", r.Handler())

	srv := &http.Server{Addr: cfg.Relay.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay starting", "addr", cfg.Relay.Addr, "keep_alive", cfg.Relay.KeepAlive)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
		// Ending the streams first lets Shutdown complete.
		r.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
