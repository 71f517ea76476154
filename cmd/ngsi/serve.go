package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

// serveMetrics starts the Prometheus endpoint on observability.metrics.addr
// when one is configured. It stops when ctx is cancelled.
func (a *app) serveMetrics(ctx context.Context) error {
	mc := a.cfg.Observability.Metrics
	if !mc.Enabled || mc.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET "+mc.Path, promhttp.Handler())

	done, err := a.startServer(ctx, "metrics", mc.Addr, mux)
	if err != nil {
		return err
	}
	go func() {
		if err := <-done; err != nil {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	return nil
}

// startServer binds addr and serves handler until ctx is cancelled, then
// shuts down gracefully. The returned channel yields the outcome once the
// server has stopped.
func (a *app) startServer(ctx context.Context, name, addr string, handler http.Handler) (<-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s server: %w", name, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "server", name, "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	done := make(chan error, 1)
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			done <- srv.Shutdown(shutdownCtx)
		case err := <-serveErr:
			done <- err
		}
	}()
	return done, nil
}
