// Command mock-broker runs an in-memory NGSI10 context broker for local
// development. It seeds a set of Room entities and changes their
// temperature periodically, notifying every matching subscription.
//
// Configuration:
//
//	MOCK_ADDR            - Listen address (default: :1026)
//	MOCK_SERVICE         - Fiware-Service to seed (default: none)
//	MOCK_ROOMS           - Number of rooms to seed (default: 3)
//	MOCK_UPDATE_INTERVAL - Time between updates, 0 disables (default: 5s)
//	MOCK_INITIAL_NOTIFY  - Notify current state on subscribe (default: true)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ContextBroker/ContextBroker/pkg/broker/brokertest"
	"github.com/ContextBroker/ContextBroker/pkg/debug"
	"github.com/ContextBroker/ContextBroker/pkg/httpx"
	"github.com/ContextBroker/ContextBroker/pkg/observability"
)

func main() {
	debug.Init("", "", os.Getenv("NGSI_LOG_FORMAT"))
	if err := run(); err != nil {
		slog.Error("mock broker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	addr := envOrDefault("MOCK_ADDR", ":1026")
	service := os.Getenv("MOCK_SERVICE")

	rooms, err := strconv.Atoi(envOrDefault("MOCK_ROOMS", "3"))
	if err != nil {
		return fmt.Errorf("invalid MOCK_ROOMS: %w", err)
	}
	interval, err := time.ParseDuration(envOrDefault("MOCK_UPDATE_INTERVAL", "5s"))
	if err != nil {
		return fmt.Errorf("invalid MOCK_UPDATE_INTERVAL: %w", err)
	}
	initialNotify, err := strconv.ParseBool(envOrDefault("MOCK_INITIAL_NOTIFY", "true"))
	if err != nil {
		return fmt.Errorf("invalid MOCK_INITIAL_NOTIFY: %w", err)
	}

	fake := brokertest.NewServer()
	fake.InitialNotify = initialNotify
	fake.SetLogger(slog.Default())
	for i := 1; i <= rooms; i++ {
		fake.Put(service, room(i, 20))
	}

	mux := http.NewServeMux()
	mux.Handle("/", observability.MetricsMiddleware("broker", httpx.Standard(slog.Default())(fake.Handler())))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mock broker starting", "addr", addr, "service", service, "rooms", rooms)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if interval > 0 && rooms > 0 {
		go updateLoop(ctx, fake, service, rooms, interval)
	}

	select {
	case <-ctx.Done():
		slog.Info("mock broker shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		fake.Wait()
		return err
	case err := <-errCh:
		return err
	}
}

// updateLoop changes the temperature of a random room every interval.
func updateLoop(ctx context.Context, fake *brokertest.Server, service string, rooms int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := rand.IntN(rooms) + 1
			temp := 15 + rand.Float64()*15
			fake.Update(ctx, service, brokertest.ActionUpdate, room(n, temp))
			slog.Debug("room updated", "room", n, "temperature", temp)
		}
	}
}

func room(n int, temperature float64) brokertest.Entity {
	return brokertest.Entity{
		ID:   fmt.Sprintf("Room%d", n),
		Type: "Room",
		Attributes: []brokertest.Attribute{
			brokertest.Attr("temperature", "float", strconv.FormatFloat(temperature, 'f', 1, 64)),
			brokertest.Attr("pressure", "integer", "720"),
		},
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
