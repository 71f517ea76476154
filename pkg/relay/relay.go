package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ContextBroker/ContextBroker/pkg/debug"
	"github.com/ContextBroker/ContextBroker/pkg/httpx"
	"github.com/ContextBroker/ContextBroker/pkg/observability"
)

// Defaults applied by New.
const (
	DefaultKeepAlive   = 15 * time.Second
	DefaultBuffer      = 64
	DefaultMaxBodySize = 10 << 20
)

// Config configures a Relay.
type Config struct {
	// KeepAlive is the interval between comment lines on idle streams.
	KeepAlive time.Duration
	// Buffer is the number of events queued per stream before new events
	// are dropped for it.
	Buffer int
	// MaxBodySize caps a published body.
	MaxBodySize int64
	Logger      *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Relay fans POSTed bodies out to event stream clients.
type Relay struct {
	cfg      Config
	logger   *slog.Logger
	registry *registry
	once     sync.Once
}

// New creates a Relay.
func New(cfg Config) *Relay {
	cfg.applyDefaults()
	return &Relay{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: newRegistry(),
	}
}

// Handler serves GET (event stream) and POST (publish) on every path.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{path...}", r.handleStream)
	mux.HandleFunc("POST /{path...}", r.handlePublish)
	return observability.MetricsMiddleware("relay", httpx.Standard(r.logger)(mux))
}

// Publish sends body to every stream open on path and returns how many
// streams received it.
func (r *Relay) Publish(path string, body []byte) int {
	delivered, dropped := r.registry.publish(path, body)
	if dropped > 0 {
		r.logger.Warn("relay stream too slow, event dropped", "path", path, "dropped", dropped)
		observability.NotificationsTotal.WithLabelValues("relay", "dropped").Add(float64(dropped))
	}
	observability.NotificationsTotal.WithLabelValues("relay", "delivered").Add(float64(delivered))
	debug.Log(debug.Relay, "published", "path", path, "bytes", len(body), "delivered", delivered)
	return delivered
}

// Listeners returns the number of streams open on path.
func (r *Relay) Listeners(path string) int {
	return r.registry.count(path)
}

// Close ends every open stream. Later GETs are refused.
func (r *Relay) Close() {
	r.once.Do(r.registry.close)
}

func (r *Relay) handlePublish(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.cfg.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "notification too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	n := r.Publish(req.URL.Path, body)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"listeners": n})
}

func (r *Relay) handleStream(w http.ResponseWriter, req *http.Request) {
	rc := http.NewResponseController(w)
	path := req.URL.Path

	l := r.registry.register(path, r.cfg.Buffer)
	if l == nil {
		http.Error(w, "relay closed", http.StatusServiceUnavailable)
		return
	}
	defer r.registry.remove(path, l)

	observability.StreamingConnections.Inc()
	defer observability.StreamingConnections.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Headers go out before any event so clients know the stream is live.
	if err := rc.Flush(); err != nil {
		r.logger.Warn("relay stream not flushable", "path", path, "error", err)
		return
	}
	debug.Log(debug.Relay, "stream opened", "path", path, "listener", l.id)

	ticker := time.NewTicker(r.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case body, ok := <-l.events:
			if !ok {
				return
			}
			if err := writeEvent(w, body); err != nil {
				debug.Log(debug.Relay, "stream write failed", "path", path, "error", err)
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case <-req.Context().Done():
			debug.Log(debug.Relay, "stream closed by client", "path", path, "listener", l.id)
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// writeEvent writes body as one event, one data line per body line.
func writeEvent(w io.Writer, body []byte) error {
	var buf bytes.Buffer
	for _, line := range bytes.Split(bytes.TrimRight(body, "\r\n"), []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimRight(line, "\r"))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
