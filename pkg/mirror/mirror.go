package mirror

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ContextBroker/ContextBroker/pkg/broker"
	"github.com/ContextBroker/ContextBroker/pkg/httpx"
	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
	"github.com/ContextBroker/ContextBroker/pkg/observability"
	"github.com/ContextBroker/ContextBroker/pkg/storage"
)

// Source is a stream of elements. *stream.Engine implements it.
type Source interface {
	All(ctx context.Context) iter.Seq2[*ngsi.ContextElement, error]
}

// Stats counts what Run has processed.
type Stats struct {
	Elements    int64 `json:"elements"`
	Errors      int64 `json:"errors"`
	StoreErrors int64 `json:"storeErrors"`
}

// Mirror archives a stream under one tenant.
type Mirror struct {
	store  storage.Store
	tenant string
	logger *slog.Logger

	elementCount    atomic.Int64
	errorCount      atomic.Int64
	storeErrorCount atomic.Int64
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mirror) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Mirror writing to store under tenant, the lowercased
// Fiware-Service of the broker the stream reads.
func New(store storage.Store, tenant string, opts ...Option) *Mirror {
	m := &Mirror{
		store:  store,
		tenant: strings.ToLower(tenant),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run stores every element of src until the stream ends or ctx is done.
// Error events and failed writes are logged and counted; they do not stop
// the mirror. Run returns ctx.Err() when ctx ended it, nil otherwise.
func (m *Mirror) Run(ctx context.Context, src Source) error {
	storeCtx := storage.SetTenant(ctx, m.tenant)

	for el, err := range src.All(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.errorCount.Add(1)
			m.logger.Warn("stream error", "tenant", m.tenant, "error", err)
			continue
		}

		snap, err := m.store.Put(storeCtx, *el)
		if err != nil {
			m.storeErrorCount.Add(1)
			m.logger.Error("storing element failed", "tenant", m.tenant, "id", el.ID, "type", el.Type, "error", err)
			continue
		}
		m.elementCount.Add(1)
		m.logger.Debug("element mirrored", "id", snap.ID, "type", snap.Type, "revision", snap.Revision)
	}

	m.logger.Info("stream ended", "tenant", m.tenant, "elements", m.elementCount.Load())
	return nil
}

// Stats returns the counters so far.
func (m *Mirror) Stats() Stats {
	return Stats{
		Elements:    m.elementCount.Load(),
		Errors:      m.errorCount.Load(),
		StoreErrors: m.storeErrorCount.Load(),
	}
}

// Handler serves the archive.
func (m *Mirror) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/entities", m.handleList)
	mux.HandleFunc("GET /v1/entities/{type}/{id}", m.handleGet)
	mux.HandleFunc("GET /healthz", m.handleHealth)
	return observability.MetricsMiddleware("mirror", httpx.Standard(m.logger)(mux))
}

func (m *Mirror) requestContext(r *http.Request) context.Context {
	tenant := m.tenant
	if s := r.Header.Get(broker.HeaderService); s != "" {
		tenant = strings.ToLower(s)
	}
	return storage.SetTenant(r.Context(), tenant)
}

func (m *Mirror) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		Type:  q.Get("type"),
		After: q.Get("after"),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			httpx.WriteError(w, ngsi.NewInvalidRequestError("limit", "limit must be a positive integer"))
			return
		}
		opts.Limit = n
	}

	result, err := m.store.List(m.requestContext(r), opts)
	if err != nil {
		m.logger.Error("listing elements failed", "error", err)
		httpx.WriteError(w, ngsi.NewTransportError("storage unavailable", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (m *Mirror) handleGet(w http.ResponseWriter, r *http.Request) {
	entityType, id := r.PathValue("type"), r.PathValue("id")

	snap, err := m.store.Get(m.requestContext(r), entityType, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpx.WriteError(w, ngsi.NewElementError(http.StatusNotFound, "No context element found",
				&ngsi.ContextElement{ID: id, Type: entityType}))
			return
		}
		m.logger.Error("reading element failed", "id", id, "type", entityType, "error", err)
		httpx.WriteError(w, ngsi.NewTransportError("storage unavailable", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (m *Mirror) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := m.store.HealthCheck(r.Context()); err != nil {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "stats": m.Stats()})
}
