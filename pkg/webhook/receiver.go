package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ContextBroker/ContextBroker/pkg/debug"
	"github.com/ContextBroker/ContextBroker/pkg/httpx"
	"github.com/ContextBroker/ContextBroker/pkg/observability"
)

// Defaults applied by New.
const (
	DefaultAddr            = "127.0.0.1:0"
	DefaultMaxBodySize     = 10 << 20
	DefaultShutdownTimeout = 5 * time.Second
)

// ErrClosed is returned by Listen after Close.
var ErrClosed = errors.New("webhook: receiver closed")

// Config configures a Receiver.
type Config struct {
	// Addr is the listen address. Empty means an ephemeral loopback port.
	Addr string
	// Path is the callback path. Empty means /notify/<uuid>.
	Path string
	// AdvertiseURL replaces the URL handed to the broker, for receivers
	// reachable through NAT or a proxy. The callback path is appended
	// unless the URL already has one.
	AdvertiseURL string
	// MaxBodySize caps a notification body.
	MaxBodySize int64
	// Token, when set, is accepted as a static bearer credential.
	Token string
	// JWTSecret, when set, accepts HS256 bearer tokens signed with it.
	JWTSecret string
	// ShutdownTimeout bounds Close.
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Path == "" {
		c.Path = "/notify/" + uuid.NewString()
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NotifyFunc receives one notification body. The slice is owned by the
// callee.
type NotifyFunc func(body []byte)

// Receiver is a single-use callback endpoint.
type Receiver struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	srv    *http.Server
	closed bool

	closeOnce sync.Once
	closeErr  error
	served    chan struct{}
}

// New creates a Receiver. Nothing listens until Listen.
func New(cfg Config) *Receiver {
	cfg.applyDefaults()
	return &Receiver{cfg: cfg, logger: cfg.Logger}
}

// Path returns the callback path.
func (r *Receiver) Path() string { return r.cfg.Path }

// Listen binds the address, starts serving and returns the reference URL
// to register with the broker. It may be called once.
func (r *Receiver) Listen(ctx context.Context, handle NotifyFunc) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrClosed
	}
	if r.ln != nil {
		return "", errors.New("webhook: receiver already listening")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		return "", fmt.Errorf("webhook: listen %s: %w", r.cfg.Addr, err)
	}

	reference, err := r.reference(ln.Addr())
	if err != nil {
		ln.Close()
		return "", err
	}

	r.ln = ln
	r.srv = &http.Server{
		Handler:           r.Handler(handle),
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.served = make(chan struct{})

	go func() {
		defer close(r.served)
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("webhook receiver stopped", "addr", ln.Addr().String(), "error", err)
		}
	}()

	r.logger.Info("webhook receiver listening", "addr", ln.Addr().String(), "reference", reference)
	return reference, nil
}

// Handler returns the HTTP handler that feeds handle. Listen installs it;
// it is exported for embedding in an existing server.
func (r *Receiver) Handler(handle NotifyFunc) http.Handler {
	var authn Authenticator
	var chain Chain
	if r.cfg.Token != "" {
		chain = append(chain, TokenAuthenticator{Token: r.cfg.Token})
	}
	if r.cfg.JWTSecret != "" {
		chain = append(chain, JWTAuthenticator{Secret: []byte(r.cfg.JWTSecret)})
	}
	if len(chain) > 0 {
		authn = chain
	}

	mux := http.NewServeMux()
	mux.Handle("POST "+r.cfg.Path, RequireAuth(authn, r.logger)(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.cfg.MaxBodySize))
		if err != nil {
			observability.NotificationsTotal.WithLabelValues("webhook", "rejected").Inc()
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				http.Error(w, "notification too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		debug.Log(debug.Webhook, "notification", "path", req.URL.Path, "bytes", len(body),
			"request_id", httpx.RequestIDFromContext(req.Context()))
		observability.NotificationsTotal.WithLabelValues("webhook", "accepted").Inc()

		handle(body)
		w.WriteHeader(http.StatusOK)
	})))

	return observability.MetricsMiddleware("webhook", httpx.Standard(r.logger)(mux))
}

// Close stops the listener. It is safe to call more than once and before
// Listen.
func (r *Receiver) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		srv, served := r.srv, r.served
		r.mu.Unlock()

		if srv == nil {
			return
		}

		ctx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			r.closeErr = fmt.Errorf("webhook: shutdown: %w", err)
		}
		<-served
		debug.Log(debug.Webhook, "receiver closed", "path", r.cfg.Path)
	})
	return r.closeErr
}

func (r *Receiver) reference(addr net.Addr) (string, error) {
	if r.cfg.AdvertiseURL != "" {
		u, err := url.Parse(r.cfg.AdvertiseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "", fmt.Errorf("webhook: invalid advertise URL %q", r.cfg.AdvertiseURL)
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = r.cfg.Path
		}
		return u.String(), nil
	}

	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", fmt.Errorf("webhook: unsupported address %s", addr)
	}
	host := tcp.IP.String()
	if tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return (&url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(host, fmt.Sprint(tcp.Port)),
		Path:   r.cfg.Path,
	}).String(), nil
}
