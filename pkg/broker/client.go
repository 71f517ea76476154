package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ContextBroker/ContextBroker/pkg/debug"
	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
	"github.com/ContextBroker/ContextBroker/pkg/observability"
)

// Operation paths below BaseURL.
const (
	PathQueryContext              = "/NGSI10/queryContext"
	PathSubscribeContext          = "/NGSI10/subscribeContext"
	PathUpdateContextSubscription = "/NGSI10/updateContextSubscription"
	PathUnsubscribeContext        = "/NGSI10/unsubscribeContext"
	PathUpdateContext             = "/NGSI10/updateContext"
)

// Tenant headers.
const (
	HeaderService     = "Fiware-Service"
	HeaderServicePath = "Fiware-ServicePath"
)

// DefaultTimeout bounds a single broker round trip.
const DefaultTimeout = 30 * time.Second

// maxResponseSize caps how much of a reply body is read.
const maxResponseSize = 32 << 20

// Config configures a Client.
type Config struct {
	// BaseURL is the broker root, e.g. http://localhost:1026.
	BaseURL string
	// Service is sent as Fiware-Service on every request.
	Service string
	// ServicePath is sent as Fiware-ServicePath when not empty.
	ServicePath string
	// Timeout applies when HTTPClient is nil. Zero means DefaultTimeout.
	Timeout time.Duration
	// HTTPClient overrides the client used for every call.
	HTTPClient *http.Client
}

// Client performs NGSI10 calls against one broker and tenant.
type Client struct {
	httpClient *http.Client
	baseURL    string
	header     http.Header
	service    string
}

// New creates a Client. BaseURL must be an absolute http(s) URL.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ngsi.NewInvalidRequestError("broker.url", fmt.Sprintf("broker URL %q must be an absolute http(s) URL", cfg.BaseURL))
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("Content-Type", "application/json")
	if cfg.Service != "" {
		header.Set(HeaderService, cfg.Service)
	}
	if cfg.ServicePath != "" {
		header.Set(HeaderServicePath, cfg.ServicePath)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		header:     header,
		service:    cfg.Service,
	}, nil
}

// BaseURL returns the normalized broker root.
func (c *Client) BaseURL() string { return c.baseURL }

// Service returns the tenant the client is bound to.
func (c *Client) Service() string { return c.service }

// Query runs queryContext and returns the raw reply for reconciliation.
func (c *Client) Query(ctx context.Context, req ngsi.QueryContextRequest) ([]byte, error) {
	return c.post(ctx, "queryContext", PathQueryContext, req)
}

// Subscribe runs subscribeContext and returns the broker's subscription
// metadata.
func (c *Client) Subscribe(ctx context.Context, req ngsi.SubscribeContextRequest) (*ngsi.SubscribeResponse, error) {
	data, err := c.post(ctx, "subscribeContext", PathSubscribeContext, req)
	if err != nil {
		return nil, err
	}
	return decodeSubscribe(data)
}

// UpdateSubscription runs updateContextSubscription.
func (c *Client) UpdateSubscription(ctx context.Context, req ngsi.UpdateContextSubscriptionRequest) (*ngsi.SubscribeResponse, error) {
	data, err := c.post(ctx, "updateContextSubscription", PathUpdateContextSubscription, req)
	if err != nil {
		return nil, err
	}
	return decodeSubscribe(data)
}

// Unsubscribe runs unsubscribeContext. Any HTTP reply counts as success,
// whatever its status or body; only network failures and cancellation are
// errors.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) error {
	const op = "unsubscribeContext"
	httpResp, start, err := c.send(ctx, op, PathUnsubscribeContext,
		ngsi.UnsubscribeContextRequest{SubscriptionID: subscriptionID})
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(httpResp.Body, maxResponseSize))

	result := "ok"
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		result = "http_" + strconv.Itoa(httpResp.StatusCode)
	}
	observability.BrokerRequestsTotal.WithLabelValues(op, result).Inc()
	debug.Log(debug.Broker, "response", "op", op, "subscription_id", subscriptionID,
		"status", httpResp.StatusCode, "duration", time.Since(start))
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	httpResp, start, err := c.send(ctx, op, path, payload)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		observability.BrokerRequestsTotal.WithLabelValues(op, "http_"+strconv.Itoa(httpResp.StatusCode)).Inc()
		return nil, MapHTTPError(httpResp)
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		observability.BrokerRequestsTotal.WithLabelValues(op, "network").Inc()
		return nil, MapNetworkError(err)
	}
	observability.BrokerRequestsTotal.WithLabelValues(op, "ok").Inc()

	debug.Log(debug.Broker, "response", "op", op, "status", httpResp.StatusCode, "bytes", len(data),
		"duration", time.Since(start))
	debug.Raw(debug.Broker, string(data))

	return data, nil
}

// send POSTs payload to path. Errors are returned only when no HTTP reply
// arrived; the caller owns the response body.
func (c *Client) send(ctx context.Context, op, path string, payload any) (*http.Response, time.Time, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, time.Time{}, ngsi.NewTransportError(fmt.Sprintf("failed to marshal %s request: %s", op, err.Error()), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, time.Time{}, ngsi.NewTransportError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()), err)
	}
	httpReq.Header = c.header.Clone()

	debug.Log(debug.Broker, "request", "op", op, "url", httpReq.URL.String(), "service", c.service)
	debug.Raw(debug.Broker, string(body))

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	observability.BrokerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.BrokerRequestsTotal.WithLabelValues(op, "network").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, start, ngsi.NewTransportError(fmt.Sprintf("%s cancelled", op), ctxErr)
		}
		return nil, start, MapNetworkError(err)
	}
	return httpResp, start, nil
}

func decodeSubscribe(data []byte) (*ngsi.SubscribeResponse, error) {
	var env ngsi.SubscribeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ngsi.NewTransportError(fmt.Sprintf("malformed subscription reply: %s", err.Error()), err)
	}
	if e := env.Err(); e != nil {
		return nil, e
	}
	if env.SubscribeResponse == nil || env.SubscribeResponse.SubscriptionID == "" {
		return nil, ngsi.NewTransportError("subscription reply carries no subscriptionId", nil)
	}
	return env.SubscribeResponse, nil
}
