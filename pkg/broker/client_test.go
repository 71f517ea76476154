package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ContextBroker/ContextBroker/pkg/broker"
	"github.com/ContextBroker/ContextBroker/pkg/broker/brokertest"
	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
)

func newBroker(t *testing.T) (*brokertest.Server, *broker.Client) {
	t.Helper()
	fake := brokertest.NewServer()
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	c, err := broker.New(broker.Config{BaseURL: srv.URL + "/", Service: "smartcity", ServicePath: "/madrid"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return fake, c
}

func rooms(fake *brokertest.Server) {
	fake.Put("smartcity",
		brokertest.Entity{ID: "Room1", Type: "Room", Attributes: []brokertest.Attribute{
			brokertest.Attr("temperature", "float", "23"),
			brokertest.Attr("pressure", "integer", "720"),
		}},
		brokertest.Entity{ID: "Room2", Type: "Room", Attributes: []brokertest.Attribute{
			brokertest.Attr("temperature", "float", "21"),
		}},
	)
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	for _, u := range []string{"", "localhost:1026", "ftp://broker"} {
		if _, err := broker.New(broker.Config{BaseURL: u}); !ngsi.IsKind(err, ngsi.KindInvalidRequest) {
			t.Errorf("New(%q) err = %v, want invalid_request", u, err)
		}
	}
}

func TestQuery_SendsTemplateHeaders(t *testing.T) {
	fake, c := newBroker(t)
	rooms(fake)

	data, err := c.Query(context.Background(), ngsi.QueryContextRequest{
		Entities: []ngsi.EntityDescriptor{{ID: "Room.*", Type: "Room", IsPattern: true}},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	elements, rerr := ngsi.Reconcile(data)
	if rerr != nil {
		t.Fatalf("reconcile: %v", rerr)
	}
	if len(elements) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(elements))
	}

	reqs := fake.RequestsTo(broker.PathQueryContext)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 query, got %d", len(reqs))
	}
	if reqs[0].Service != "smartcity" || reqs[0].ServicePath != "/madrid" {
		t.Errorf("tenant headers = %q %q", reqs[0].Service, reqs[0].ServicePath)
	}
	if !strings.Contains(string(reqs[0].Body), `"isPattern":"true"`) {
		t.Errorf("body = %s, want isPattern \"true\"", reqs[0].Body)
	}
}

func TestQuery_EnvelopeErrorIsPayload(t *testing.T) {
	_, c := newBroker(t)

	data, err := c.Query(context.Background(), ngsi.QueryContextRequest{
		Entities: []ngsi.EntityDescriptor{{ID: "Nowhere"}},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	elements, rerr := ngsi.Reconcile(data)
	if len(elements) != 0 || rerr == nil || rerr.Code != 404 || rerr.Kind != ngsi.KindEnvelope {
		t.Errorf("reconcile = %d elements, %v", len(elements), rerr)
	}
}

func TestQuery_HTTPErrorIsTransport(t *testing.T) {
	fake, c := newBroker(t)
	fake.FailNext(broker.PathQueryContext, http.StatusServiceUnavailable)

	_, err := c.Query(context.Background(), ngsi.QueryContextRequest{
		Entities: []ngsi.EntityDescriptor{{ID: "Room1"}},
	})
	if !ngsi.IsKind(err, ngsi.KindTransport) || ngsi.CodeOf(err) != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want transport error 503", err)
	}
	if !strings.Contains(err.Error(), "injected failure") {
		t.Errorf("message = %q, want reason phrase", err.Error())
	}
}

func TestQuery_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := broker.New(broker.Config{BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.Query(context.Background(), ngsi.QueryContextRequest{Entities: []ngsi.EntityDescriptor{{ID: "x"}}})
	if !ngsi.IsKind(err, ngsi.KindTransport) {
		t.Errorf("err = %v, want transport error", err)
	}
}

func TestQuery_Cancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c, _ := broker.New(broker.Config{BaseURL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Query(ctx, ngsi.QueryContextRequest{Entities: []ngsi.EntityDescriptor{{ID: "x"}}})
	if !ngsi.IsKind(err, ngsi.KindTransport) || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want transport error wrapping context.Canceled", err)
	}
}

func TestSubscriptionRoundTrip(t *testing.T) {
	fake, c := newBroker(t)
	ctx := context.Background()

	resp, err := c.Subscribe(ctx, ngsi.SubscribeContextRequest{
		Entities:         []ngsi.EntityDescriptor{{ID: "Room1", Type: "Room"}},
		Reference:        "http://127.0.0.1:1/notify",
		Duration:         "PT1H",
		NotifyConditions: []ngsi.NotifyCondition{{Type: ngsi.NotifyOnChange, CondValues: []string{"temperature"}}},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if resp.SubscriptionID == "" || resp.Duration.String() != "PT1H" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	upd, err := c.UpdateSubscription(ctx, ngsi.UpdateContextSubscriptionRequest{
		SubscriptionID: resp.SubscriptionID,
		Throttling:     "PT5S",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if upd.Throttling.Value() != 5*time.Second {
		t.Errorf("throttling = %v", upd.Throttling.Value())
	}

	if err := c.Unsubscribe(ctx, resp.SubscriptionID); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if len(fake.Subscriptions()) != 0 {
		t.Errorf("subscriptions left: %v", fake.Subscriptions())
	}

	// A second unsubscribe gets a 404 status body, which still counts as done.
	if err := c.Unsubscribe(ctx, resp.SubscriptionID); err != nil {
		t.Errorf("repeated unsubscribe: %v", err)
	}
}

func TestUnsubscribe_AnyStatusIsSuccess(t *testing.T) {
	fake, c := newBroker(t)
	ctx := context.Background()

	resp, err := c.Subscribe(ctx, ngsi.SubscribeContextRequest{
		Entities:  []ngsi.EntityDescriptor{{ID: "Room1", Type: "Room"}},
		Reference: "http://127.0.0.1:1/notify",
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fake.FailNext(broker.PathUnsubscribeContext, http.StatusNotFound)
	if err := c.Unsubscribe(ctx, resp.SubscriptionID); err != nil {
		t.Errorf("unsubscribe answered 404: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"orionError":{"code":"404","reasonPhrase":"No context element found"}}`))
	}))
	defer srv.Close()
	expired, err := broker.New(broker.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := expired.Unsubscribe(ctx, "expired"); err != nil {
		t.Errorf("unsubscribe with orionError 404: %v", err)
	}
}

func TestUnsubscribe_NetworkErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := broker.New(broker.Config{BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.Unsubscribe(context.Background(), "sub1"); !ngsi.IsKind(err, ngsi.KindTransport) {
		t.Errorf("err = %v, want transport error", err)
	}
}

func TestUpdateSubscription_UnknownID(t *testing.T) {
	_, c := newBroker(t)

	_, err := c.UpdateSubscription(context.Background(), ngsi.UpdateContextSubscriptionRequest{SubscriptionID: "missing"})
	if !ngsi.IsKind(err, ngsi.KindEnvelope) || ngsi.CodeOf(err) != 404 {
		t.Errorf("err = %v, want envelope error 404", err)
	}
}

func TestSubscribe_MalformedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"subscribeResponse":{}}`))
	}))
	defer srv.Close()

	c, _ := broker.New(broker.Config{BaseURL: srv.URL})
	_, err := c.Subscribe(context.Background(), ngsi.SubscribeContextRequest{Reference: "http://x"})
	if !ngsi.IsKind(err, ngsi.KindTransport) {
		t.Errorf("err = %v, want transport error", err)
	}
}

func TestUpdateContext_Notifies(t *testing.T) {
	received := make(chan []byte, 4)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
	}))
	defer sink.Close()

	fake, c := newBroker(t)
	rooms(fake)

	_, err := c.Subscribe(context.Background(), ngsi.SubscribeContextRequest{
		Entities:         []ngsi.EntityDescriptor{{ID: "Room1", Type: "Room"}},
		Attributes:       []string{"temperature"},
		Reference:        sink.URL,
		NotifyConditions: []ngsi.NotifyCondition{{Type: ngsi.NotifyOnChange, CondValues: []string{"temperature"}}},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Pressure is not a condition value: no notification.
	fake.Update(context.Background(), "smartcity", brokertest.ActionUpdate,
		brokertest.Entity{ID: "Room1", Type: "Room", Attributes: []brokertest.Attribute{brokertest.Attr("pressure", "integer", "700")}})
	fake.Update(context.Background(), "smartcity", brokertest.ActionUpdate,
		brokertest.Entity{ID: "Room1", Type: "Room", Attributes: []brokertest.Attribute{brokertest.Attr("temperature", "float", "25")}})
	fake.Wait()

	select {
	case body := <-received:
		elements, rerr := ngsi.Reconcile(body)
		if rerr != nil {
			t.Fatalf("reconcile: %v", rerr)
		}
		if len(elements) != 1 || len(elements[0].Attributes) != 1 {
			t.Fatalf("elements = %+v", elements)
		}
		if v := elements[0].Attributes[0].Value; v != 25.0 {
			t.Errorf("temperature = %#v, want 25.0", v)
		}
	default:
		t.Fatal("no notification received")
	}
	if len(received) != 0 {
		t.Errorf("unexpected extra notifications: %d", len(received))
	}
}
