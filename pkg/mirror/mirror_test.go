package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ContextBroker/ContextBroker/pkg/broker"
	"github.com/ContextBroker/ContextBroker/pkg/broker/brokertest"
	"github.com/ContextBroker/ContextBroker/pkg/httpx"
	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
	"github.com/ContextBroker/ContextBroker/pkg/storage"
	"github.com/ContextBroker/ContextBroker/pkg/storage/memory"
	"github.com/ContextBroker/ContextBroker/pkg/stream"
)

type event struct {
	el  *ngsi.ContextElement
	err error
}

type sliceSource []event

func (s sliceSource) All(ctx context.Context) iter.Seq2[*ngsi.ContextElement, error] {
	return func(yield func(*ngsi.ContextElement, error) bool) {
		for _, ev := range s {
			if !yield(ev.el, ev.err) {
				return
			}
		}
	}
}

func element(id string, temperature float64) *ngsi.ContextElement {
	return &ngsi.ContextElement{
		ID:         id,
		Type:       "Room",
		Attributes: []ngsi.ContextAttribute{{Name: "temperature", Value: temperature}},
	}
}

type failingStore struct {
	*memory.Store
}

func (failingStore) Put(context.Context, ngsi.ContextElement) (storage.Snapshot, error) {
	return storage.Snapshot{}, errors.New("disk full")
}

func (failingStore) HealthCheck(context.Context) error {
	return errors.New("disk full")
}

func TestRun_StoresElementsAndCountsErrors(t *testing.T) {
	store := memory.New(0)
	m := New(store, "SmartCity")

	src := sliceSource{
		{el: element("Room1", 20)},
		{err: ngsi.NewElementError(404, "No context element found", &ngsi.ContextElement{ID: "Missing"})},
		{el: element("Room2", 21)},
		{el: element("Room1", 22)},
	}
	if err := m.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := m.Stats()
	if stats.Elements != 3 || stats.Errors != 1 || stats.StoreErrors != 0 {
		t.Errorf("stats = %+v", stats)
	}

	ctx := storage.SetTenant(context.Background(), "smartcity")
	snap, err := store.Get(ctx, "Room", "Room1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Revision != 2 || snap.Attributes[0].Value != 22.0 {
		t.Errorf("Room1 = revision %d, value %v", snap.Revision, snap.Attributes[0].Value)
	}
}

func TestRun_StoreFailureDoesNotStop(t *testing.T) {
	m := New(failingStore{memory.New(0)}, "smartcity")
	src := sliceSource{{el: element("Room1", 20)}, {el: element("Room2", 21)}}

	if err := m.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats := m.Stats(); stats.StoreErrors != 2 || stats.Elements != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(memory.New(0), "smartcity")
	src := sliceSource{{err: ctx.Err()}}
	if err := m.Run(ctx, src); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestRun_FromQueryStream(t *testing.T) {
	fake := brokertest.NewServer()
	fake.Put("smartcity",
		brokertest.Entity{ID: "Room1", Type: "Room", Attributes: []brokertest.Attribute{brokertest.Attr("temperature", "float", "23")}},
		brokertest.Entity{ID: "Room2", Type: "Room", Attributes: []brokertest.Attribute{brokertest.Attr("temperature", "float", "19")}},
	)
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	client, err := broker.New(broker.Config{BaseURL: srv.URL, Service: "SmartCity"})
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	engine, err := stream.New(client, ngsi.Descriptor{
		Entities: []ngsi.EntityDescriptor{{ID: "/Room.*/", Type: "Room"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer engine.Close(context.Background())

	store := memory.New(0)
	m := New(store, client.Service())
	if err := m.Run(context.Background(), engine); err != nil {
		t.Fatalf("Run: %v", err)
	}

	list, _ := store.List(storage.SetTenant(context.Background(), "smartcity"), storage.ListOptions{})
	if len(list.Snapshots) != 2 {
		t.Fatalf("mirrored %d elements, want 2", len(list.Snapshots))
	}
	if v := list.Snapshots[0].Attributes[0].Value; v != 23.0 {
		t.Errorf("Room1 temperature = %#v, want 23.0", v)
	}
}

func newTestServer(t *testing.T, store storage.Store) *httptest.Server {
	t.Helper()
	m := New(store, "smartcity")
	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var buf json.RawMessage
	json.NewDecoder(resp.Body).Decode(&buf)
	return resp, buf
}

func TestHandler_GetAndList(t *testing.T) {
	store := memory.New(0)
	ctx := storage.SetTenant(context.Background(), "smartcity")
	store.Put(ctx, *element("Room1", 20))
	store.Put(ctx, *element("Room2", 21))
	srv := newTestServer(t, store)

	resp, body := get(t, srv.URL+"/v1/entities/Room/Room1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var snap storage.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ID != "Room1" || snap.Revision != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if resp.Header.Get(httpx.RequestIDHeader) == "" {
		t.Error("missing request id header")
	}

	resp, body = get(t, srv.URL+"/v1/entities?type=Room&limit=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var page storage.ListResult
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Snapshots) != 1 || !page.HasMore || page.Next != "Room/Room1" {
		t.Errorf("page = %+v", page)
	}
}

func TestHandler_NotFoundAndTenantHeader(t *testing.T) {
	store := memory.New(0)
	store.Put(storage.SetTenant(context.Background(), "smartcity"), *element("Room1", 20))
	srv := newTestServer(t, store)

	resp, body := get(t, srv.URL+"/v1/entities/Room/Room1", http.Header{broker.HeaderService: {"Farm"}})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var e struct {
		Error struct {
			Type string `json:"type"`
			Code int    `json:"code"`
		} `json:"error"`
	}
	json.Unmarshal(body, &e)
	if e.Error.Type != string(ngsi.KindElement) || e.Error.Code != 404 {
		t.Errorf("error body = %s", body)
	}

	resp, _ = get(t, srv.URL+"/v1/entities/Room/Room1", http.Header{broker.HeaderService: {"SmartCity"}})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with matching tenant = %d", resp.StatusCode)
	}
}

func TestHandler_BadLimit(t *testing.T) {
	srv := newTestServer(t, memory.New(0))
	resp, _ := get(t, srv.URL+"/v1/entities?limit=zero", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandler_Health(t *testing.T) {
	srv := newTestServer(t, memory.New(0))
	if resp, _ := get(t, srv.URL+"/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthy status = %d", resp.StatusCode)
	}

	sick := newTestServer(t, failingStore{memory.New(0)})
	if resp, _ := get(t, sick.URL+"/healthz", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, want 503", resp.StatusCode)
	}
}
