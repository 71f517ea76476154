package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ContextBroker/ContextBroker/pkg/eventsource"
)

func newTestRelay(t *testing.T, cfg Config) (*Relay, *httptest.Server) {
	t.Helper()
	r := New(cfg)
	srv := httptest.NewServer(r.Handler())
	// Streams must end before the server can shut down.
	t.Cleanup(srv.Close)
	t.Cleanup(r.Close)
	return r, srv
}

func post(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post status = %d", resp.StatusCode)
	}
	var out map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out["listeners"]
}

func TestRelay_FanOut(t *testing.T) {
	r, srv := newTestRelay(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := eventsource.Dial(ctx, nil, srv.URL+"/rooms", nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer a.Close()
	b, err := eventsource.Dial(ctx, nil, srv.URL+"/rooms", nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer b.Close()
	other, err := eventsource.Dial(ctx, nil, srv.URL+"/other", nil)
	if err != nil {
		t.Fatalf("dial other: %v", err)
	}
	defer other.Close()

	if n := r.Listeners("/rooms"); n != 2 {
		t.Fatalf("Listeners(/rooms) = %d, want 2", n)
	}

	if n := post(t, srv.URL+"/rooms", "{\n  \"id\": \"Room1\"\n}\n"); n != 2 {
		t.Errorf("delivered to %d listeners, want 2", n)
	}

	for name, c := range map[string]*eventsource.Conn{"a": a, "b": b} {
		ev, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("%s: next: %v", name, err)
		}
		if ev.Type != "message" {
			t.Errorf("%s: type = %q, want message", name, ev.Type)
		}
		if ev.Data != "{\n  \"id\": \"Room1\"\n}" {
			t.Errorf("%s: data = %q", name, ev.Data)
		}
	}

	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	if _, err := other.Next(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("other path received an event: %v", err)
	}
}

func TestRelay_PublishWithoutListeners(t *testing.T) {
	_, srv := newTestRelay(t, Config{})
	if n := post(t, srv.URL+"/nobody", `{}`); n != 0 {
		t.Errorf("listeners = %d, want 0", n)
	}
}

func TestRelay_BodyTooLarge(t *testing.T) {
	_, srv := newTestRelay(t, Config{MaxBodySize: 8})
	resp, err := http.Post(srv.URL+"/rooms", "application/json", strings.NewReader(`{"too":"large"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestRelay_CloseEndsStreams(t *testing.T) {
	r, srv := newTestRelay(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := eventsource.Dial(ctx, nil, srv.URL+"/rooms", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	r.Close()
	r.Close()

	if _, err := c.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("next after close = %v, want io.EOF", err)
	}

	resp, err := http.Get(srv.URL + "/rooms")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status after close = %d, want 503", resp.StatusCode)
	}
}

func TestRelay_ClientDisconnectRemovesListener(t *testing.T) {
	r, srv := newTestRelay(t, Config{})
	c, err := eventsource.Dial(context.Background(), nil, srv.URL+"/rooms", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for r.Listeners("/rooms") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener still registered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistry_DropsWhenFull(t *testing.T) {
	reg := newRegistry()
	l := reg.register("/p", 1)

	if d, x := reg.publish("/p", []byte("1")); d != 1 || x != 0 {
		t.Errorf("first publish = %d/%d, want 1/0", d, x)
	}
	if d, x := reg.publish("/p", []byte("2")); d != 0 || x != 1 {
		t.Errorf("second publish = %d/%d, want 0/1", d, x)
	}

	reg.remove("/p", l)
	reg.remove("/p", l)
	if reg.count("/p") != 0 {
		t.Error("expected no listeners after remove")
	}

	reg.close()
	if reg.register("/p", 1) != nil {
		t.Error("register after close should fail")
	}
}

func TestWriteEvent(t *testing.T) {
	var sb strings.Builder
	if err := writeEvent(&sb, []byte("a\r\nb\n")); err != nil {
		t.Fatal(err)
	}
	if sb.String() != "data: a\ndata: b\n\n" {
		t.Errorf("event = %q", sb.String())
	}
}
