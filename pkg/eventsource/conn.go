package eventsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ContextBroker/ContextBroker/pkg/debug"
)

// maxLineSize bounds a single SSE line.
const maxLineSize = 4 << 20

// Event is one dispatched server-sent event.
type Event struct {
	// Type is the event name; "message" when the server sent none.
	Type string
	// Data joins the event's data lines with "\n".
	Data string
	// ID is the last event id seen on the stream.
	ID string
	// Retry is the reconnection delay in milliseconds the server asked
	// for, or 0.
	Retry int
}

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("eventsource: connection closed")

// StatusError reports a server that refused the stream.
type StatusError struct {
	StatusCode  int
	ContentType string
}

func (e *StatusError) Error() string {
	if e.StatusCode != http.StatusOK {
		return fmt.Sprintf("eventsource: unexpected HTTP status %d", e.StatusCode)
	}
	return fmt.Sprintf("eventsource: unexpected content type %q", e.ContentType)
}

type result struct {
	ev  Event
	err error
}

// Conn is an open event stream.
type Conn struct {
	url    string
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan result

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to url and waits for the stream to open. client may be nil.
// The connection outlives ctx only as far as dialing is concerned: once
// Dial returns, the stream stays open until Close or until the server ends
// it.
func Dial(ctx context.Context, client *http.Client, url string, header http.Header) (*Conn, error) {
	if client == nil {
		client = http.DefaultClient
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// Streams can legitimately outlive any client timeout.
	streamClient := &http.Client{
		Transport:     client.Transport,
		CheckRedirect: client.CheckRedirect,
		Jar:           client.Jar,
	}
	resp, err := streamClient.Do(req)
	stopped := stop()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !stopped {
		// ctx was cancelled while the response arrived.
		resp.Body.Close()
		cancel()
		return nil, ctx.Err()
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if resp.StatusCode != http.StatusOK || mediaType != "text/event-stream" {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type")}
	}

	c := &Conn{
		url:    url,
		body:   resp.Body,
		cancel: cancel,
		events: make(chan result),
		closed: make(chan struct{}),
	}
	go c.read()

	debug.Log(debug.SSE, "stream opened", "url", url)
	return c, nil
}

// Next returns the next event. It returns io.EOF when the server ended the
// stream, ErrClosed after Close, or ctx.Err() when ctx is done first.
func (c *Conn) Next(ctx context.Context) (Event, error) {
	select {
	case r, ok := <-c.events:
		if !ok {
			select {
			case <-c.closed:
				return Event{}, ErrClosed
			default:
				return Event{}, io.EOF
			}
		}
		return r.ev, r.err
	case <-c.closed:
		return Event{}, ErrClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close terminates the stream. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		c.body.Close()
		debug.Log(debug.SSE, "stream closed", "url", c.url)
	})
	return nil
}

func (c *Conn) read() {
	defer close(c.events)

	scanner := bufio.NewScanner(c.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		eventType string
		data      strings.Builder
		hasData   bool
		lastID    string
		retry     int
	)

	emit := func(r result) bool {
		select {
		case c.events <- r:
			return true
		case <-c.closed:
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if hasData {
				ev := Event{Type: eventType, Data: data.String(), ID: lastID, Retry: retry}
				if ev.Type == "" {
					ev.Type = "message"
				}
				debug.Trace(debug.SSE, "event", "type", ev.Type, "bytes", len(ev.Data))
				if !emit(result{ev: ev}) {
					return
				}
			}
			eventType = ""
			data.Reset()
			hasData = false
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			eventType = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				lastID = value
			}
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				retry = n
			}
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-c.closed:
			return
		default:
		}
		emit(result{err: fmt.Errorf("eventsource: read %s: %w", c.url, err)})
	}
}
