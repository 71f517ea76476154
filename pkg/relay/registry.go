package relay

import (
	"sync"

	"github.com/google/uuid"
)

// listener is one open event stream.
type listener struct {
	id     string
	events chan []byte
}

// registry tracks open event streams per path. All methods are safe for
// concurrent access.
type registry struct {
	mu     sync.Mutex
	paths  map[string]map[string]*listener
	closed bool
}

func newRegistry() *registry {
	return &registry{paths: make(map[string]map[string]*listener)}
}

// register adds a listener on path. It returns nil once the registry is
// closed.
func (r *registry) register(path string, buffer int) *listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	l := &listener{id: uuid.NewString(), events: make(chan []byte, buffer)}
	if r.paths[path] == nil {
		r.paths[path] = make(map[string]*listener)
	}
	r.paths[path][l.id] = l
	return l
}

// remove drops a listener. Removing an unknown listener is a no-op.
func (r *registry) remove(path string, l *listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.paths[path]
	if !ok {
		return
	}
	if _, ok := ls[l.id]; !ok {
		return
	}
	delete(ls, l.id)
	close(l.events)
	if len(ls) == 0 {
		delete(r.paths, path)
	}
}

// publish hands body to every listener on path without blocking. It
// returns how many received it and how many were skipped because their
// buffer was full.
func (r *registry) publish(path string, body []byte) (delivered, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.paths[path] {
		select {
		case l.events <- body:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

func (r *registry) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths[path])
}

// close ends every stream and refuses new ones.
func (r *registry) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for path, ls := range r.paths {
		for _, l := range ls {
			close(l.events)
		}
		delete(r.paths, path)
	}
}
