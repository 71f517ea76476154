// Package memory provides an in-memory Store for tests and lightweight
// deployments. Snapshots are lost when the process exits. An optional size
// limit evicts the least recently written element.
package memory

import (
	"cmp"
	"container/list"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ContextBroker/ContextBroker/pkg/debug"
	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
	"github.com/ContextBroker/ContextBroker/pkg/observability"
	"github.com/ContextBroker/ContextBroker/pkg/storage"
)

type key struct {
	tenant, entityType, id string
}

type entry struct {
	snap    storage.Snapshot
	lruElem *list.Element
}

// Store is an in-memory storage.Store.
type Store struct {
	mu      sync.RWMutex
	entries map[key]*entry
	lruList *list.List // front is the most recently written
	maxSize int        // 0 means unlimited
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates a store holding at most maxSize elements across all tenants.
// Zero means no limit.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[key]*entry),
		lruList: list.New(),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Put merges el into its snapshot.
func (s *Store) Put(ctx context.Context, el ngsi.ContextElement) (storage.Snapshot, error) {
	if err := storage.ValidateElement(el); err != nil {
		observability.StoredElementsTotal.WithLabelValues("memory", "error").Inc()
		return storage.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{tenant: storage.GetTenant(ctx), entityType: el.Type, id: el.ID}
	e, ok := s.entries[k]
	if ok {
		e.snap.Attributes = storage.MergeAttributes(e.snap.Attributes, el.Attributes)
		e.snap.Revision++
		e.snap.UpdatedAt = s.now()
		s.lruList.MoveToFront(e.lruElem)
	} else {
		if s.maxSize > 0 && len(s.entries) >= s.maxSize {
			s.evictOldest()
		}
		e = &entry{
			snap: storage.Snapshot{
				Tenant:     k.tenant,
				ID:         el.ID,
				Type:       el.Type,
				Attributes: storage.MergeAttributes(nil, el.Attributes),
				Revision:   1,
				UpdatedAt:  s.now(),
			},
			lruElem: s.lruList.PushFront(k),
		}
		s.entries[k] = e
	}

	observability.StoredElementsTotal.WithLabelValues("memory", "ok").Inc()
	debug.Log(debug.Storage, "stored", "store", "memory", "tenant", k.tenant,
		"type", k.entityType, "id", k.id, "revision", e.snap.Revision)
	return cloneSnapshot(e.snap), nil
}

// Get returns the snapshot of one element.
func (s *Store) Get(ctx context.Context, entityType, id string) (storage.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key{tenant: storage.GetTenant(ctx), entityType: entityType, id: id}]
	if !ok {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	return cloneSnapshot(e.snap), nil
}

// List returns one page of the tenant's snapshots.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) (storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant := storage.GetTenant(ctx)
	var matches []storage.Snapshot
	for k, e := range s.entries {
		if k.tenant != tenant {
			continue
		}
		if opts.Type != "" && k.entityType != opts.Type {
			continue
		}
		matches = append(matches, e.snap)
	}

	slices.SortFunc(matches, func(a, b storage.Snapshot) int {
		return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(a.ID, b.ID))
	})

	if afterType, afterID, ok := opts.AfterKey(); ok {
		i, _ := slices.BinarySearchFunc(matches, key{entityType: afterType, id: afterID}, func(snap storage.Snapshot, k key) int {
			return cmp.Or(cmp.Compare(snap.Type, k.entityType), cmp.Compare(snap.ID, k.id))
		})
		for i < len(matches) && matches[i].Type == afterType && matches[i].ID == afterID {
			i++
		}
		matches = matches[i:]
	}

	limit := opts.EffectiveLimit()
	result := storage.ListResult{Snapshots: []storage.Snapshot{}}
	if len(matches) > limit {
		matches = matches[:limit]
		result.HasMore = true
	}
	for _, m := range matches {
		result.Snapshots = append(result.Snapshots, cloneSnapshot(m))
	}
	if result.HasMore {
		result.Next = matches[len(matches)-1].Cursor()
	}
	return result, nil
}

// Delete removes an element's snapshot.
func (s *Store) Delete(ctx context.Context, entityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{tenant: storage.GetTenant(ctx), entityType: entityType, id: id}
	e, ok := s.entries[k]
	if !ok {
		return storage.ErrNotFound
	}
	s.lruList.Remove(e.lruElem)
	delete(s.entries, k)
	return nil
}

// Len returns the number of stored elements across all tenants.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// evictOldest removes the least recently written entry.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}
	k := back.Value.(key)
	s.lruList.Remove(back)
	delete(s.entries, k)
	debug.Log(debug.Storage, "evicted", "store", "memory", "tenant", k.tenant, "type", k.entityType, "id", k.id)
}

func cloneSnapshot(s storage.Snapshot) storage.Snapshot {
	s.Attributes = slices.Clone(s.Attributes)
	return s
}
