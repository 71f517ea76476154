package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
)

// Snapshot is the archived state of one element.
type Snapshot struct {
	Tenant     string                  `json:"tenant,omitempty"`
	ID         string                  `json:"id"`
	Type       string                  `json:"type,omitempty"`
	Attributes []ngsi.ContextAttribute `json:"attributes"`
	// Revision counts the writes to this element, starting at 1.
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Element returns the snapshot as a context element.
func (s Snapshot) Element() ngsi.ContextElement {
	return ngsi.ContextElement{ID: s.ID, Type: s.Type, Attributes: s.Attributes}
}

// Cursor identifies the snapshot's position in a listing.
func (s Snapshot) Cursor() string {
	return s.Type + "/" + s.ID
}

// ListOptions filters and pages a listing. Snapshots are ordered by type,
// then id.
type ListOptions struct {
	// Type keeps only elements of this type when set.
	Type string
	// After is the Cursor of the last snapshot of the previous page.
	After string
	// Limit is the page size. Zero means DefaultListLimit.
	Limit int
}

// Page size bounds.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// EffectiveLimit clamps Limit to (0, MaxListLimit].
func (o ListOptions) EffectiveLimit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return o.Limit
	}
}

// AfterKey splits After into type and id. ok is false when After is empty.
func (o ListOptions) AfterKey() (entityType, id string, ok bool) {
	if o.After == "" {
		return "", "", false
	}
	entityType, id, found := strings.Cut(o.After, "/")
	if !found {
		return "", o.After, true
	}
	return entityType, id, true
}

// ListResult is one page of snapshots.
type ListResult struct {
	Snapshots []Snapshot `json:"data"`
	HasMore   bool       `json:"hasMore"`
	Next      string     `json:"next,omitempty"`
}

// Store archives snapshots. Every method is scoped to the tenant of ctx.
type Store interface {
	// Put merges el into the element's snapshot: attributes replace stored
	// attributes of the same name, others are kept.
	Put(ctx context.Context, el ngsi.ContextElement) (Snapshot, error)
	Get(ctx context.Context, entityType, id string) (Snapshot, error)
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	Delete(ctx context.Context, entityType, id string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// ValidateElement rejects elements that cannot be keyed.
func ValidateElement(el ngsi.ContextElement) error {
	if el.ID == "" {
		return errors.New("element without id")
	}
	return nil
}

// MergeAttributes returns stored with every attribute of incoming applied.
// Attribute order is stable: replaced attributes keep their position, new
// ones are appended.
func MergeAttributes(stored, incoming []ngsi.ContextAttribute) []ngsi.ContextAttribute {
	out := make([]ngsi.ContextAttribute, len(stored), len(stored)+len(incoming))
	copy(out, stored)
	for _, a := range incoming {
		replaced := false
		for i := range out {
			if out[i].Name == a.Name {
				out[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, a)
		}
	}
	return out
}
