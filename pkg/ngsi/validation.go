package ngsi

import (
	"fmt"
	"net/url"
	"regexp"
)

// Descriptor describes what to read from the broker. Without a Subscription
// it is a one-shot query; with one it is a standing subscription.
type Descriptor struct {
	Entities     []EntityDescriptor
	Attributes   []string
	Subscription *SubscriptionDescriptor
}

// SubscriptionDescriptor configures a standing subscription. Duration and
// Throttling are ISO-8601 texts. CondValues defaults to the descriptor's
// attributes when nil.
type SubscriptionDescriptor struct {
	Duration   string
	Throttling string
	CondValues []string

	// Reference is the push endpoint the broker notifies. When set, the
	// engine connects to it as a server-sent event stream.
	Reference string

	// Webhook configures the local callback receiver used when Reference
	// is empty and Poll is false.
	Webhook *WebhookConfig

	// Poll re-queries the broker continuously instead of registering a
	// remote subscription.
	Poll bool
}

// WebhookConfig configures the local callback receiver.
type WebhookConfig struct {
	// Addr is the listen address. Empty means an ephemeral loopback port.
	Addr string
	// Path is the callback path. Empty means a random /notify/<uuid> path.
	Path string
	// AdvertiseURL overrides the reference sent to the broker, for receivers
	// behind NAT or a proxy.
	AdvertiseURL string
}

// SubscriptionPatch is the mutable part of a subscription.
type SubscriptionPatch struct {
	Duration   string
	Throttling string
	CondValues []string
}

// PatternEntity builds a descriptor matching every entity whose identifier
// matches re.
func PatternEntity(re *regexp.Regexp, entityType string) EntityDescriptor {
	return EntityDescriptor{ID: re.String(), Type: entityType, IsPattern: true}
}

// Normalize returns the transmitted form of the descriptor. Identifiers
// written as "/re/" are turned into patterns, and pattern identifiers are
// checked to compile.
func (e EntityDescriptor) Normalize() (EntityDescriptor, *Error) {
	if e.ID == "" {
		return e, NewInvalidRequestError("entities.id", "entity id must not be empty")
	}

	if len(e.ID) > 1 && e.ID[0] == '/' && e.ID[len(e.ID)-1] == '/' {
		e.ID = e.ID[1 : len(e.ID)-1]
		e.IsPattern = true
	}

	if e.IsPattern {
		if _, err := regexp.Compile(e.ID); err != nil {
			return e, NewInvalidRequestError("entities.id",
				fmt.Sprintf("invalid entity pattern %q: %s", e.ID, err.Error()))
		}
	}

	return e, nil
}

// Normalize validates the descriptor and returns a copy with every entity
// normalized. It never mutates the receiver.
func (d Descriptor) Normalize() (Descriptor, *Error) {
	if len(d.Entities) == 0 {
		return d, NewInvalidRequestError("entities", "entities must not be empty")
	}

	out := Descriptor{
		Entities:   make([]EntityDescriptor, len(d.Entities)),
		Attributes: append([]string(nil), d.Attributes...),
	}
	for i, e := range d.Entities {
		n, err := e.Normalize()
		if err != nil {
			return d, err
		}
		out.Entities[i] = n
	}

	if d.Subscription != nil {
		sub, err := d.Subscription.validate()
		if err != nil {
			return d, err
		}
		out.Subscription = sub
	}

	return out, nil
}

func (s *SubscriptionDescriptor) validate() (*SubscriptionDescriptor, *Error) {
	if s.Duration != "" {
		if _, err := ParseDuration(s.Duration); err != nil {
			return nil, NewInvalidRequestError("subscription.duration", err.Error())
		}
	}
	if s.Throttling != "" {
		if _, err := ParseDuration(s.Throttling); err != nil {
			return nil, NewInvalidRequestError("subscription.throttling", err.Error())
		}
	}

	if s.Reference != "" {
		if s.Webhook != nil {
			return nil, NewInvalidRequestError("subscription.reference", "reference and webhook are mutually exclusive")
		}
		u, err := url.Parse(s.Reference)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, NewInvalidRequestError("subscription.reference", "reference must be an absolute http(s) URL")
		}
	}

	if s.Poll && (s.Reference != "" || s.Webhook != nil) {
		return nil, NewInvalidRequestError("subscription.poll", "polling cannot be combined with a push transport")
	}

	cp := *s
	if s.CondValues != nil {
		cp.CondValues = make([]string, len(s.CondValues))
		copy(cp.CondValues, s.CondValues)
	}
	if s.Webhook != nil {
		wh := *s.Webhook
		cp.Webhook = &wh
	}
	return &cp, nil
}

// QueryRequest builds the queryContext body. Attributes are sent only when
// present.
func (d Descriptor) QueryRequest() QueryContextRequest {
	req := QueryContextRequest{Entities: d.Entities}
	if len(d.Attributes) > 0 {
		req.Attributes = d.Attributes
	}
	return req
}

// SubscribeRequest builds the subscribeContext body for the given delivery
// reference. Condition values fall back to the attributes when unset.
func (d Descriptor) SubscribeRequest(reference string) SubscribeContextRequest {
	req := SubscribeContextRequest{
		Entities:  d.Entities,
		Reference: reference,
	}
	if len(d.Attributes) > 0 {
		req.Attributes = d.Attributes
	}

	var condValues []string
	if d.Subscription != nil {
		req.Duration = d.Subscription.Duration
		req.Throttling = d.Subscription.Throttling
		condValues = d.Subscription.CondValues
	}
	if condValues == nil {
		condValues = d.Attributes
	}
	req.NotifyConditions = []NotifyCondition{{Type: NotifyOnChange, CondValues: condValues}}

	return req
}

// UpdateRequest builds the updateContextSubscription body for a patch.
func (p SubscriptionPatch) UpdateRequest(subscriptionID string) UpdateContextSubscriptionRequest {
	req := UpdateContextSubscriptionRequest{
		SubscriptionID: subscriptionID,
		Duration:       p.Duration,
		Throttling:     p.Throttling,
	}
	if p.CondValues != nil {
		req.NotifyConditions = []NotifyCondition{{Type: NotifyOnChange, CondValues: p.CondValues}}
	}
	return req
}

// Validate checks the patch fields.
func (p SubscriptionPatch) Validate() *Error {
	if p.Duration != "" {
		if _, err := ParseDuration(p.Duration); err != nil {
			return NewInvalidRequestError("duration", err.Error())
		}
	}
	if p.Throttling != "" {
		if _, err := ParseDuration(p.Throttling); err != nil {
			return NewInvalidRequestError("throttling", err.Error())
		}
	}
	return nil
}
