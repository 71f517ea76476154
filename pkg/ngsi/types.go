package ngsi

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// EntityDescriptor selects one entity, or a set of entities when the
// identifier is a pattern.
type EntityDescriptor struct {
	ID        string
	Type      string
	IsPattern bool
}

// entityWire is the transmitted form of an EntityDescriptor.
type entityWire struct {
	Type      string `json:"type,omitempty"`
	IsPattern string `json:"isPattern,omitempty"`
	ID        string `json:"id"`
}

// MarshalJSON encodes the descriptor. The pattern flag is sent only when set.
func (e EntityDescriptor) MarshalJSON() ([]byte, error) {
	w := entityWire{Type: e.Type, ID: e.ID}
	if e.IsPattern {
		w.IsPattern = "true"
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a descriptor. isPattern may be a bool or a string.
func (e *EntityDescriptor) UnmarshalJSON(data []byte) error {
	var w struct {
		Type      string          `json:"type"`
		IsPattern json.RawMessage `json:"isPattern"`
		ID        string          `json:"id"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.ID = w.ID
	e.Type = w.Type
	e.IsPattern = false
	if len(w.IsPattern) > 0 {
		var v any
		if err := json.Unmarshal(w.IsPattern, &v); err != nil {
			return err
		}
		switch p := v.(type) {
		case bool:
			e.IsPattern = p
		case string:
			e.IsPattern = p == "true"
		}
	}
	return nil
}

// ContextElement is one entity's current attribute values as returned by
// the broker. Attributes keep the order the broker returned them in.
type ContextElement struct {
	ID         string             `json:"id"`
	Type       string             `json:"type,omitempty"`
	Attributes []ContextAttribute `json:"attributes,omitempty"`
}

// Attribute returns the first attribute with the given name.
func (c *ContextElement) Attribute(name string) (ContextAttribute, bool) {
	for _, a := range c.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return ContextAttribute{}, false
}

// ContextAttribute is a named, typed attribute value. Value holds the result
// of DecodeScalar for textual values, or the decoded JSON otherwise.
type ContextAttribute struct {
	Name      string     `json:"name"`
	Type      string     `json:"type,omitempty"`
	Value     any        `json:"value,omitempty"`
	Metadatas []Metadata `json:"metadatas,omitempty"`
}

// UnmarshalJSON decodes an attribute and types its value. Older brokers send
// the value as "contextValue"; both spellings are accepted.
func (a *ContextAttribute) UnmarshalJSON(data []byte) error {
	var w struct {
		Name         string          `json:"name"`
		Type         string          `json:"type"`
		Value        json.RawMessage `json:"value"`
		ContextValue json.RawMessage `json:"contextValue"`
		Metadatas    []Metadata      `json:"metadatas"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	raw := w.Value
	if len(raw) == 0 {
		raw = w.ContextValue
	}
	v, err := decodeValue(raw)
	if err != nil {
		return fmt.Errorf("attribute %q: %w", w.Name, err)
	}

	*a = ContextAttribute{
		Name:      w.Name,
		Type:      w.Type,
		Value:     v,
		Metadatas: w.Metadatas,
	}
	return nil
}

// Metadata annotates an attribute.
type Metadata struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value any    `json:"value,omitempty"`
}

// UnmarshalJSON decodes metadata and types its value.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var w struct {
		Name  string          `json:"name"`
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v, err := decodeValue(w.Value)
	if err != nil {
		return fmt.Errorf("metadata %q: %w", w.Name, err)
	}
	*m = Metadata{Name: w.Name, Type: w.Type, Value: v}
	return nil
}

// StatusCode is the per-element or envelope status returned by the broker.
type StatusCode struct {
	Code         int    `json:"code"`
	ReasonPhrase string `json:"reasonPhrase,omitempty"`
	Details      string `json:"details,omitempty"`
}

// UnmarshalJSON accepts the code as a number or a numeric string.
func (s *StatusCode) UnmarshalJSON(data []byte) error {
	var w struct {
		Code         json.RawMessage `json:"code"`
		ReasonPhrase string          `json:"reasonPhrase"`
		Details      json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	code, err := parseCode(w.Code)
	if err != nil {
		return err
	}

	*s = StatusCode{Code: code, ReasonPhrase: w.ReasonPhrase}
	if len(w.Details) > 0 {
		var details any
		if err := json.Unmarshal(w.Details, &details); err == nil {
			if str, ok := details.(string); ok {
				s.Details = str
			} else {
				s.Details = string(w.Details)
			}
		}
	}
	return nil
}

func parseCode(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	switch c := v.(type) {
	case float64:
		return int(c), nil
	case string:
		n, err := strconv.Atoi(c)
		if err != nil {
			return 0, fmt.Errorf("status code %q is not numeric", c)
		}
		return n, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("status code has unexpected type %T", v)
	}
}

// ContextResponse pairs an element with its status. It is a wire-level type
// and is not retained past reconciliation.
type ContextResponse struct {
	ContextElement ContextElement `json:"contextElement"`
	StatusCode     StatusCode     `json:"statusCode"`
}

// envelope is the union of every payload shape the reconciler accepts:
// queryContext responses, notifyContextRequest bodies and error replies.
type envelope struct {
	SubscriptionID   string            `json:"subscriptionId,omitempty"`
	Originator       string            `json:"originator,omitempty"`
	ContextResponses []ContextResponse `json:"contextResponses,omitempty"`
	ErrorCode        *StatusCode       `json:"errorCode,omitempty"`
	OrionError       *StatusCode       `json:"orionError,omitempty"`
}

// NotifyCondition tells the broker when to notify.
type NotifyCondition struct {
	Type       string   `json:"type"`
	CondValues []string `json:"condValues,omitempty"`
}

// NotifyOnChange is the only condition type the engine issues.
const NotifyOnChange = "ONCHANGE"

// QueryContextRequest is the body of /NGSI10/queryContext.
type QueryContextRequest struct {
	Entities   []EntityDescriptor `json:"entities"`
	Attributes []string           `json:"attributes,omitempty"`
}

// SubscribeContextRequest is the body of /NGSI10/subscribeContext.
type SubscribeContextRequest struct {
	Entities         []EntityDescriptor `json:"entities"`
	Attributes       []string           `json:"attributes,omitempty"`
	Reference        string             `json:"reference"`
	Duration         string             `json:"duration,omitempty"`
	Throttling       string             `json:"throttling,omitempty"`
	NotifyConditions []NotifyCondition  `json:"notifyConditions"`
}

// UpdateContextSubscriptionRequest is the body of
// /NGSI10/updateContextSubscription.
type UpdateContextSubscriptionRequest struct {
	SubscriptionID   string            `json:"subscriptionId"`
	Duration         string            `json:"duration,omitempty"`
	Throttling       string            `json:"throttling,omitempty"`
	NotifyConditions []NotifyCondition `json:"notifyConditions,omitempty"`
}

// UnsubscribeContextRequest is the body of /NGSI10/unsubscribeContext.
type UnsubscribeContextRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

// SubscribeResponse is the metadata the broker returns for subscribe and
// update calls.
type SubscribeResponse struct {
	SubscriptionID string   `json:"subscriptionId"`
	Duration       Duration `json:"duration"`
	Throttling     Duration `json:"throttling"`
}

// SubscribeEnvelope wraps SubscribeResponse and the error shapes a broker
// may use instead.
type SubscribeEnvelope struct {
	SubscribeResponse *SubscribeResponse `json:"subscribeResponse,omitempty"`
	SubscribeError    *struct {
		SubscriptionID string      `json:"subscriptionId,omitempty"`
		ErrorCode      *StatusCode `json:"errorCode,omitempty"`
	} `json:"subscribeError,omitempty"`
	ErrorCode  *StatusCode `json:"errorCode,omitempty"`
	OrionError *StatusCode `json:"orionError,omitempty"`
}

// Err returns the envelope error, if the broker reported one.
func (s *SubscribeEnvelope) Err() *Error {
	switch {
	case s.SubscribeError != nil && s.SubscribeError.ErrorCode != nil:
		return NewEnvelopeError(s.SubscribeError.ErrorCode.Code, s.SubscribeError.ErrorCode.ReasonPhrase)
	case s.ErrorCode != nil:
		return NewEnvelopeError(s.ErrorCode.Code, s.ErrorCode.ReasonPhrase)
	case s.OrionError != nil:
		return NewEnvelopeError(s.OrionError.Code, s.OrionError.ReasonPhrase)
	}
	return nil
}
