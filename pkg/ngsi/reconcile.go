package ngsi

import (
	"encoding/json"
	"fmt"
)

// Reconcile turns a raw broker payload into context elements and at most one
// terminal error. It is pure: the same payload always yields the same result.
//
// An envelope error code yields no elements. Otherwise context responses are
// examined in order, and the first one with a non-200 status stops the scan:
// the elements decoded before it are returned together with an element error
// that references it. An undecodable payload yields a transport error.
func Reconcile(payload []byte) ([]ContextElement, *Error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, NewTransportError(fmt.Sprintf("malformed payload: %s", err.Error()), err)
	}

	if ec := env.errorCode(); ec != nil {
		return nil, NewEnvelopeError(ec.Code, ec.ReasonPhrase)
	}

	elements := make([]ContextElement, 0, len(env.ContextResponses))
	for i := range env.ContextResponses {
		cr := &env.ContextResponses[i]
		if cr.StatusCode.Code != StatusOK {
			el := cr.ContextElement
			return elements, NewElementError(cr.StatusCode.Code, cr.StatusCode.ReasonPhrase, &el)
		}
		elements = append(elements, cr.ContextElement)
	}

	return elements, nil
}

// errorCode returns the envelope-level error, preferring the NGSI10 field.
func (e *envelope) errorCode() *StatusCode {
	if e.ErrorCode != nil {
		return e.ErrorCode
	}
	return e.OrionError
}
