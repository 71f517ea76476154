package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
)

// ErrorResponse is the body written by WriteError.
type ErrorResponse struct {
	Error *ngsi.Error `json:"error"`
}

// HTTPStatusFromError maps an error kind to an HTTP status. Envelope and
// element errors keep their NGSI code when it is a valid HTTP error status.
func HTTPStatusFromError(err *ngsi.Error) int {
	switch err.Kind {
	case ngsi.KindInvalidRequest:
		return http.StatusBadRequest
	case ngsi.KindLifecycle:
		return http.StatusConflict
	case ngsi.KindEnvelope, ngsi.KindElement:
		if err.Code >= 400 && err.Code <= 599 {
			return err.Code
		}
		return http.StatusBadGateway
	case ngsi.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes err wrapped in an ErrorResponse, deriving the status
// from its kind.
func WriteError(w http.ResponseWriter, err *ngsi.Error) {
	WriteJSON(w, HTTPStatusFromError(err), ErrorResponse{Error: err})
}
