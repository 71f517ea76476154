package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
)

// MapHTTPError converts a non-2xx broker reply into a transport error that
// carries the HTTP status as its code. The reason phrase of an NGSI error
// body is used as message when present.
func MapHTTPError(resp *http.Response) *ngsi.Error {
	message := ExtractErrorMessage(resp.Body)
	if message == "" {
		message = fmt.Sprintf("broker returned HTTP %d", resp.StatusCode)
	}
	return ngsi.NewHTTPError(resp.StatusCode, message)
}

// MapNetworkError converts a network-level failure (connection refused,
// timeout, DNS) into a transport error wrapping the cause.
func MapNetworkError(err error) *ngsi.Error {
	return ngsi.NewTransportError(fmt.Sprintf("broker connection error: %s", err.Error()), err)
}

// ExtractErrorMessage reads at most 4KiB of an error body and returns its
// reason phrase, or the trimmed body text when it is not an NGSI error.
func ExtractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}

	var errResp struct {
		ErrorCode   *ngsi.StatusCode `json:"errorCode"`
		OrionError  *ngsi.StatusCode `json:"orionError"`
		Description string           `json:"description"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil {
		switch {
		case errResp.ErrorCode != nil && errResp.ErrorCode.ReasonPhrase != "":
			return errResp.ErrorCode.ReasonPhrase
		case errResp.OrionError != nil && errResp.OrionError.ReasonPhrase != "":
			return errResp.OrionError.ReasonPhrase
		case errResp.Description != "":
			return errResp.Description
		}
	}

	if len(data) > 200 {
		return string(data[:200])
	}
	return string(data)
}
