package halo

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx reply from the Halo API with its status, parsed
// error body, and the raw response so callers can inspect every signal the
// service attached to the failure.
type APIError struct {
	// StatusCode is the HTTP status of the failed call.
	StatusCode int `json:"code"`
	// Status is the canonical status string, e.g. "PAYMENT_REQUIRED".
	Status string `json:"status,omitempty"`
	// Message is the human-readable error message.
	Message string `json:"message"`
	// Details carries the structured detail objects from the error body.
	Details []interface{} `json:"details,omitempty"`

	// Header holds the HTTP response headers of the failed call.
	Header http.Header `json:"-"`
	// Body is the raw response body.
	Body []byte `json:"-"`
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("halo: %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("halo: %d: %s", e.StatusCode, e.Message)
}

// ResponseHeader returns the headers of the failed HTTP response.
func (e *APIError) ResponseHeader() http.Header { return e.Header }

// ErrorDetails returns the structured detail objects of the error body.
func (e *APIError) ErrorDetails() []interface{} { return e.Details }

// ResponseBody returns the raw response body of the failed call.
func (e *APIError) ResponseBody() []byte { return e.Body }

// newAPIError builds an APIError from a failed response. The body is parsed
// as the standard `{"error": {...}}` envelope; anything else is kept verbatim
// as the message.
func newAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}

	var wire struct {
		Error struct {
			Code    int           `json:"code"`
			Message string        `json:"message"`
			Status  string        `json:"status"`
			Details []interface{} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && (wire.Error.Message != "" || wire.Error.Status != "") {
		apiErr.Message = wire.Error.Message
		apiErr.Status = wire.Error.Status
		apiErr.Details = wire.Error.Details
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
