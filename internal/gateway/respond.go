package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
)

// TraceHeader carries the request's trace ID on every response.
const TraceHeader = "x-keyfront-trace-id"

// Response is the envelope every endpoint returns.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// WriteJSON writes a success envelope.
func WriteJSON(w http.ResponseWriter, status int, traceID string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(TraceHeader, traceID)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

// WriteError writes an error envelope. Non-gateway errors are mapped to
// INTERNAL_ERROR; the original error stays server-side.
func WriteError(w http.ResponseWriter, traceID string, err error) {
	ge := AsError(err)
	ge.TraceID = traceID

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(TraceHeader, traceID)
	w.WriteHeader(ge.HTTPStatus)
	json.NewEncoder(w).Encode(Response{Success: false, Error: ge})
}

// AsError coerces any error to a *Error, defaulting to INTERNAL_ERROR.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return Internal(err)
}
