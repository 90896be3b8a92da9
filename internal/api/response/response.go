// Package response writes the API's JSON envelopes. Success payloads ride
// under "data", collections add a "meta" block with the pagination window,
// and errors carry a stable UPPER_SNAKE code that clients can switch on
// without parsing the human-readable message.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// PaginationMeta describes the window a collection response covers.
type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

type payload struct {
	Data any             `json:"data"`
	Meta *PaginationMeta `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes data in the standard envelope with a 200.
func JSON(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, payload{Data: data})
}

// Created writes data in the standard envelope with a 201.
func Created(w http.ResponseWriter, data any) {
	write(w, http.StatusCreated, payload{Data: data})
}

// Accepted writes data in the standard envelope with a 202. Job submission
// uses it: the job is admitted but its work happens asynchronously.
func Accepted(w http.ResponseWriter, data any) {
	write(w, http.StatusAccepted, payload{Data: data})
}

// Collection writes a paginated list with its meta block.
func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	write(w, http.StatusOK, payload{Data: data, Meta: &meta})
}

// Error writes the error envelope. code is a stable machine-readable
// identifier; details is optional structured context (e.g. field errors).
func Error(w http.ResponseWriter, status int, code, message string, details any) {
	write(w, status, struct {
		Error apiError `json:"error"`
	}{apiError{Code: code, Message: message, Details: details}})
}

// write marshals before touching the ResponseWriter so an unmarshalable
// value degrades to a 500 instead of a truncated body under a 2xx status.
func write(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshaling response", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":"INTERNAL_ERROR","message":"Failed to encode response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
