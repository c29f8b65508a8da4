package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

// RequestError is a failure reported to the client as
// {"message": ..., "error": ...}. Err is optional and only its text is
// exposed.
type RequestError struct {
	Status  int
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// ValidationError reports a client input problem as 400.
func ValidationError(message string, err error) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Message: message, Err: err}
}

// NotFoundError reports a missing resource as 404.
func NotFoundError(message string) *RequestError {
	return &RequestError{Status: http.StatusNotFound, Message: message}
}

// InternalError reports a datastore or pipeline failure as 500.
func InternalError(message string, err error) *RequestError {
	return &RequestError{Status: http.StatusInternalServerError, Message: message, Err: err}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeRawJSON writes an already serialized body. Cached listings are served
// this way so hits and misses produce identical bytes.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteRequestError writes err as a JSON error body. Errors that are not a
// RequestError become a 500 with a generic message.
func WriteRequestError(w http.ResponseWriter, err error) {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		reqErr = InternalError("Internal server error", err)
	}
	body := errorBody{Message: reqErr.Message}
	if reqErr.Err != nil {
		body.Error = reqErr.Err.Error()
	}
	writeJSON(w, reqErr.Status, body)
}

// WriteError is an exported helper for returning JSON API errors from
// middleware outside this package.
func WriteError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Message: message})
}
