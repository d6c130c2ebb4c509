// Package middleware carries the HTTP plumbing shared by every route:
// request logging, panic recovery, and the JSON error envelope handlers
// respond with.
package middleware

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
)

// Error codes carried in the envelope's error field. Clients branch on the
// code; the message is display text only.
const (
	ErrNotFound      = "not_found"
	ErrBadRequest    = "bad_request"
	ErrConflict      = "conflict"
	ErrValidation    = "validation_error"
	ErrUpstream      = "upstream_error"
	ErrInternalError = "internal_error"
)

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes the JSON error envelope with the given status code.
func WriteError(w http.ResponseWriter, status int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{
		Error:   errCode,
		Message: message,
	})
}

// ErrorRecovery turns a handler panic into a 500 envelope instead of a
// dropped connection, logging the stack for the operator.
func ErrorRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("Panic in %s %s: %v\n%s", r.Method, r.URL.Path, err, debug.Stack())
				WriteError(w, http.StatusInternalServerError, ErrInternalError, "An unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
