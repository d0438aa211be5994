// Package apierr implements the cache's small typed HTTP error and the
// JSON envelope every handler renders it through.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Kind names a symbolic error variant. It is rendered verbatim in the
// JSON envelope's "error" field for non-sensitive kinds; sensitive kinds
// are flattened to InternalServerError before the response is written.
type Kind string

const (
	KindRequestError          Kind = "RequestError"
	KindNotFound              Kind = "NotFound"
	KindInvalidToken          Kind = "InvalidToken"
	KindStorageError          Kind = "StorageError"
	KindManifestSerialization Kind = "ManifestSerializationError"
	KindInternalServerError   Kind = "InternalServerError"
)

// sensitive maps kinds whose message should never reach the client: it is
// replaced with a generic message and reported under InternalServerError.
var sensitive = map[Kind]bool{
	KindStorageError:          true,
	KindManifestSerialization: true,
	KindInternalServerError:   true,
}

// statusFor is the HTTP status associated with each kind.
var statusFor = map[Kind]int{
	KindRequestError:          http.StatusBadRequest,
	KindNotFound:              http.StatusNotFound,
	KindInvalidToken:          http.StatusUnauthorized,
	KindStorageError:          http.StatusInternalServerError,
	KindManifestSerialization: http.StatusInternalServerError,
	KindInternalServerError:   http.StatusInternalServerError,
}

// Error is the cache's typed error: a symbolic kind, the HTTP status it
// maps to, a message, and the underlying cause (if any) for logging.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a client-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an internal cause whose
// details should not reach the client directly.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: kind.String(), Cause: cause}
}

func (k Kind) String() string { return string(k) }

// Status returns the HTTP status an Error should be rendered as.
func (e *Error) Status() int {
	if status, ok := statusFor[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// envelope is the wire shape of the JSON error response.
type envelope struct {
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSON renders err as the cache's standard JSON error envelope,
// flattening sensitive kinds to InternalServerError with a generic message
// before responding.
func WriteJSON(w http.ResponseWriter, err *Error) {
	kind := err.Kind
	message := err.Message
	if sensitive[kind] {
		kind = KindInternalServerError
		message = "internal server error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	_ = json.NewEncoder(w).Encode(envelope{
		Code:    err.Status(),
		Error:   string(kind),
		Message: message,
	})
}
