// Package apierror defines the hub's API error taxonomy and JSON wire
// format. All error responses use the envelope {"error": {...}}.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Error codes carried in the wire "code" field.
const (
	CodeValidationFailed     = "validation_failed"
	CodeInvalidFormat        = "invalid_format"
	CodeInvalidLength        = "invalid_length"
	CodeInvalidHex           = "invalid_hex"
	CodeInvalidISCC          = "invalid_iscc"
	CodeTimestampOutOfRange  = "timestamp_out_of_range"
	CodeNonceMismatch        = "nonce_mismatch"
	CodeInvalidSignature     = "invalid_signature"
	CodeNonceReuse           = "nonce_reuse"
	CodeDuplicateDeclaration = "duplicate_declaration"
	CodeSequencerError       = "sequencer_error"
	CodeNotFound             = "not_found"
	CodeUnauthorized         = "unauthorized"
)

// Error is a structured API error. It maps one-to-one onto the wire
// representation and doubles as a regular Go error.
type Error struct {
	// Status is the HTTP status code; not serialized.
	Status int `json:"-"`
	// Code is the machine-readable error identifier.
	Code string `json:"code"`
	// Message is a human-readable explanation.
	Message string `json:"message"`
	// Field names the offending request field, when known.
	Field string `json:"field,omitempty"`
	// Context carries extra code-specific keys (e.g. existing_iscc_id).
	Context map[string]any `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an Error with an explicit status and code.
func New(status int, code, field, message string) *Error {
	return &Error{Status: status, Code: code, Field: field, Message: message}
}

// Validation returns a 422 error for a failed field check.
func Validation(code, field, message string) *Error {
	return &Error{Status: http.StatusUnprocessableEntity, Code: code, Field: field, Message: message}
}

// InvalidSignature returns the 401 emitted when a declaration's Ed25519
// proof does not verify.
func InvalidSignature(message string) *Error {
	if message == "" {
		message = "signature verification failed"
	}
	return &Error{Status: http.StatusUnauthorized, Code: CodeInvalidSignature, Field: "signature", Message: message}
}

// NonceReuse returns the 400 emitted when a nonce has already been
// consumed by an accepted declaration.
func NonceReuse(nonce string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    CodeNonceReuse,
		Field:   "nonce",
		Message: fmt.Sprintf("nonce %s has already been used", nonce),
	}
}

// Duplicate returns the 409 emitted when the same datahash was already
// declared, pointing the caller at the existing declaration.
func Duplicate(existingISCCID, existingActor string) *Error {
	return &Error{
		Status:  http.StatusConflict,
		Code:    CodeDuplicateDeclaration,
		Field:   "datahash",
		Message: "datahash has already been declared",
		Context: map[string]any{
			"existing_iscc_id": existingISCCID,
			"existing_actor":   existingActor,
		},
	}
}

// Sequencer returns the 400 emitted when the sequencer cannot accept an
// event (e.g. wall clock drifted behind the issued timestamps).
func Sequencer(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeSequencerError, Message: message}
}

// NotFound returns a 404 naming the missing resource.
func NotFound(message, resourceType, resourceID string) *Error {
	return &Error{
		Status:  http.StatusNotFound,
		Code:    CodeNotFound,
		Message: message,
		Context: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

// Unauthorized returns a 401 for requests lacking valid authorization.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "authorization required"
	}
	return &Error{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: message}
}

// envelope is the wire shape: {"error": {"message": ..., "code": ..., ...}}.
type envelope struct {
	Error map[string]any `json:"error"`
}

// Write serializes err as the hub's JSON error envelope. Non-*Error
// values are logged and masked as a generic 500.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		slog.Error("internal server error", "error", err)
		apiErr = &Error{
			Status:  http.StatusInternalServerError,
			Code:    "internal_error",
			Message: "an unexpected error occurred",
		}
	}

	body := map[string]any{
		"message": apiErr.Message,
		"code":    apiErr.Code,
	}
	if apiErr.Field != "" {
		body["field"] = apiErr.Field
	}
	for k, v := range apiErr.Context {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(envelope{Error: body})
}
