// Package errors provides the API error envelope and the mapping from domain
// errors to HTTP responses.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/narvanalabs/fleetdeploy/internal/registry"
	"github.com/narvanalabs/fleetdeploy/internal/rollout"
	"github.com/narvanalabs/fleetdeploy/internal/store"
)

// Error codes for structured API responses.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeInternalError  = "internal_error"
)

// APIError represents a structured API error response.
type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID returns a copy of the error with the request ID set.
func (e *APIError) WithRequestID(requestID string) *APIError {
	c := *e
	c.RequestID = requestID
	return &c
}

// New creates a new APIError with the given code and message.
func New(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// NewInvalidRequest creates a validation error.
func NewInvalidRequest(message string) *APIError { return New(CodeInvalidRequest, message) }

// NewNotFound creates a not found error.
func NewNotFound(message string) *APIError { return New(CodeNotFound, message) }

// NewConflict creates a conflict error.
func NewConflict(message string) *APIError { return New(CodeConflict, message) }

// NewInternalError creates an internal server error.
func NewInternalError(message string) *APIError { return New(CodeInternalError, message) }

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *APIError) HTTPStatusCode() int {
	switch e.Code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// FromError maps a domain error onto the API envelope. Unknown errors become
// internal errors with a generic message so internals do not leak.
func FromError(err error) *APIError {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) {
		return FromValidation(verrs)
	}

	switch {
	case stderrors.Is(err, rollout.ErrInvalidRequest),
		stderrors.Is(err, registry.ErrInvalidRequest):
		return NewInvalidRequest(err.Error())
	case stderrors.Is(err, rollout.ErrNotFound),
		stderrors.Is(err, registry.ErrNotFound),
		stderrors.Is(err, store.ErrNotFound):
		return NewNotFound(err.Error())
	case stderrors.Is(err, rollout.ErrInvalidTransition),
		stderrors.Is(err, store.ErrDuplicateKey):
		return NewConflict(err.Error())
	}
	return NewInternalError("An unexpected error occurred")
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes an APIError as a JSON response.
func WriteError(w http.ResponseWriter, err *APIError) {
	WriteJSON(w, err.HTTPStatusCode(), err)
}

// ValidationError represents a field-level validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of field-level validation errors.
type ValidationErrors []ValidationError

// Add adds a new validation error for a field.
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// ToAPIError converts validation errors to an APIError with field details.
func (v ValidationErrors) ToAPIError() *APIError {
	if len(v) == 0 {
		return NewInvalidRequest("validation failed")
	}

	mainMessage := v[0].Message
	if len(v) > 1 {
		mainMessage = fmt.Sprintf("%s (and %d more errors)", mainMessage, len(v)-1)
	}

	return &APIError{
		Code:    CodeInvalidRequest,
		Message: mainMessage,
		Details: map[string]any{"fields": v},
	}
}

// FromValidation converts validator failures into field errors.
func FromValidation(errs validator.ValidationErrors) *APIError {
	var fields ValidationErrors
	for _, fe := range errs {
		fields.Add(fe.Field(), describe(fe))
	}
	return fields.ToAPIError()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "required_without":
		return fmt.Sprintf("%s is required when %s is not set", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fe.Field())
	case "len", "hexadecimal":
		return fmt.Sprintf("%s must be a %s", fe.Field(), "64 character hex digest")
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}
