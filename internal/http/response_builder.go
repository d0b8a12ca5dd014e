// Package http provides HTTP server and handler implementations.
//
// This file implements the Builder Pattern for constructing JSON responses,
// so every handler formats bodies and errors the same way.

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"mfcpay/internal/core"
	"mfcpay/internal/ledger"
	"mfcpay/internal/log"
	"mfcpay/internal/rules"
	"mfcpay/internal/services"

	"github.com/go-playground/validator/v10"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// FieldError names a request field that failed validation.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	data       any
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

// Header adds a custom header to the response.
func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Data sets the value encoded as the response body.
func (b *JSONResponseBuilder) Data(v any) *JSONResponseBuilder {
	b.data = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.data == nil || b.statusCode == http.StatusNoContent {
		w.WriteHeader(b.statusCode)
		return
	}

	body, err := json.Marshal(b.data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal_error","message":"failed to encode response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.statusCode)
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n"))
}

// ErrorResponse creates a standard JSON error response.
func ErrorResponse(statusCode int, code, message string) *JSONResponseBuilder {
	return NewJSONResponse().
		Status(statusCode).
		Data(ErrorBody{Error: code, Message: message})
}

// BadRequestError creates a 400 Bad Request error response.
func BadRequestError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, "bad_request", message)
}

// NotFoundError creates a 404 Not Found error response.
func NotFoundError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusNotFound, "not_found", message)
}

// ConflictError creates a 409 Conflict error response.
func ConflictError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusConflict, "conflict", message)
}

// UnprocessableEntityError creates a 422 Unprocessable Entity error response.
func UnprocessableEntityError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusUnprocessableEntity, "unprocessable", message)
}

// InternalServerError creates a 500 Internal Server Error response.
func InternalServerError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusInternalServerError, "internal_error", message)
}

// ServiceUnavailableError creates a 503 Service Unavailable error response.
func ServiceUnavailableError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusServiceUnavailable, "unavailable", message)
}

// ValidationError creates a 400 response listing the failed fields.
func ValidationError(errs validator.ValidationErrors) *JSONResponseBuilder {
	body := ErrorBody{Error: "validation_failed", Message: "request failed validation"}
	for _, fe := range errs {
		body.Fields = append(body.Fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return NewJSONResponse().Status(http.StatusBadRequest).Data(body)
}

// statusFor maps a domain error to its HTTP status and the error type used
// in logs.
func statusFor(err error) (int, string) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs),
		errors.Is(err, errBadRequest),
		errors.Is(err, core.ErrInvalidPeriod):
		return http.StatusBadRequest, log.ErrorTypeValidation
	case errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, ledger.ErrOverrideNotFound),
		errors.Is(err, services.ErrCoachNotFound):
		return http.StatusNotFound, log.ErrorTypeNotFound
	case errors.Is(err, rules.ErrAmbiguousLabel),
		errors.Is(err, rules.ErrDuplicateName),
		errors.Is(err, ledger.ErrOverrideExists),
		errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, log.ErrorTypeConflict
	case errors.Is(err, rules.ErrSplitMismatch),
		errors.Is(err, rules.ErrNegativeShare),
		errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, ledger.ErrInvalidOverride):
		return http.StatusUnprocessableEntity, log.ErrorTypeValidation
	case errors.Is(err, services.ErrNoWriter):
		return http.StatusServiceUnavailable, log.ErrorTypeConfiguration
	default:
		return http.StatusInternalServerError, log.ErrorTypeInternal
	}
}

// FromError builds the error response for err. Internal errors do not leak
// their message.
func FromError(err error) *JSONResponseBuilder {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return ValidationError(verrs)
	}
	status, _ := statusFor(err)
	switch status {
	case http.StatusBadRequest:
		return BadRequestError(err.Error())
	case http.StatusNotFound:
		return NotFoundError(err.Error())
	case http.StatusConflict:
		return ConflictError(err.Error())
	case http.StatusUnprocessableEntity:
		return UnprocessableEntityError(err.Error())
	case http.StatusServiceUnavailable:
		return ServiceUnavailableError(err.Error())
	default:
		return InternalServerError("internal error")
	}
}
