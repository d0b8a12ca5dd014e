// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating HTTP request data:
// period query parameters and JSON bodies checked with struct tags.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mfcpay/internal/core"

	"github.com/go-playground/validator/v10"
)

// maxBodyBytes bounds request bodies; imports of a month of exports fit well
// below it.
const maxBodyBytes = 8 << 20

var errBadRequest = errors.New("bad request")

// ParsePeriodParam reads the "period" query parameter (YYYY-MM). When it is
// absent the period containing now is used.
func ParsePeriodParam(query url.Values, now time.Time) (core.Period, error) {
	v := strings.TrimSpace(query.Get("period"))
	if v == "" {
		return core.PeriodOf(now), nil
	}
	return core.ParsePeriod(v)
}

// ParseOptionalPeriodParam is like ParsePeriodParam but returns the zero
// period when the parameter is absent.
func ParseOptionalPeriodParam(query url.Values) (core.Period, error) {
	v := strings.TrimSpace(query.Get("period"))
	if v == "" {
		return core.Period{}, nil
	}
	return core.ParsePeriod(v)
}

// RequestBodyParser decodes a JSON request body into a struct and validates
// it against its `validate` tags.
type RequestBodyParser struct {
	validate *validator.Validate
	maxBytes int64
}

// NewRequestBodyParser creates a parser sharing one validator, which caches
// struct metadata.
func NewRequestBodyParser(v *validator.Validate) *RequestBodyParser {
	if v == nil {
		v = validator.New(validator.WithRequiredStructEnabled())
	}
	return &RequestBodyParser{validate: v, maxBytes: maxBodyBytes}
}

// Decode reads r's body into dst and validates it. Unknown fields and
// trailing data are rejected.
func (p *RequestBodyParser) Decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("%w: content type must be application/json", errBadRequest)
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, p.maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return fmt.Errorf("%w: body exceeds %d bytes", errBadRequest, tooLarge.Limit)
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: empty body", errBadRequest)
		default:
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
	}
	if dec.More() {
		return fmt.Errorf("%w: body must contain a single JSON value", errBadRequest)
	}
	return p.validate.Struct(dst)
}

// sanitizeInput removes control characters except tab, newline and carriage
// return, and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
