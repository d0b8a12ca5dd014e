package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mfcpay/internal/core"
	"mfcpay/internal/ledger"
	"mfcpay/internal/rules"
	"mfcpay/internal/services"
)

func TestJSONResponseBuilder_Basic(t *testing.T) {
	w := httptest.NewRecorder()

	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/api/overrides/1").
		Data(map[string]string{"id": "1"}).
		Write(w)

	if w.Code != http.StatusCreated {
		t.Errorf("Status code = %d, want %d", w.Code, http.StatusCreated)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if loc := w.Header().Get("Location"); loc != "/api/overrides/1" {
		t.Errorf("Location = %q", loc)
	}
	if w.Body.String() != "{\"id\":\"1\"}\n" {
		t.Errorf("Body = %q", w.Body.String())
	}
}

func TestJSONResponseBuilder_NoContent(t *testing.T) {
	w := httptest.NewRecorder()
	NewJSONResponse().Status(http.StatusNoContent).Data("ignored").Write(w)

	if w.Code != http.StatusNoContent {
		t.Errorf("Status code = %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("Body = %q, want empty", w.Body.String())
	}
}

func TestJSONResponseBuilder_EncodeFailure(t *testing.T) {
	w := httptest.NewRecorder()
	NewJSONResponse().Data(map[string]any{"bad": make(chan int)}).Write(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Status code = %d, want 500", w.Code)
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"bad request", fmt.Errorf("%w: empty body", errBadRequest), http.StatusBadRequest, "bad_request"},
		{"invalid period", fmt.Errorf("parse: %w", core.ErrInvalidPeriod), http.StatusBadRequest, "bad_request"},
		{"invalid category", core.ErrInvalidCategory, http.StatusBadRequest, "bad_request"},
		{"rule not found", rules.ErrRuleNotFound, http.StatusNotFound, "not_found"},
		{"override not found", ledger.ErrOverrideNotFound, http.StatusNotFound, "not_found"},
		{"ambiguous", rules.ErrAmbiguousLabel, http.StatusConflict, "conflict"},
		{"override exists", ledger.ErrOverrideExists, http.StatusConflict, "conflict"},
		{"transition", ledger.ErrInvalidTransition, http.StatusConflict, "conflict"},
		{"split mismatch", fmt.Errorf("rule x: %w", rules.ErrSplitMismatch), http.StatusUnprocessableEntity, "unprocessable"},
		{"invalid override", ledger.ErrInvalidOverride, http.StatusUnprocessableEntity, "unprocessable"},
		{"no writer", services.ErrNoWriter, http.StatusServiceUnavailable, "unavailable"},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			FromError(tt.err).Write(w)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body ErrorBody
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Error != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Error, tt.wantCode)
			}
		})
	}
}

func TestFromErrorHidesInternalMessage(t *testing.T) {
	w := httptest.NewRecorder()
	FromError(errors.New("connection string postgres://secret")).Write(w)
	if strings.Contains(w.Body.String(), "secret") {
		t.Fatalf("internal error leaked: %s", w.Body.String())
	}
}
