package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStateError_Matching(t *testing.T) {
	err := fmt.Errorf("refund: %w", Conflict("escrow", "esc_1", "refund", "released"))

	if !errors.Is(err, ErrInvalidState) {
		t.Error("conflict should match ErrInvalidState")
	}
	if !errors.Is(err, ErrStateConflict) {
		t.Error("conflict should match ErrStateConflict")
	}
	if cur, ok := CurrentState(err); !ok || cur != "released" {
		t.Errorf("CurrentState = %q, %v", cur, ok)
	}

	plain := InvalidState("dispute", "dsp_1", "escalate", "open")
	if errors.Is(plain, ErrStateConflict) {
		t.Error("plain invalid state must not match ErrStateConflict")
	}
}

func TestValidation_Matching(t *testing.T) {
	inner := errors.New("amount: must be positive")
	err := Validation(inner)
	if !errors.Is(err, ErrValidation) {
		t.Error("expected ErrValidation")
	}
	if !errors.Is(err, inner) {
		t.Error("expected wrapped cause to be reachable")
	}
	if Validation(nil) != nil {
		t.Error("Validation(nil) should be nil")
	}
}

func TestStorage_Matching(t *testing.T) {
	cause := errors.New("connection refused")
	err := Storage("ledger apply", cause)
	if !errors.Is(err, ErrStorageUnavailable) || !errors.Is(err, cause) {
		t.Errorf("expected both kinds to match, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{Validationf("bad"), http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{Conflict("escrow", "e", "release", "refunded"), http.StatusConflict},
		{ErrAmountMismatch, http.StatusUnprocessableEntity},
		{ErrConfirmationTimeout, http.StatusGatewayTimeout},
		{ErrOfferExpired, http.StatusGone},
		{Storage("x", errors.New("down")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := Status(tc.err); got != tc.code {
			t.Errorf("Status(%v) = %d, want %d", tc.err, got, tc.code)
		}
	}
}
