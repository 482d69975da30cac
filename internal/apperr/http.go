package apperr

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Status maps an error to an HTTP status and a stable error code.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrStateConflict):
		return http.StatusConflict, "state_conflict"
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrAmountMismatch):
		return http.StatusUnprocessableEntity, "amount_mismatch"
	case errors.Is(err, ErrConfirmationTimeout):
		return http.StatusGatewayTimeout, "confirmation_timeout"
	case errors.Is(err, ErrNegotiationExhausted):
		return http.StatusConflict, "negotiation_exhausted"
	case errors.Is(err, ErrDuplicateDispute):
		return http.StatusConflict, "duplicate_dispute"
	case errors.Is(err, ErrAlreadyResolved):
		return http.StatusConflict, "already_resolved"
	case errors.Is(err, ErrOfferExpired):
		return http.StatusGone, "offer_expired"
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request_cancelled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Respond writes err as a JSON error body. State errors carry the current state.
func Respond(c *gin.Context, err error) {
	status, code := Status(err)
	body := gin.H{
		"error":   code,
		"message": err.Error(),
	}
	if status == http.StatusInternalServerError {
		body["message"] = "internal error"
	}
	if current, ok := CurrentState(err); ok {
		body["currentState"] = current
	}
	var d interface{ Details() error }
	if errors.As(err, &d) {
		body["details"] = d.Details()
	}
	c.AbortWithStatusJSON(status, body)
}

// BadRequest writes a 400 for malformed request bodies.
func BadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}
