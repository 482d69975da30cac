package transfer

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/auth"
	"github.com/mbd888/chanescrow/internal/ledger"
)

// Handler provides HTTP endpoints for channel transfers.
type Handler struct {
	service *Service
}

// NewHandler creates a new transfer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes for the parties of a transaction.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id/transfer", h.Get)
}

// RegisterAdminRoutes sets up routes for the verification service and operators.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/verifications", h.Verify)
	r.GET("/admin/transactions/:id/transfer", h.Get)
	r.POST("/admin/transactions/:id/transfer/begin", h.BeginStep)
	r.POST("/admin/transactions/:id/transfer/reverse", h.Reverse)
}

// Get handles GET /v1/transactions/:id/transfer
func (h *Handler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	f, err := h.service.store.Get(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !auth.IsAdmin(c) && !f.Transaction.IsParty(auth.UserID(c)) {
		apperr.Respond(c, fmt.Errorf("not a party to transaction %s: %w", f.Transaction.ID, apperr.ErrForbidden))
		return
	}
	if f.Transfer == nil {
		apperr.Respond(c, ledger.ErrTransferNotFound)
		return
	}
	respond(c, f.Transfer)
}

// Verify handles POST /v1/verifications
func (h *Handler) Verify(c *gin.Context) {
	var req VerificationResult
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid verification result")
		return
	}
	x, err := h.service.HandleVerification(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	respond(c, x)
}

type beginRequest struct {
	Step ledger.Step `json:"step" binding:"required"`
}

// BeginStep handles POST /v1/admin/transactions/:id/transfer/begin
func (h *Handler) BeginStep(c *gin.Context) {
	var req beginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "step is required")
		return
	}
	x, err := h.service.BeginStep(c.Request.Context(), c.Param("id"), req.Step)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	respond(c, x)
}

type reverseRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Reverse handles POST /v1/admin/transactions/:id/transfer/reverse
func (h *Handler) Reverse(c *gin.Context) {
	var req reverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "reason is required")
		return
	}
	x, err := h.service.Reverse(c.Request.Context(), c.Param("id"), auth.ActorID(c), req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	respond(c, x)
}

func respond(c *gin.Context, x *ledger.ChannelTransfer) {
	c.JSON(http.StatusOK, gin.H{
		"transfer":       x,
		"status":         x.Status(),
		"completedSteps": x.CompletedSteps(),
		"pendingSteps":   x.PendingSteps(),
	})
}
