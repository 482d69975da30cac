package dispute

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/auth"
	"github.com/mbd888/chanescrow/internal/ledger"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes for the parties of a transaction.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/disputes", h.Open)
	r.GET("/transactions/:id/dispute", h.GetByTransaction)
	r.GET("/disputes/:id", h.Get)
}

// RegisterAdminRoutes sets up the review workflow.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/transactions/:id/disputes", h.Open)
	r.GET("/admin/disputes/:id", h.Get)
	r.POST("/admin/disputes/:id/review", h.StartReview)
	r.POST("/admin/disputes/:id/escalate", h.Escalate)
	r.POST("/admin/disputes/:id/resolve", h.Resolve)
	r.POST("/admin/disputes/:id/close", h.Close)
}

type openRequest struct {
	Type        ledger.DisputeType `json:"type"`
	Reason      string             `json:"reason" binding:"required"`
	Description string             `json:"description"`
}

// Open handles POST /v1/transactions/:id/disputes
func (h *Handler) Open(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "reason is required")
		return
	}
	d, err := h.service.Open(c.Request.Context(), OpenRequest{
		TransactionID: c.Param("id"),
		InitiatorID:   auth.ActorID(c),
		Type:          req.Type,
		Reason:        req.Reason,
		Description:   req.Description,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !h.mayRead(c, d) {
		apperr.Respond(c, fmt.Errorf("dispute %s: %w", d.ID, apperr.ErrForbidden))
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// GetByTransaction handles GET /v1/transactions/:id/dispute
func (h *Handler) GetByTransaction(c *gin.Context) {
	d, err := h.service.GetByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !h.mayRead(c, d) {
		apperr.Respond(c, fmt.Errorf("dispute %s: %w", d.ID, apperr.ErrForbidden))
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) mayRead(c *gin.Context, d *ledger.Dispute) bool {
	if auth.IsAdmin(c) {
		return true
	}
	user := auth.UserID(c)
	if user == d.InitiatorID || user == d.RespondentID {
		return true
	}
	f, err := h.service.store.Get(c.Request.Context(), d.TransactionID)
	return err == nil && f.Transaction.IsParty(user)
}

// StartReview handles POST /v1/admin/disputes/:id/review
func (h *Handler) StartReview(c *gin.Context) {
	d, err := h.service.StartReview(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	respond(c, d, err)
}

// Escalate handles POST /v1/admin/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	d, err := h.service.Escalate(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	respond(c, d, err)
}

type resolveRequest struct {
	Resolution   ledger.Resolution `json:"resolution" binding:"required"`
	RefundAmount decimal.Decimal   `json:"refundAmount"`
	Notes        string            `json:"notes"`
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "resolution is required")
		return
	}
	d, err := h.service.Resolve(c.Request.Context(), ResolveRequest{
		DisputeID:    c.Param("id"),
		Resolution:   req.Resolution,
		RefundAmount: req.RefundAmount,
		ResolvedBy:   auth.ActorID(c),
		Notes:        req.Notes,
	})
	respond(c, d, err)
}

// Close handles POST /v1/admin/disputes/:id/close
func (h *Handler) Close(c *gin.Context) {
	d, err := h.service.Close(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	respond(c, d, err)
}

func respond(c *gin.Context, d *ledger.Dispute, err error) {
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
