package rating

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/auth"
	"github.com/mbd888/chanescrow/internal/ledger"
)

// Handler provides HTTP endpoints for reviews and ratings.
type Handler struct {
	service *Service
}

// NewHandler creates a new rating handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/rating", h.Get)
}

// RegisterProtectedRoutes sets up routes that need an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/reviews", h.Submit)
}

// RegisterAdminRoutes sets up moderation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/transactions/:id/reviews/:reviewId/visibility", h.SetVisibility)
	r.POST("/admin/users/:userId/rating/recompute", h.Recompute)
}

type submitRequest struct {
	TransactionID  string            `json:"transactionId" binding:"required"`
	ReviewedUserID string            `json:"reviewedUserId"`
	Rating         int               `json:"rating" binding:"required"`
	Type           ledger.ReviewType `json:"type"`
	Comment        string            `json:"comment"`
}

// Submit handles POST /v1/reviews
func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "transactionId and rating are required")
		return
	}
	review, err := h.service.SubmitReview(c.Request.Context(), ReviewSubmitted{
		TransactionID:  req.TransactionID,
		ReviewerID:     auth.UserID(c),
		ReviewedUserID: req.ReviewedUserID,
		Rating:         req.Rating,
		Type:           req.Type,
		Comment:        req.Comment,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"review": review})
}

// Get handles GET /v1/users/:userId/rating
func (h *Handler) Get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rating": r})
}

type visibilityRequest struct {
	Visible bool `json:"visible"`
}

// SetVisibility handles POST /v1/admin/transactions/:id/reviews/:reviewId/visibility
func (h *Handler) SetVisibility(c *gin.Context) {
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid request body")
		return
	}
	review, err := h.service.SetVisibility(c.Request.Context(), c.Param("id"), c.Param("reviewId"), req.Visible)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"review": review})
}

// Recompute handles POST /v1/admin/users/:userId/rating/recompute
func (h *Handler) Recompute(c *gin.Context) {
	r, err := h.service.Recompute(c.Request.Context(), c.Param("userId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rating": r})
}
