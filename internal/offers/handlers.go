package offers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/auth"
	"github.com/mbd888/chanescrow/internal/ledger"
)

// Handler provides HTTP endpoints for negotiation.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/offers/:id", h.Get)
	r.GET("/listings/:listingId/offers", h.ListByListing)
}

// RegisterProtectedRoutes sets up routes that act as the authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/offers", h.ListMine)
	r.POST("/offers", h.Submit)
	r.POST("/offers/:id/counter", h.Counter)
	r.POST("/offers/:id/accept", h.Accept)
	r.POST("/offers/:id/reject", h.Reject)
	r.POST("/offers/:id/withdraw", h.Withdraw)
}

type submitRequest struct {
	ListingID         string                 `json:"listingId" binding:"required"`
	ChannelID         string                 `json:"channelId"`
	Type              ledger.TransactionType `json:"type"`
	SellerID          string                 `json:"sellerId" binding:"required"`
	AskingPrice       decimal.Decimal        `json:"askingPrice"`
	Amount            decimal.Decimal        `json:"amount"`
	MaxCounterAllowed *int                   `json:"maxCounterAllowed"`
	ValidForSeconds   int64                  `json:"validForSeconds"`
	Message           string                 `json:"message"`
}

// Submit handles POST /v1/offers. The caller is the buyer.
func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "listingId and sellerId are required")
		return
	}

	offer, err := h.service.Submit(c.Request.Context(), SubmitRequest{
		ListingID:         req.ListingID,
		ChannelID:         req.ChannelID,
		Type:              req.Type,
		BuyerID:           auth.UserID(c),
		SellerID:          req.SellerID,
		AskingPrice:       req.AskingPrice,
		Amount:            req.Amount,
		MaxCounterAllowed: req.MaxCounterAllowed,
		ValidFor:          time.Duration(req.ValidForSeconds) * time.Second,
		Message:           req.Message,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// Get handles GET /v1/offers/:id
func (h *Handler) Get(c *gin.Context) {
	offer, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// ListByListing handles GET /v1/listings/:listingId/offers
func (h *Handler) ListByListing(c *gin.Context) {
	offers, err := h.service.ListByListing(c.Request.Context(), c.Param("listingId"), limitParam(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// ListMine handles GET /v1/offers
func (h *Handler) ListMine(c *gin.Context) {
	offers, err := h.service.ListByUser(c.Request.Context(), auth.UserID(c), limitParam(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

type counterRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Message string          `json:"message"`
}

// Counter handles POST /v1/offers/:id/counter
func (h *Handler) Counter(c *gin.Context) {
	var req counterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	offer, err := h.service.Counter(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Amount, req.Message)
	h.respond(c, offer, err)
}

// Accept handles POST /v1/offers/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	offer, err := h.service.Accept(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respond(c, offer, err)
}

// Reject handles POST /v1/offers/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	offer, err := h.service.Reject(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respond(c, offer, err)
}

// Withdraw handles POST /v1/offers/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	offer, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respond(c, offer, err)
}

func (h *Handler) respond(c *gin.Context, offer *Offer, err error) {
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
