package payments

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/shopspring/decimal"
)

// Locker locks escrow once a confirmation is available.
type Locker interface {
	Lock(ctx context.Context, txID string) (*ledger.EscrowAccount, error)
}

// Handler accepts confirmations from the ingestion service.
type Handler struct {
	feed   Feed
	locker Locker
}

// NewHandler creates a handler. locker may be nil, in which case
// confirmations are only published and a later lock call picks them up.
func NewHandler(feed Feed, locker Locker) *Handler {
	return &Handler{feed: feed, locker: locker}
}

// RegisterRoutes sets up ingestion routes. They sit behind the admin secret.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/confirmations", h.Confirm)
}

type confirmRequest struct {
	TransactionID string          `json:"transactionId"`
	FromAddr      string          `json:"fromAddr"`
	ToAddr        string          `json:"toAddr"`
	Amount        decimal.Decimal `json:"amount"`
	BlockRef      string          `json:"blockRef"`
}

// Confirm handles POST /v1/payments/confirmations
func (h *Handler) Confirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}

	conf := &Confirmation{
		TransactionID: req.TransactionID,
		FromAddr:      req.FromAddr,
		ToAddr:        req.ToAddr,
		Amount:        req.Amount,
		BlockRef:      req.BlockRef,
	}
	ctx := c.Request.Context()
	if err := h.feed.Publish(ctx, conf); err != nil {
		apperr.Respond(c, err)
		return
	}

	if h.locker == nil {
		c.JSON(http.StatusAccepted, gin.H{"confirmation": conf})
		return
	}
	account, err := h.locker.Lock(ctx, conf.TransactionID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"confirmation": conf, "escrow": account})
}
