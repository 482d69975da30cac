package escrow

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/auth"
	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/mbd888/chanescrow/internal/offers"
)

// OfferSource resolves the accepted offer a transaction is opened from.
type OfferSource interface {
	Get(ctx context.Context, id string) (*offers.Offer, error)
}

// Handler provides HTTP endpoints for transactions and escrow.
type Handler struct {
	service *Service
	offers  OfferSource
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, src OfferSource) *Handler {
	return &Handler{service: service, offers: src}
}

// RegisterProtectedRoutes sets up routes for the parties of a transaction.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.Open)
	r.GET("/transactions", h.ListMine)
	r.GET("/transactions/:id", h.partyOnly, h.Get)
	r.GET("/transactions/:id/escrow", h.partyOnly, h.GetTransactionEscrow)
	r.POST("/transactions/:id/lock", h.partyOnly, h.Lock)
	r.POST("/transactions/:id/release", h.partyOnly, h.Release)
	r.POST("/transactions/:id/cancel", h.partyOnly, h.Cancel)
	r.GET("/escrow/:id", h.GetEscrow)
	r.POST("/escrow/:id/approve", h.Approve)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/transactions", h.ListAll)
	r.GET("/admin/transactions/:id", h.Get)
	r.POST("/admin/transactions/:id/refund", h.Refund)
	r.POST("/admin/transactions/:id/cancel", h.Cancel)
	r.DELETE("/admin/transactions/:id", h.Remove)
	r.POST("/admin/escrow/:id/approve", h.AdminApprove)
}

// partyOnly loads the family of :id and aborts unless the caller is its
// buyer or seller. The family is left in the context for the handler.
func (h *Handler) partyOnly(c *gin.Context) {
	f, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	user := auth.UserID(c)
	if user != f.Transaction.BuyerID && user != f.Transaction.SellerID {
		apperr.Respond(c, fmt.Errorf("not a party to transaction %s: %w", f.Transaction.ID, apperr.ErrForbidden))
		return
	}
	c.Set("family", f)
	c.Next()
}

type openRequest struct {
	OfferID     string `json:"offerId" binding:"required"`
	FromAddress string `json:"fromAddress"`
}

// Open handles POST /v1/transactions. Only the buyer of the offer may open.
func (h *Handler) Open(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "offerId is required")
		return
	}

	ctx := c.Request.Context()
	offer, err := h.offers.Get(ctx, req.OfferID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if offer.BuyerID != auth.UserID(c) {
		apperr.Respond(c, fmt.Errorf("only the buyer may open a transaction: %w", apperr.ErrForbidden))
		return
	}

	tx, err := h.service.Open(ctx, offer, OpenRequest{FromAddress: req.FromAddress})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"transaction": tx,
		"payTo":       tx.ToAddress,
		"amount":      tx.Amount,
	})
}

// Get handles GET /v1/transactions/:id
func (h *Handler) Get(c *gin.Context) {
	if f, ok := c.Get("family"); ok {
		c.JSON(http.StatusOK, f)
		return
	}
	f, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// GetTransactionEscrow handles GET /v1/transactions/:id/escrow
func (h *Handler) GetTransactionEscrow(c *gin.Context) {
	f := c.MustGet("family").(*ledger.Family)
	if f.Escrow == nil {
		apperr.Respond(c, ledger.ErrEscrowNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": f.Escrow})
}

// ListMine handles GET /v1/transactions
func (h *Handler) ListMine(c *gin.Context) {
	h.list(c, auth.UserID(c))
}

// ListAll handles GET /v1/admin/transactions
func (h *Handler) ListAll(c *gin.Context) {
	h.list(c, c.Query("userId"))
}

func (h *Handler) list(c *gin.Context, userID string) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txs, err := h.service.List(c.Request.Context(), ledger.ListFilter{
		UserID: userID,
		Status: ledger.TransactionStatus(c.Query("status")),
		Limit:  limit,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if txs == nil {
		txs = []*ledger.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// Lock handles POST /v1/transactions/:id/lock. It waits for the payment
// confirmation up to the confirmation timeout.
func (h *Handler) Lock(c *gin.Context) {
	account, err := h.service.Lock(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": account})
}

// Release handles POST /v1/transactions/:id/release
func (h *Handler) Release(c *gin.Context) {
	res, err := h.service.TryRelease(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	ctx := c.Request.Context()
	txID, err := h.service.Store().TransactionIDByEscrow(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	f, err := h.service.Get(ctx, txID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	user := auth.UserID(c)
	if user != f.Transaction.BuyerID && user != f.Transaction.SellerID {
		apperr.Respond(c, fmt.Errorf("not a party to escrow %s: %w", c.Param("id"), apperr.ErrForbidden))
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": f.Escrow})
}

type approveRequest struct {
	Party Party `json:"party"`
}

// Approve handles POST /v1/escrow/:id/approve. Without an explicit party the
// caller approves on the side they hold in the transaction.
func (h *Handler) Approve(c *gin.Context) {
	var req approveRequest
	_ = c.ShouldBindJSON(&req)

	user := auth.UserID(c)
	party := req.Party
	if party == "" {
		var err error
		party, err = h.partyOf(c, user)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
	}
	if party == PartyAdmin {
		apperr.Respond(c, fmt.Errorf("admin approval goes through the admin API: %w", apperr.ErrForbidden))
		return
	}

	res, err := h.service.Approve(c.Request.Context(), c.Param("id"), party, user)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) partyOf(c *gin.Context, user string) (Party, error) {
	ctx := c.Request.Context()
	txID, err := h.service.Store().TransactionIDByEscrow(ctx, c.Param("id"))
	if err != nil {
		return "", err
	}
	f, err := h.service.Get(ctx, txID)
	if err != nil {
		return "", err
	}
	switch user {
	case f.Transaction.BuyerID:
		return PartyBuyer, nil
	case f.Transaction.SellerID:
		return PartySeller, nil
	}
	return "", fmt.Errorf("not a party to escrow %s: %w", c.Param("id"), apperr.ErrForbidden)
}

// AdminApprove handles POST /v1/admin/escrow/:id/approve
func (h *Handler) AdminApprove(c *gin.Context) {
	res, err := h.service.Approve(c.Request.Context(), c.Param("id"), PartyAdmin, auth.ActorID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type refundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Refund handles POST /v1/admin/transactions/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "reason is required")
		return
	}
	account, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": account})
}

// Cancel handles POST /v1/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	tx, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Remove handles DELETE /v1/admin/transactions/:id
func (h *Handler) Remove(c *gin.Context) {
	if err := h.service.Remove(c.Request.Context(), c.Param("id")); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
