package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/chanescrow/internal/pagination"
)

// Handler serves the audit stream to operators.
type Handler struct {
	log Log
}

// NewHandler creates a new audit handler.
func NewHandler(log Log) *Handler {
	return &Handler{log: log}
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.Query)
}

// Query handles GET /v1/audit
//
// Query params: entityType, entityId, transactionId, actor, severity,
// from, to (RFC 3339), limit, cursor. Entries come newest first; pass the
// returned nextCursor to continue.
func (h *Handler) Query(c *gin.Context) {
	f := Filter{
		EntityType:    c.Query("entityType"),
		EntityID:      c.Query("entityId"),
		TransactionID: c.Query("transactionId"),
		Actor:         c.Query("actor"),
		Severity:      Severity(c.Query("severity")),
	}
	if f.Severity != "" && !f.Severity.Valid() {
		badRequest(c, "severity must be info, warning or critical")
		return
	}
	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		badRequest(c, "from must be an RFC 3339 timestamp")
		return
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		badRequest(c, "to must be an RFC 3339 timestamp")
		return
	}

	limit := DefaultLimit
	if s := c.Query("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		if limit > MaxLimit {
			limit = MaxLimit
		}
	}
	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if cur != nil {
		if f.BeforeID, err = strconv.ParseInt(cur.ID, 10, 64); err != nil {
			badRequest(c, "invalid cursor")
			return
		}
	}
	f.Limit = limit + 1

	entries, err := h.log.Query(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable", "message": "audit log unavailable"})
		return
	}
	page, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, strconv.FormatInt(e.ID, 10)
	})
	c.JSON(http.StatusOK, gin.H{
		"entries":    page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": msg})
}
