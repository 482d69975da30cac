package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chanescrow/internal/audit"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyUserID is the key for storing the authenticated user id
	ContextKeyUserID = "authUserID"
	// ContextKeyAdmin marks requests that passed RequireAdmin
	ContextKeyAdmin = "authAdmin"

	// AdminSecretHeader carries the shared admin secret.
	AdminSecretHeader = "X-Admin-Secret"
	// AdminIDHeader optionally names the admin acting, for the audit trail.
	AdminIDHeader = "X-Admin-ID"
)

// Middleware extracts and validates the API key from the request.
// A valid key sets the user in the gin context and the audit actor in the
// request context. Invalid keys do not abort; RequireAuth decides.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := audit.WithIP(c.Request.Context(), c.ClientIP())

		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}
		if apiKey != "" {
			key, err := m.ValidateKey(ctx, apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyUserID, key.UserID)
				ctx = audit.WithActor(ctx, audit.ActorUser, key.UserID)
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAuth rejects requests without a valid API key
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin gates admin operations behind the shared secret.
// With an empty secret (demo mode) any authenticated user is treated as admin.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if !IsAuthenticated(c) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Authentication required for admin operations.",
				})
				return
			}
		} else {
			given := c.GetHeader(AdminSecretHeader)
			if given == "" || subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Admin access required.",
				})
				return
			}
		}

		adminID := c.GetHeader(AdminIDHeader)
		if adminID == "" {
			adminID = UserID(c)
		}
		if adminID == "" {
			adminID = "admin"
		}
		c.Set(ContextKeyAdmin, true)
		c.Request = c.Request.WithContext(audit.WithActor(c.Request.Context(), audit.ActorAdmin, adminID))
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// UserID returns the authenticated user id, or "" when unauthenticated
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// ActorID returns who is acting on the request: the admin id for admin
// requests, otherwise the authenticated user.
func ActorID(c *gin.Context) string {
	if IsAdmin(c) {
		_, id := audit.ActorFrom(c.Request.Context())
		return id
	}
	return UserID(c)
}

// IsAdmin reports whether the request passed RequireAdmin
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
