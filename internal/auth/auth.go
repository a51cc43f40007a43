// Package auth provides request authentication middleware.
//
// Identity is owned by an upstream identity proxy: it authenticates the end
// user and forwards an opaque user id in the X-User-ID header. This package
// only validates the shape of that id and enforces the operator secret on
// admin routes.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/screenpledge/screenpledge/internal/validation"
)

// Context keys set by the middleware.
const (
	ContextKeyUserID = "authUserID"
)

// UserMiddleware extracts the authenticated user id forwarded by the
// identity proxy. Requests without a well-formed X-User-ID are rejected.
func UserMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if !validation.IsValidID(userID) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing or malformed X-User-ID header",
			})
			return
		}
		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}

// UserID returns the authenticated user id for the request, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// RequireAdmin rejects requests whose X-Admin-Secret header does not match
// the configured operator secret. When no secret is configured (development
// mode) all requests pass.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}
