package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jonesrussell/worklens/internal/tenant"
)

// claimsKey stores the verified claims in the gin context.
const claimsKey = "claims"

// Claims are the JWT claims worklens understands. The tenant identity comes
// from the tenant_id claim, falling back to the standard subject, so tokens
// minted by either convention work.
type Claims struct {
	TenantID string `json:"tenant_id,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Tenant returns the tenant identity the token carries, or "" when it
// carries none.
func (c *Claims) Tenant() string {
	if c.TenantID != "" {
		return c.TenantID
	}
	return c.Subject
}

// Auth verifies the bearer token and stamps the tenant identity onto the
// request context, where the tenant gate reads it. A token without a tenant
// identity is rejected here, before any engine work; the gate still fails
// closed if this middleware is ever bypassed.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, "missing authorization header")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(c, "authorization header is not a bearer token")
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &Claims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return []byte(secret), nil
		})
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}

		claims, ok := token.Claims.(*Claims)
		if !ok || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}
		if claims.Tenant() == "" {
			unauthorized(c, "token carries no tenant identity")
			return
		}

		c.Set(claimsKey, claims)
		c.Request = c.Request.WithContext(tenant.WithTenant(c.Request.Context(), claims.Tenant()))
		c.Next()
	}
}

// AdminOnly rejects callers whose token lacks the admin claim. Mount after
// Auth.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok || !claims.Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error_code": "forbidden",
				"message":    "administrative privileges required",
			})
			return
		}
		c.Next()
	}
}

// GetClaims extracts the verified claims set by Auth.
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get(claimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error_code": "unauthorized",
		"message":    message,
	})
}
