// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements bearer-token authentication. Tokens are HMAC-signed
// JWTs carrying the caller's user id, clinic id, and role; the middleware
// verifies the signature and expiry and stores the resulting Identity in the
// Gin context for handlers and the rate limiter.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Roles understood by the API. Doctors and nurses upload and read their own
// clinical material; admin widens access to the clinic; compliance is the
// only role allowed to query the audit trail.
const (
	RoleDoctor     = "doctor"
	RoleNurse      = "nurse"
	RoleAdmin      = "admin"
	RoleCompliance = "compliance"
)

// identityKey is the Gin context key under which the Identity is stored.
const identityKey = "identity"

// Identity is the authenticated caller.
type Identity struct {
	UserID   string
	ClinicID string
	Role     string
}

// Claims is the JWT payload the service issues and accepts.
type Claims struct {
	ClinicID string `json:"clinic_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Auth returns a middleware that requires a valid bearer token signed with
// secret. On success the Identity is stored in the context; on failure the
// request is aborted with 401.
func Auth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(raw, prefix) {
			unauthorized(c, "missing bearer token")
			return
		}

		var claims Claims
		token, err := jwt.ParseWithClaims(raw[len(prefix):], &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}
		if claims.Subject == "" || claims.ClinicID == "" {
			unauthorized(c, "token missing subject or clinic")
			return
		}

		c.Set(identityKey, Identity{
			UserID:   claims.Subject,
			ClinicID: claims.ClinicID,
			Role:     claims.Role,
		})
		c.Next()
	}
}

// RequireRole returns a middleware that aborts with 403 unless the
// authenticated identity holds one of the given roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok {
			unauthorized(c, "missing bearer token")
			return
		}
		if _, ok := allowed[id.Role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "forbidden",
				"message":    "role not permitted",
			})
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the authenticated Identity, if any.
func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get("X-Request-ID"),
		"code":       "unauthorized",
		"message":    msg,
	})
}
