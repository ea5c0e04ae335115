// Package middleware provides Gin HTTP middleware for credential
// authentication, admin authentication, rate limiting, security headers,
// request ids, metrics, and audit logging.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → RequestID → Metrics → RateLimit → Auth → Handler
//
// Security headers run first so they appear on all responses including
// errors. Rate limiting runs before auth so brute-force traffic is shed
// before any scrypt work or database round-trip.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/keywarden/keywarden/internal/audit"
	"github.com/keywarden/keywarden/internal/auth"
	"github.com/keywarden/keywarden/internal/config"
	"github.com/keywarden/keywarden/internal/safego"
)

// Context keys set by the auth middlewares for downstream handlers.
const (
	OwnerIDKey      = "owner_id"
	RoleKey         = "role"
	CredentialIDKey = "credential_id"
	AdminIDKey      = "admin_id"
)

// ErrNoBearer is returned when the Authorization header is missing or not a
// bearer scheme.
var ErrNoBearer = errors.New("missing bearer authorization")

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", ErrNoBearer
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrNoBearer
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrNoBearer
	}
	return token, nil
}

// KeyAuthMiddleware authenticates consumer requests with an opaque API key.
// Every denial kind maps onto the status code the caller should see:
//
//	malformed / invalid   → 401 (don't reveal which)
//	revoked / expired     → 403 (the key was real; say why it stopped working)
//	quota exceeded        → 429 with Retry-After
//	backend unavailable   → 503 (fail closed, invite a retry)
//
// On admit, the owning principal is stored in the Gin context under
// OwnerIDKey / RoleKey / CredentialIDKey for downstream authorization.
//
// Every denial additionally ships an auth.denied audit entry through the
// configured shipper; admitted requests are not audited here. shipper may be
// nil when audit shipping is not configured.
func KeyAuthMiddleware(authorizer *auth.Authorizer, shipper audit.Shipper, auditCfg *config.AuditConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey, err := bearerToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or malformed authorization header",
			})
			return
		}

		decision := authorizer.Authorize(c.Request.Context(), rawKey)
		if !decision.Allowed {
			abortForDenial(c, decision)
			shipDenial(c, shipper, auditCfg, rawKey, decision)
			return
		}

		c.Set(OwnerIDKey, decision.Principal.OwnerID)
		c.Set(RoleKey, decision.Principal.Role)
		c.Set(CredentialIDKey, decision.Principal.CredentialID)
		c.Next()
	}
}

// shipDenial records a denied authorization in the audit trail. The key prefix
// is included only when the presented key parses; the secret payload never
// reaches the entry.
func shipDenial(c *gin.Context, shipper audit.Shipper, auditCfg *config.AuditConfig, rawKey string, d auth.Decision) {
	if shipper == nil || auditCfg == nil || !auditCfg.Enabled {
		return
	}

	entry := &audit.LogEntry{
		Timestamp:  time.Now().UTC(),
		Action:     "auth.denied",
		IPAddress:  c.ClientIP(),
		StatusCode: c.Writer.Status(),
		Metadata:   map[string]interface{}{"reason": string(d.Reason)},
	}
	if parsed := auth.Parse(rawKey); parsed != nil {
		entry.KeyPrefix = parsed.Prefix
	}
	if d.Reason == auth.ReasonQuotaExceeded {
		entry.Metadata["window"] = string(d.Window)
	}

	safego.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shipper.Ship(ctx, entry)
	})
}

func abortForDenial(c *gin.Context, d auth.Decision) {
	switch d.Reason {
	case auth.ReasonMalformedKey, auth.ReasonInvalidCredential:
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid credentials",
		})
	case auth.ReasonRevoked:
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Credential has been revoked",
		})
	case auth.ReasonExpired:
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Credential has expired",
		})
	case auth.ReasonQuotaExceeded:
		retryAfter := int(d.RetryAfter / time.Second)
		if retryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "Quota exceeded",
			"window":      string(d.Window),
			"retry_after": retryAfter,
		})
	case auth.ReasonBackendUnavailable:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error": "Authorization backend unavailable",
		})
	default:
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid credentials",
		})
	}
}

// AdminAuthMiddleware authenticates the administrative surface with a signed
// admin token (JWT). Admin tokens and consumer API keys are deliberately
// separate schemes: leaking a consumer key must never grant key management.
func AdminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or malformed authorization header",
			})
			return
		}

		claims, err := auth.ValidateAdminToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid admin token",
			})
			return
		}

		c.Set(AdminIDKey, claims.AdminID)
		c.Next()
	}
}
