// audit.go provides Gin middleware that records admin credential lifecycle
// operations and ships them to the configured audit destinations.
package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keywarden/keywarden/internal/audit"
	"github.com/keywarden/keywarden/internal/config"
	"github.com/keywarden/keywarden/internal/safego"
)

// auditAction maps an admin request to an audit action name. Write operations
// on the key management API get specific names; everything else falls back to
// "METHOD /path".
func auditAction(c *gin.Context) string {
	path := c.Request.URL.Path
	if strings.Contains(path, "/apikeys") {
		switch {
		case strings.HasSuffix(path, "/rotate"):
			return "apikey.rotated"
		case strings.HasSuffix(path, "/revoke"):
			return "apikey.revoked"
		case strings.HasSuffix(path, "/restore"):
			return "apikey.restored"
		case c.Request.Method == "POST":
			return "apikey.created"
		case c.Request.Method == "PATCH":
			return "apikey.updated"
		case c.Request.Method == "DELETE":
			return "apikey.deleted"
		}
	}
	return c.Request.Method + " " + path
}

// AuditMiddleware ships admin actions to the configured audit destinations.
// Shipping is asynchronous so a slow audit sink never delays the response.
func AuditMiddleware(shipper audit.Shipper, auditCfg *config.AuditConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if shipper == nil || auditCfg == nil || !auditCfg.Enabled {
			return
		}
		if c.Request.Method == "OPTIONS" {
			return
		}
		if c.Request.Method == "GET" && !auditCfg.LogReadOperations {
			return
		}

		entry := &audit.LogEntry{
			Timestamp:    time.Now().UTC(),
			Action:       auditAction(c),
			AdminID:      c.GetString(AdminIDKey),
			CredentialID: c.Param("id"),
			IPAddress:    c.ClientIP(),
			StatusCode:   c.Writer.Status(),
		}
		// Handlers can attach extra detail (e.g. the owner or key prefix of a
		// freshly created credential) via the gin context.
		if ownerID := c.GetString("audit_owner_id"); ownerID != "" {
			entry.OwnerID = ownerID
		}
		if prefix := c.GetString("audit_key_prefix"); prefix != "" {
			entry.KeyPrefix = prefix
		}
		if masked := c.GetString("audit_masked_key"); masked != "" {
			entry.MaskedKey = masked
		}
		if credID := c.GetString("audit_credential_id"); credID != "" {
			entry.CredentialID = credID
		}

		safego.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shipper.Ship(ctx, entry)
		})
	}
}
