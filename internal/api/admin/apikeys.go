// Package admin implements the administrative HTTP handlers for Keywarden.
// These handlers require an admin bearer token (see internal/middleware/auth.go)
// — unlike the credential-authenticated service routes, which accept the issued
// API keys themselves.
package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keywarden/keywarden/internal/config"
	"github.com/keywarden/keywarden/internal/db/models"
	"github.com/keywarden/keywarden/internal/db/repositories"
	"github.com/keywarden/keywarden/internal/services"
)

// APIKeyHandlers handles API key management endpoints
type APIKeyHandlers struct {
	cfg       *config.Config
	lifecycle *services.LifecycleManager
}

// NewAPIKeyHandlers creates a new APIKeyHandlers instance
func NewAPIKeyHandlers(cfg *config.Config, lifecycle *services.LifecycleManager) *APIKeyHandlers {
	return &APIKeyHandlers{
		cfg:       cfg,
		lifecycle: lifecycle,
	}
}

// CreateAPIKeyRequest represents the request to create a new API key.
// Quota fields follow the storage convention: omitted or null → unlimited,
// 0 → blocked, n → capped at n requests per window.
type CreateAPIKeyRequest struct {
	OwnerID      string  `json:"owner_id" binding:"required"`
	Role         string  `json:"role"`
	Name         string  `json:"name"`
	MonthlyQuota *int64  `json:"monthly_quota"`
	WeeklyQuota  *int64  `json:"weekly_quota"`
	BurstQuota   *int64  `json:"burst_quota"`
	ExpiresAt    *string `json:"expires_at"` // RFC3339 format
}

// CreateAPIKeyResponse represents the response when creating or rotating an
// API key. Key holds the full external key and is only ever returned here.
type CreateAPIKeyResponse struct {
	ID           string     `json:"id"`
	Key          string     `json:"key"` // Only returned once
	Prefix       string     `json:"prefix"`
	MaskedKey    string     `json:"masked_key"`
	OwnerID      string     `json:"owner_id"`
	Role         string     `json:"role"`
	Name         string     `json:"name"`
	MonthlyQuota *int64     `json:"monthly_quota"`
	WeeklyQuota  *int64     `json:"weekly_quota"`
	BurstQuota   *int64     `json:"burst_quota"`
	ExpiresAt    *time.Time `json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// UpdateAPIKeyRequest is a partial settings update. Omitted fields are left
// unchanged; quota fields set to explicit null clear the cap to unlimited.
type UpdateAPIKeyRequest struct {
	Name         *string                `json:"name"`
	MonthlyQuota services.OptionalLimit `json:"monthly_quota"`
	WeeklyQuota  services.OptionalLimit `json:"weekly_quota"`
	BurstQuota   services.OptionalLimit `json:"burst_quota"`
	ExpiresAt    services.OptionalTime  `json:"expires_at"`
}

// RevokeAPIKeyRequest carries the optional human-readable revocation reason.
type RevokeAPIKeyRequest struct {
	Reason *string `json:"reason"`
}

// auditDetail attaches credential identifiers to the gin context for the
// audit middleware to pick up after the handler returns.
func auditDetail(c *gin.Context, cred *models.Credential) {
	c.Set("audit_credential_id", cred.ID)
	c.Set("audit_owner_id", cred.OwnerID)
	c.Set("audit_key_prefix", cred.Prefix)
	c.Set("audit_masked_key", cred.MaskedKey)
}

// @Summary      List API keys
// @Description  List credentials with optional filtering by owner, name search, and revocation status.
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        owner_id         query  string  false  "Filter by owner ID"
// @Param        search           query  string  false  "Case-insensitive substring match on name"
// @Param        include_revoked  query  bool    false  "Include revoked credentials"
// @Param        sort             query  string  false  "Sort column: name, created_at, last_used_at, monthly_quota"
// @Param        order            query  string  false  "Sort order: asc (default) or desc"
// @Param        limit            query  int     false  "Page size (default 50, max 200)"
// @Param        offset           query  int     false  "Page offset"
// @Success      200  {object}  map[string]interface{}  "List of credentials"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/apikeys [get]
// ListAPIKeysHandler lists credentials
// GET /api/v1/apikeys
func (h *APIKeyHandlers) ListAPIKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if limit < 1 || limit > 200 {
			limit = 50
		}
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if offset < 0 {
			offset = 0
		}

		filter := repositories.CredentialFilter{
			OwnerID:        c.Query("owner_id"),
			Search:         c.Query("search"),
			IncludeRevoked: c.Query("include_revoked") == "true",
			SortBy:         c.DefaultQuery("sort", "created_at"),
			SortDesc:       c.Query("order") == "desc",
			Limit:          limit,
			Offset:         offset,
		}

		keys, err := h.lifecycle.List(c.Request.Context(), filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to list API keys",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"keys":  keys,
			"count": len(keys),
		})
	}
}

// @Summary      Create API key
// @Description  Issue a new credential. The full key is only returned once, in this response.
// @Tags         API Keys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateAPIKeyRequest  true  "Credential creation request"
// @Success      201  {object}  CreateAPIKeyResponse    "Credential created (full key returned once)"
// @Failure      400  {object}  map[string]interface{}  "Invalid request"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/apikeys [post]
// CreateAPIKeyHandler issues a new credential
// POST /api/v1/apikeys
func (h *APIKeyHandlers) CreateAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request",
			})
			return
		}

		var expiresAt *time.Time
		if req.ExpiresAt != nil {
			parsed, err := time.Parse(time.RFC3339, *req.ExpiresAt)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "Invalid expires_at format. Use RFC3339",
				})
				return
			}
			expiresAt = &parsed
		}

		key, cred, err := h.lifecycle.Create(c.Request.Context(), services.CreateParams{
			OwnerID:      req.OwnerID,
			Role:         req.Role,
			Name:         req.Name,
			MonthlyQuota: req.MonthlyQuota,
			WeeklyQuota:  req.WeeklyQuota,
			BurstQuota:   req.BurstQuota,
			ExpiresAt:    expiresAt,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create API key",
			})
			return
		}
		auditDetail(c, cred)

		// Return full key (only time it's visible)
		c.JSON(http.StatusCreated, CreateAPIKeyResponse{
			ID:           cred.ID,
			Key:          key,
			Prefix:       cred.Prefix,
			MaskedKey:    cred.MaskedKey,
			OwnerID:      cred.OwnerID,
			Role:         cred.Role,
			Name:         cred.Name,
			MonthlyQuota: cred.MonthlyQuota,
			WeeklyQuota:  cred.WeeklyQuota,
			BurstQuota:   cred.BurstQuota,
			ExpiresAt:    cred.ExpiresAt,
			CreatedAt:    cred.CreatedAt,
		})
	}
}

// @Summary      Get API key
// @Description  Retrieve a credential by ID. The secret is never returned; only metadata and the public prefix.
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Credential ID"
// @Success      200  {object}  map[string]interface{}  "Credential details"
// @Failure      404  {object}  map[string]interface{}  "Credential not found"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/apikeys/{id} [get]
// GetAPIKeyHandler retrieves a specific credential
// GET /api/v1/apikeys/:id
func (h *APIKeyHandlers) GetAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, err := h.lifecycle.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, services.ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "API key not found",
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retrieve API key",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"key": cred,
		})
	}
}

// @Summary      Update API key
// @Description  Update a credential's name, quotas, or expiry. Omitted fields are unchanged; quota fields set to null become unlimited, 0 blocks the window.
// @Tags         API Keys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string               true  "Credential ID"
// @Param        body  body  UpdateAPIKeyRequest  true  "Partial update"
// @Success      200  {object}  map[string]interface{}  "Updated credential"
// @Failure      400  {object}  map[string]interface{}  "Invalid request"
// @Failure      404  {object}  map[string]interface{}  "Credential not found"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/apikeys/{id} [patch]
// UpdateAPIKeyHandler applies a partial settings update
// PATCH /api/v1/apikeys/:id
func (h *APIKeyHandlers) UpdateAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request",
			})
			return
		}

		cred, err := h.lifecycle.Update(c.Request.Context(), c.Param("id"), services.UpdateParams{
			Name:      req.Name,
			Monthly:   req.MonthlyQuota,
			Weekly:    req.WeeklyQuota,
			Burst:     req.BurstQuota,
			ExpiresAt: req.ExpiresAt,
		})
		if errors.Is(err, services.ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "API key not found",
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to update API key",
			})
			return
		}
		auditDetail(c, cred)

		c.JSON(http.StatusOK, gin.H{
			"key": cred,
		})
	}
}

// @Summary      Rotate API key
// @Description  Replace the credential's secret in place. Same ID, prefix, owner, and quotas; the old key stops working immediately. The new full key is only returned once.
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Credential ID"
// @Success      200  {object}  CreateAPIKeyResponse    "New key (returned once)"
// @Failure      404  {object}  map[string]interface{}  "Credential not found"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/apikeys/{id}/rotate [post]
// RotateAPIKeyHandler rotates a credential's secret
// POST /api/v1/apikeys/:id/rotate
func (h *APIKeyHandlers) RotateAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		key, err := h.lifecycle.Rotate(c.Request.Context(), id)
		if errors.Is(err, services.ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "API key not found",
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to rotate API key",
			})
			return
		}

		cred, err := h.lifecycle.Get(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retrieve rotated API key",
			})
			return
		}
		auditDetail(c, cred)

		c.JSON(http.StatusOK, CreateAPIKeyResponse{
			ID:           cred.ID,
			Key:          key,
			Prefix:       cred.Prefix,
			MaskedKey:    cred.MaskedKey,
			OwnerID:      cred.OwnerID,
			Role:         cred.Role,
			Name:         cred.Name,
			MonthlyQuota: cred.MonthlyQuota,
			WeeklyQuota:  cred.WeeklyQuota,
			BurstQuota:   cred.BurstQuota,
			ExpiresAt:    cred.ExpiresAt,
			CreatedAt:    cred.CreatedAt,
		})
	}
}

// @Summary      Revoke API key
// @Description  Revoke a credential with an optional reason. Revoking an already-revoked credential is a no-op.
// @Tags         API Keys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string               true   "Credential ID"
// @Param        body  body  RevokeAPIKeyRequest  false  "Revocation reason"
// @Success      200  {object}  map[string]interface{}  "Revocation confirmation"
// @Failure      404  {object}  map[string]interface{}  "Credential not found"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/apikeys/{id}/revoke [post]
// RevokeAPIKeyHandler revokes a credential
// POST /api/v1/apikeys/:id/revoke
func (h *APIKeyHandlers) RevokeAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RevokeAPIKeyRequest
		// Body is optional
		_ = c.ShouldBindJSON(&req)

		err := h.lifecycle.Revoke(c.Request.Context(), c.Param("id"), req.Reason)
		if errors.Is(err, services.ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "API key not found",
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to revoke API key",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "API key revoked",
		})
	}
}

// @Summary      Restore API key
// @Description  Clear a credential's revocation, making it valid again (subject to expiry and quotas).
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Credential ID"
// @Success      200  {object}  map[string]interface{}  "Restore confirmation"
// @Failure      404  {object}  map[string]interface{}  "Credential not found"
// @Failure      409  {object}  map[string]interface{}  "Credential is not revoked"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/apikeys/{id}/restore [post]
// RestoreAPIKeyHandler clears a revocation
// POST /api/v1/apikeys/:id/restore
func (h *APIKeyHandlers) RestoreAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.lifecycle.Restore(c.Request.Context(), c.Param("id"))
		if errors.Is(err, services.ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "API key not found",
			})
			return
		}
		if errors.Is(err, services.ErrNotRevoked) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "API key is not revoked",
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to restore API key",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "API key restored",
		})
	}
}

// @Summary      Delete API key
// @Description  Permanently delete a credential and discard its usage counters. Prefer revoke for normal decommissioning; delete is for cleanup.
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Credential ID"
// @Success      200  {object}  map[string]interface{}  "Deletion confirmation"
// @Failure      404  {object}  map[string]interface{}  "Credential not found"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/apikeys/{id} [delete]
// DeleteAPIKeyHandler deletes a credential
// DELETE /api/v1/apikeys/:id
func (h *APIKeyHandlers) DeleteAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.lifecycle.Delete(c.Request.Context(), c.Param("id"))
		if errors.Is(err, services.ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "API key not found",
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to delete API key",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "API key deleted successfully",
		})
	}
}
