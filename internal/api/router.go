// Package api wires together all HTTP routes for Keywarden.
//
// Route grouping philosophy:
//   - Consumer routes (/v1/) authenticate with the issued API keys themselves
//     via KeyAuthMiddleware. This is the hot path: every request costs a
//     prefix lookup, an scrypt verification, and a quota consume.
//   - Admin routes (/api/v1/) authenticate with signed admin tokens. The two
//     schemes are deliberately separate: a leaked consumer key must never
//     grant key management.
//
// Middleware ordering is Security → RequestID → Metrics → RateLimit → Auth so
// security headers cover every response, and flood traffic is shed before any
// scrypt work or database round-trip happens.
package api

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/keywarden/keywarden/internal/api/admin"
	"github.com/keywarden/keywarden/internal/audit"
	"github.com/keywarden/keywarden/internal/auth"
	"github.com/keywarden/keywarden/internal/config"
	"github.com/keywarden/keywarden/internal/db/repositories"
	"github.com/keywarden/keywarden/internal/jobs"
	"github.com/keywarden/keywarden/internal/middleware"
	"github.com/keywarden/keywarden/internal/quota"
	"github.com/keywarden/keywarden/internal/safego"
	"github.com/keywarden/keywarden/internal/services"
)

// BackgroundServices holds references to background jobs and resources that
// must be stopped during graceful shutdown. The caller (cmd/server) is
// responsible for calling Shutdown() when the process receives a termination
// signal.
type BackgroundServices struct {
	expiryNotifier *jobs.KeyExpiryNotifier
	memLedger      *quota.MemoryLedger
	auditShipper   audit.Shipper
}

// Shutdown stops all background goroutines. It should be called after the
// HTTP server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.expiryNotifier != nil {
		bg.expiryNotifier.Stop()
	}
	if bg.memLedger != nil {
		bg.memLedger.Stop()
	}
	if bg.auditShipper != nil {
		if err := bg.auditShipper.Close(); err != nil {
			slog.Error("failed to close audit shipper", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router. rdb may be nil, in which
// case the in-process usage ledger is used and IP rate limiting is disabled.
func NewRouter(cfg *config.Config, db *sql.DB, rdb redis.UniversalClient) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	credRepo := repositories.NewCredentialRepository(db)

	// Pick the usage ledger. Redis is the shared, multi-instance option; the
	// in-process ledger is only safe when exactly one instance serves traffic.
	var ledger quota.Ledger
	var memLedger *quota.MemoryLedger
	if rdb != nil {
		ledger = quota.NewRedisLedger(rdb)
		slog.Info("using redis usage ledger", "address", cfg.Redis.Address)
	} else {
		memLedger = quota.NewMemoryLedger()
		ledger = memLedger
		slog.Warn("using in-process usage ledger; quotas are not shared across instances")
	}

	enforcer := quota.NewEnforcer(ledger, cfg.Quota.BurstWindow)

	authorizer, err := auth.NewAuthorizer(credRepo, enforcer)
	if err != nil {
		log.Fatalf("Failed to initialize authorizer: %v", err)
	}

	lifecycle := services.NewLifecycleManager(credRepo, enforcer)

	// Audit shipping to external destinations (file, webhook, syslog)
	var shipper audit.Shipper
	if cfg.Audit.Enabled && len(cfg.Audit.Shippers) > 0 {
		ms, shipErr := audit.NewMultiShipper(auditShipperConfigs(cfg))
		if shipErr != nil {
			log.Fatalf("Failed to initialize audit shippers: %v", shipErr)
		}
		shipper = ms
	}

	// Expiry warning emails (no-op unless notifications are configured)
	expiryNotifier := jobs.NewKeyExpiryNotifier(credRepo, &cfg.Notifications)
	safego.Go(func() { expiryNotifier.Start(context.Background()) })

	// Pre-auth IP rate limiters. These need Redis; without it the quota
	// ledger still bounds authenticated traffic.
	var generalRL, adminRL *middleware.RateLimiter
	if rdb != nil && cfg.Security.RateLimiting.Enabled {
		generalRL = middleware.NewRateLimiter(rdb, middleware.RateLimitConfig{
			RequestsPerMinute: cfg.Security.RateLimiting.RequestsPerMinute,
			Burst:             cfg.Security.RateLimiting.Burst,
		})
		adminRL = middleware.NewRateLimiter(rdb, middleware.AdminRateLimitConfig())
	}

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))

	// Health check endpoint
	router.GET("/healthz", healthCheckHandler(db))

	// Readiness check endpoint (includes ledger backend probe)
	router.GET("/readyz", readinessHandler(db, rdb))

	// API version
	router.GET("/version", versionHandler())

	// Consumer surface: authenticates with issued API keys
	v1 := router.Group("/v1")
	v1.Use(maybeRateLimit(generalRL))
	v1.Use(middleware.KeyAuthMiddleware(authorizer, shipper, &cfg.Audit))
	{
		v1.GET("/whoami", whoamiHandler())
	}

	// Admin surface: authenticates with signed admin tokens
	apiV1 := router.Group("/api/v1")
	apiV1.Use(maybeRateLimit(adminRL))
	apiV1.Use(middleware.AdminAuthMiddleware())
	apiV1.Use(middleware.AuditMiddleware(shipper, &cfg.Audit))
	{
		apiKeyHandlers := admin.NewAPIKeyHandlers(cfg, lifecycle)

		apiKeysGroup := apiV1.Group("/apikeys")
		{
			apiKeysGroup.GET("", apiKeyHandlers.ListAPIKeysHandler())
			apiKeysGroup.POST("", apiKeyHandlers.CreateAPIKeyHandler())
			apiKeysGroup.GET("/:id", apiKeyHandlers.GetAPIKeyHandler())
			apiKeysGroup.PATCH("/:id", apiKeyHandlers.UpdateAPIKeyHandler())
			apiKeysGroup.DELETE("/:id", apiKeyHandlers.DeleteAPIKeyHandler())
			apiKeysGroup.POST("/:id/rotate", apiKeyHandlers.RotateAPIKeyHandler())
			apiKeysGroup.POST("/:id/revoke", apiKeyHandlers.RevokeAPIKeyHandler())
			apiKeysGroup.POST("/:id/restore", apiKeyHandlers.RestoreAPIKeyHandler())
		}
	}

	bg := &BackgroundServices{
		expiryNotifier: expiryNotifier,
		memLedger:      memLedger,
		auditShipper:   shipper,
	}

	return router, bg
}

// auditShipperConfigs converts the viper-backed audit config into the audit
// package's own config types.
func auditShipperConfigs(cfg *config.Config) []audit.ShipperConfig {
	out := make([]audit.ShipperConfig, 0, len(cfg.Audit.Shippers))
	for _, sc := range cfg.Audit.Shippers {
		conv := audit.ShipperConfig{
			Enabled: sc.Enabled,
			Type:    sc.Type,
		}
		if sc.Syslog != nil {
			conv.Syslog = &audit.SyslogConfig{
				Network:  sc.Syslog.Network,
				Address:  sc.Syslog.Address,
				Tag:      sc.Syslog.Tag,
				Facility: sc.Syslog.Facility,
			}
		}
		if sc.Webhook != nil {
			conv.Webhook = &audit.WebhookConfig{
				URL:           sc.Webhook.URL,
				Headers:       sc.Webhook.Headers,
				Timeout:       time.Duration(sc.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     sc.Webhook.BatchSize,
				FlushInterval: time.Duration(sc.Webhook.FlushInterval) * time.Second,
			}
		}
		if sc.File != nil {
			conv.File = &audit.FileConfig{
				Path:       sc.File.Path,
				MaxSizeMB:  sc.File.MaxSizeMB,
				MaxBackups: sc.File.MaxBackups,
			}
		}
		out = append(out, conv)
	}
	return out
}

// maybeRateLimit returns the rate-limit middleware when a limiter is
// configured and a pass-through otherwise.
func maybeRateLimit(rl *middleware.RateLimiter) gin.HandlerFunc {
	if rl == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.RateLimitMiddleware(rl)
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /healthz [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks database and, when configured, Redis connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: backend not ready"
// @Router       /readyz [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/healthz), this also pings Redis so a
// Kubernetes readiness gate fails when quota enforcement would error.
func readinessHandler(db *sql.DB, rdb redis.UniversalClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		// Check database connection
		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Check the shared ledger backend. The in-process ledger has no
		// external dependency, so nothing to probe without Redis.
		if rdb != nil {
			if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
				checks["redis"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the current API version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// @Summary      Identify the calling credential
// @Description  Returns the owner, role, and credential ID resolved from the presented API key. Useful for integration smoke tests and for services that delegate authorization decisions.
// @Tags         Consumer
// @Security     ApiKey
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "owner_id, role, credential_id"
// @Failure      401  {object}  map[string]interface{}  "Invalid credentials"
// @Failure      403  {object}  map[string]interface{}  "Credential revoked or expired"
// @Failure      429  {object}  map[string]interface{}  "Quota exceeded"
// @Router       /v1/whoami [get]
// whoamiHandler echoes the authenticated principal
func whoamiHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"owner_id":      c.GetString(middleware.OwnerIDKey),
			"role":          c.GetString(middleware.RoleKey),
			"credential_id": c.GetString(middleware.CredentialIDKey),
		})
	}
}

// LoggerMiddleware provides structured request logging via slog.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.Any("request_id", requestID),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}
