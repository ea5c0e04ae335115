// jwt.go handles the bearer tokens that protect the administrative surface.
// Admin tokens are issued out-of-band (operator tooling signs them with the
// shared secret); this file covers secret validation at startup, token
// generation, and verification. API consumers never see JWTs — they hold
// opaque keys verified by the authorizer.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	adminSecret     string
	adminSecretOnce sync.Once
	adminSecretErr  error
)

// AdminClaims is the claims structure of an admin token.
type AdminClaims struct {
	AdminID string `json:"admin_id"`
	jwt.RegisteredClaims
}

// isDevMode checks whether we are running in a development environment.
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	ginMode := os.Getenv("GIN_MODE")
	return devMode == "true" || devMode == "1" || ginMode == "debug"
}

// generateRandomSecret creates a cryptographically secure random secret.
func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// ValidateAdminSecret checks that the admin token secret is configured.
// In production this fails when KW_ADMIN_JWT_SECRET is unset; in dev mode a
// random per-process secret is generated with a warning. Call at startup.
func ValidateAdminSecret() error {
	adminSecretOnce.Do(func() {
		secret := os.Getenv("KW_ADMIN_JWT_SECRET")

		if secret == "" {
			if isDevMode() {
				adminSecret = generateRandomSecret()
				slog.Warn("KW_ADMIN_JWT_SECRET not set; using auto-generated secret for development")
				slog.Warn("admin tokens will not survive restarts; set KW_ADMIN_JWT_SECRET for persistence")
			} else {
				adminSecretErr = errors.New("KW_ADMIN_JWT_SECRET environment variable is required in production; " +
					"generate one with: openssl rand -hex 32")
			}
			return
		}

		if len(secret) < 32 {
			slog.Warn("KW_ADMIN_JWT_SECRET is shorter than the recommended 32 characters")
		}
		adminSecret = secret
	})

	return adminSecretErr
}

func getAdminSecret() string {
	if adminSecret == "" {
		if err := ValidateAdminSecret(); err != nil {
			panic(err)
		}
	}
	return adminSecret
}

// GenerateAdminToken creates a signed admin token. Used by operator tooling
// and tests; the server itself only verifies.
func GenerateAdminToken(adminID string, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = time.Hour
	}

	claims := &AdminClaims{
		AdminID: adminID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "keywarden",
			Subject:   adminID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(getAdminSecret()))
}

// ValidateAdminToken parses and verifies an admin token.
func ValidateAdminToken(tokenString string) (*AdminClaims, error) {
	secret := getAdminSecret()

	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}
