package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func serveWithHeaders(cfg SecurityHeadersConfig) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(SecurityHeadersMiddleware(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	return w
}

func TestSecurityHeaders_APIDefaults(t *testing.T) {
	w := serveWithHeaders(APISecurityHeadersConfig())

	want := map[string]string{
		"Strict-Transport-Security":    "max-age=31536000; includeSubDomains",
		"Content-Security-Policy":      "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":              "no-referrer",
		"X-Frame-Options":              "DENY",
		"X-Content-Type-Options":       "nosniff",
		"Cross-Origin-Resource-Policy": "same-origin",
	}
	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestSecurityHeaders_HSTSDisabled(t *testing.T) {
	cfg := APISecurityHeadersConfig()
	cfg.EnableHSTS = false

	w := serveWithHeaders(cfg)
	if got := w.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("Strict-Transport-Security = %q, want unset", got)
	}
	// The unconditional headers stay.
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestSecurityHeaders_HSTSWithoutSubdomains(t *testing.T) {
	cfg := SecurityHeadersConfig{EnableHSTS: true, HSTSMaxAge: 3600}

	w := serveWithHeaders(cfg)
	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=3600" {
		t.Errorf("Strict-Transport-Security = %q, want max-age=3600", got)
	}
}

func TestSecurityHeaders_EmptyOptionalValuesOmitted(t *testing.T) {
	w := serveWithHeaders(SecurityHeadersConfig{})

	if got := w.Header().Get("Content-Security-Policy"); got != "" {
		t.Errorf("Content-Security-Policy = %q, want unset", got)
	}
	if got := w.Header().Get("Referrer-Policy"); got != "" {
		t.Errorf("Referrer-Policy = %q, want unset", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}
