package admin

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/keywarden/keywarden/internal/auth"
	"github.com/keywarden/keywarden/internal/config"
	"github.com/keywarden/keywarden/internal/db/repositories"
	"github.com/keywarden/keywarden/internal/quota"
	"github.com/keywarden/keywarden/internal/services"
)

var (
	errDB     = errors.New("db error")
	errNoRows = sql.ErrNoRows
)

// ---------------------------------------------------------------------------
// Router helper
// ---------------------------------------------------------------------------

func newAPIKeyRouter(t *testing.T) (sqlmock.Sqlmock, *gin.Engine) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ledger := quota.NewMemoryLedger()
	t.Cleanup(ledger.Stop)

	lifecycle := services.NewLifecycleManager(
		repositories.NewCredentialRepository(db),
		quota.NewEnforcer(ledger, time.Minute),
	)
	h := NewAPIKeyHandlers(&config.Config{}, lifecycle)

	r := gin.New()
	grp := r.Group("/api/v1/apikeys")
	{
		grp.GET("", h.ListAPIKeysHandler())
		grp.POST("", h.CreateAPIKeyHandler())
		grp.GET("/:id", h.GetAPIKeyHandler())
		grp.PATCH("/:id", h.UpdateAPIKeyHandler())
		grp.DELETE("/:id", h.DeleteAPIKeyHandler())
		grp.POST("/:id/rotate", h.RotateAPIKeyHandler())
		grp.POST("/:id/revoke", h.RevokeAPIKeyHandler())
		grp.POST("/:id/restore", h.RestoreAPIKeyHandler())
	}
	return mock, r
}

func getJSON(w *httptest.ResponseRecorder) map[string]interface{} {
	var resp map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

func credentialRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "prefix", "secret_hash", "salt", "masked_key", "owner_id", "role", "name",
		"monthly_quota", "weekly_quota", "burst_quota",
		"created_at", "last_used_at", "expires_at", "revoked_at", "revocation_reason", "expiry_notified_at",
	})
}

func existingCredRow(id, prefix string) *sqlmock.Rows {
	return credentialRows().AddRow(
		id, prefix, []byte("hash"), []byte("salt"), "kw."+prefix+".****", "owner-1", "reader", "ci key",
		nil, nil, nil, time.Now(), nil, nil, nil, nil, nil,
	)
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreateAPIKey_Success(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	mock.ExpectExec("INSERT INTO credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"owner_id": "owner-1", "name": "deploy key", "monthly_quota": 10000}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/apikeys", strings.NewReader(body)))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: body=%s", w.Code, w.Body.String())
	}
	resp := getJSON(w)
	key, _ := resp["key"].(string)
	if auth.Parse(key) == nil {
		t.Errorf("response key %q is not a well-formed external key", key)
	}
	if resp["owner_id"] != "owner-1" {
		t.Errorf("owner_id = %v, want owner-1", resp["owner_id"])
	}
	if resp["monthly_quota"] != float64(10000) {
		t.Errorf("monthly_quota = %v, want 10000", resp["monthly_quota"])
	}
	if resp["weekly_quota"] != nil {
		t.Errorf("weekly_quota = %v, want null (unlimited)", resp["weekly_quota"])
	}
	if resp["masked_key"] != auth.Mask(key) {
		t.Errorf("masked_key = %v, want %q", resp["masked_key"], auth.Mask(key))
	}
}

func TestCreateAPIKey_MissingOwner(t *testing.T) {
	_, r := newAPIKeyRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/apikeys", strings.NewReader(`{"name": "x"}`)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateAPIKey_BadExpiresAt(t *testing.T) {
	_, r := newAPIKeyRouter(t)

	body := `{"owner_id": "owner-1", "expires_at": "next tuesday"}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/apikeys", strings.NewReader(body)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateAPIKey_DBError(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	mock.ExpectExec("INSERT INTO credentials").WillReturnError(errDB)

	body := `{"owner_id": "owner-1"}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/apikeys", strings.NewReader(body)))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ---------------------------------------------------------------------------
// List / Get
// ---------------------------------------------------------------------------

func TestListAPIKeys(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM credentials").
		WillReturnRows(existingCredRow("cred-1", "a1b2c3d4e5f6"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/apikeys", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: body=%s", w.Code, w.Body.String())
	}
	resp := getJSON(w)
	if resp["count"] != float64(1) {
		t.Errorf("count = %v, want 1", resp["count"])
	}
	// The secret hash must never serialize. The masked display form does.
	if strings.Contains(w.Body.String(), "secret_hash") {
		t.Error("response leaked secret_hash")
	}
	if !strings.Contains(w.Body.String(), `"masked_key":"kw.a1b2c3d4e5f6.****"`) {
		t.Errorf("body %q missing masked key display form", w.Body.String())
	}
}

func TestListAPIKeys_ClampsLimit(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	// limit=9999 must clamp back to the default 50.
	mock.ExpectQuery(`LIMIT \$1`).
		WithArgs(50).
		WillReturnRows(credentialRows())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/apikeys?limit=9999", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetAPIKey_NotFound(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM credentials WHERE id").
		WillReturnError(errNoRows)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/apikeys/missing", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

func TestUpdateAPIKey_PartialUpdate(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	monthly := int64(1000)
	mock.ExpectQuery("SELECT (.+) FROM credentials WHERE id").
		WillReturnRows(credentialRows().AddRow(
			"cred-1", "a1b2c3d4e5f6", []byte("h"), []byte("s"), "kw.a1b2c3d4e5f6.****", "owner-1", "reader", "old",
			monthly, nil, nil, time.Now(), nil, nil, nil, nil, nil,
		))
	mock.ExpectExec("UPDATE credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"name": "renamed"}`
	req := httptest.NewRequest("PATCH", "/api/v1/apikeys/cred-1", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "renamed") {
		t.Errorf("body %q missing updated name", w.Body.String())
	}
	// Monthly quota was omitted from the PATCH and must survive.
	if !strings.Contains(w.Body.String(), "1000") {
		t.Errorf("body %q lost the untouched monthly quota", w.Body.String())
	}
}

func TestUpdateAPIKey_NotFound(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM credentials WHERE id").
		WillReturnError(errNoRows)

	req := httptest.NewRequest("PATCH", "/api/v1/apikeys/missing", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Rotate
// ---------------------------------------------------------------------------

func TestRotateAPIKey_Success(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM credentials WHERE id").
		WillReturnRows(existingCredRow("cred-1", "a1b2c3d4e5f6"))
	mock.ExpectExec("UPDATE credentials SET secret_hash").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM credentials WHERE id").
		WillReturnRows(existingCredRow("cred-1", "a1b2c3d4e5f6"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/apikeys/cred-1/rotate", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: body=%s", w.Code, w.Body.String())
	}
	resp := getJSON(w)
	key, _ := resp["key"].(string)
	parsed := auth.Parse(key)
	if parsed == nil {
		t.Fatalf("rotated key %q malformed", key)
	}
	if parsed.Prefix != "a1b2c3d4e5f6" {
		t.Errorf("rotated key prefix = %q, want original a1b2c3d4e5f6", parsed.Prefix)
	}
	// The response masked form comes from the re-selected row.
	if resp["masked_key"] != "kw.a1b2c3d4e5f6.****" {
		t.Errorf("masked_key = %v, want the stored display form", resp["masked_key"])
	}
}

func TestRotateAPIKey_NotFound(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM credentials WHERE id").
		WillReturnError(errNoRows)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/apikeys/missing/rotate", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Revoke / Restore / Delete
// ---------------------------------------------------------------------------

func TestRevokeAPIKey_WithReason(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM credentials WHERE id").
		WillReturnRows(existingCredRow("cred-1", "a1b2c3d4e5f6"))
	mock.ExpectExec("UPDATE credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"reason": "compromised in CI logs"}`
	req := httptest.NewRequest("POST", "/api/v1/apikeys/cred-1/revoke", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: body=%s", w.Code, w.Body.String())
	}
}

func TestRevokeAPIKey_NoBody(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM credentials WHERE id").
		WillReturnRows(existingCredRow("cred-1", "a1b2c3d4e5f6"))
	mock.ExpectExec("UPDATE credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/apikeys/cred-1/revoke", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with optional body omitted", w.Code)
	}
}

func TestRestoreAPIKey_Success(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	mock.ExpectExec("UPDATE credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/apikeys/cred-1/restore", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRestoreAPIKey_NotRevoked(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	mock.ExpectExec("UPDATE credentials").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM credentials WHERE id").
		WillReturnRows(existingCredRow("cred-1", "a1b2c3d4e5f6"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/apikeys/cred-1/restore", nil))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestDeleteAPIKey(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	mock.ExpectExec("DELETE FROM credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/v1/apikeys/cred-1", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestDeleteAPIKey_NotFound(t *testing.T) {
	mock, r := newAPIKeyRouter(t)

	mock.ExpectExec("DELETE FROM credentials").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/v1/apikeys/missing", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
