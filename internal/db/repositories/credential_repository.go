// credential_repository.go implements CredentialRepository, the durable store
// of issued credentials. Point queries on the authorization path use plain
// database/sql; the administrative list query uses sqlx because its WHERE and
// ORDER BY clauses are assembled dynamically from the caller's filter.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/keywarden/keywarden/internal/db/models"
)

const credentialColumns = `id, prefix, secret_hash, salt, masked_key, owner_id, role, name,
	monthly_quota, weekly_quota, burst_quota,
	created_at, last_used_at, expires_at, revoked_at, revocation_reason, expiry_notified_at`

// ErrPrefixTaken is returned by Create when the randomly generated prefix
// collides with an existing row. Callers retry with a fresh prefix.
var ErrPrefixTaken = fmt.Errorf("credential prefix already exists")

// CredentialSort names the columns the list endpoint may sort on. Anything
// else falls back to created_at — the sort column is interpolated into SQL
// and must never come from the request verbatim.
var credentialSortColumns = map[string]string{
	"name":          "name",
	"created_at":    "created_at",
	"last_used_at":  "last_used_at",
	"monthly_quota": "monthly_quota",
}

// CredentialFilter describes the list query: filtering, sorting, paging.
type CredentialFilter struct {
	OwnerID        string // empty → all owners
	Search         string // substring match on name, case-insensitive
	IncludeRevoked bool
	SortBy         string // name | created_at | last_used_at | monthly_quota
	SortDesc       bool
	Limit          int
	Offset         int
}

// CredentialRepository handles credential table operations.
type CredentialRepository struct {
	db  *sql.DB
	dbx *sqlx.DB
}

// NewCredentialRepository creates a CredentialRepository over an open pool.
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db, dbx: sqlx.NewDb(db, "postgres")}
}

// Create inserts a new credential row, assigning its id and creation time.
// A prefix collision surfaces as ErrPrefixTaken so the caller can regenerate.
func (r *CredentialRepository) Create(ctx context.Context, c *models.Credential) error {
	c.ID = uuid.New().String()
	c.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO credentials (id, prefix, secret_hash, salt, masked_key, owner_id, role, name,
			monthly_quota, weekly_quota, burst_quota, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.Prefix, c.SecretHash, c.Salt, c.MaskedKey, c.OwnerID, c.Role, c.Name,
		c.MonthlyQuota, c.WeeklyQuota, c.BurstQuota, c.CreatedAt, c.ExpiresAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrPrefixTaken
	}
	return err
}

func (r *CredentialRepository) getOne(ctx context.Context, where string, arg interface{}) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE ` + where

	c := &models.Credential{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&c.ID, &c.Prefix, &c.SecretHash, &c.Salt, &c.MaskedKey, &c.OwnerID, &c.Role, &c.Name,
		&c.MonthlyQuota, &c.WeeklyQuota, &c.BurstQuota,
		&c.CreatedAt, &c.LastUsedAt, &c.ExpiresAt, &c.RevokedAt, &c.RevocationReason, &c.ExpiryNotifiedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetByPrefix retrieves a credential by its lookup prefix (the authentication
// path). Returns (nil, nil) when no row matches.
func (r *CredentialRepository) GetByPrefix(ctx context.Context, prefix string) (*models.Credential, error) {
	return r.getOne(ctx, "prefix = $1", prefix)
}

// GetByID retrieves a credential by id. Returns (nil, nil) when no row matches.
func (r *CredentialRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	return r.getOne(ctx, "id = $1", id)
}

// UpdateSecret overwrites the hash, salt, and display form in place. The
// previous secret is permanently unverifiable the instant this commits;
// rotation has no dual-validity window.
func (r *CredentialRepository) UpdateSecret(ctx context.Context, id string, secretHash, salt []byte, maskedKey string) error {
	query := `UPDATE credentials SET secret_hash = $2, salt = $3, masked_key = $4 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, secretHash, salt, maskedKey)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Revoke marks the credential revoked. Revoking an already-revoked credential
// leaves the original revocation timestamp and reason untouched, which makes
// the operation idempotent.
func (r *CredentialRepository) Revoke(ctx context.Context, id string, reason *string) error {
	query := `
		UPDATE credentials
		SET revoked_at = $2, revocation_reason = $3
		WHERE id = $1 AND revoked_at IS NULL
	`
	_, err := r.db.ExecContext(ctx, query, id, time.Now().UTC(), reason)
	return err
}

// Restore clears the revocation fields and reports whether any row changed.
// false means the credential either does not exist or was never revoked; the
// caller disambiguates with GetByID.
func (r *CredentialRepository) Restore(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE credentials
		SET revoked_at = NULL, revocation_reason = NULL
		WHERE id = $1 AND revoked_at IS NOT NULL
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateSettings persists the mutable configuration columns (name, quotas,
// expiry). The service layer loads the row, applies the partial update, and
// writes the full set back; partial-update semantics live there, not in SQL.
func (r *CredentialRepository) UpdateSettings(ctx context.Context, c *models.Credential) error {
	query := `
		UPDATE credentials
		SET name = $2, monthly_quota = $3, weekly_quota = $4, burst_quota = $5, expires_at = $6
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		c.ID, c.Name, c.MonthlyQuota, c.WeeklyQuota, c.BurstQuota, c.ExpiresAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateLastUsed stamps last_used_at. Called fire-and-forget after an
// admitted request; failures are the caller's to swallow.
func (r *CredentialRepository) UpdateLastUsed(ctx context.Context, id string) error {
	query := `UPDATE credentials SET last_used_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	return err
}

// Delete removes the row outright. Hard administrative operation; normal
// decommissioning goes through Revoke.
func (r *CredentialRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// List returns credentials matching the filter, sorted and paged. Ties on the
// sort column are broken by id so pagination is stable across pages.
func (r *CredentialRepository) List(ctx context.Context, f CredentialFilter) ([]*models.Credential, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where = append(where, fmt.Sprintf("name ILIKE $%d", len(args)))
	}
	if !f.IncludeRevoked {
		where = append(where, "revoked_at IS NULL")
	}

	query := `SELECT ` + credentialColumns + ` FROM credentials`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	sortCol, ok := credentialSortColumns[f.SortBy]
	if !ok {
		sortCol = "created_at"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s NULLS LAST, id ASC", sortCol, dir)

	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	creds := make([]*models.Credential, 0)
	if err := r.dbx.SelectContext(ctx, &creds, query, args...); err != nil {
		return nil, err
	}
	return creds, nil
}

// FindExpiring returns non-revoked credentials that expire within warningDays
// and have not yet been notified. Consumed by the expiry notifier job.
func (r *CredentialRepository) FindExpiring(ctx context.Context, warningDays int) ([]*models.Credential, error) {
	cutoff := time.Now().UTC().Add(time.Duration(warningDays) * 24 * time.Hour)
	query := `SELECT ` + credentialColumns + ` FROM credentials
		WHERE expires_at IS NOT NULL
		  AND expires_at > NOW()
		  AND expires_at <= $1
		  AND expiry_notified_at IS NULL
		  AND revoked_at IS NULL
		ORDER BY expires_at ASC`

	creds := make([]*models.Credential, 0)
	if err := r.dbx.SelectContext(ctx, &creds, query, cutoff); err != nil {
		return nil, err
	}
	return creds, nil
}

// MarkExpiryNotified records that the expiry warning for a credential went
// out, preventing duplicates on subsequent job runs.
func (r *CredentialRepository) MarkExpiryNotified(ctx context.Context, id string) error {
	query := `UPDATE credentials SET expiry_notified_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	return err
}

// requireRow converts a zero-row update into sql.ErrNoRows so callers can
// distinguish "no such credential" from success without a prior read.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
