// Package services holds the business logic that sits between the HTTP
// handlers and the repositories. lifecycle.go implements the credential
// lifecycle: create, rotate, revoke, restore, settings updates, listing, and
// hard deletion. The raw external key exists only inside Create and Rotate
// return values; nothing here ever persists or logs it.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keywarden/keywarden/internal/auth"
	"github.com/keywarden/keywarden/internal/db/models"
	"github.com/keywarden/keywarden/internal/db/repositories"
	"github.com/keywarden/keywarden/internal/quota"
	"github.com/keywarden/keywarden/internal/telemetry"
)

var (
	// ErrCredentialNotFound is returned when the target id has no row.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrNotRevoked is returned by Restore when the credential was never
	// revoked — restoring a live credential is a caller mistake worth
	// surfacing, not a no-op.
	ErrNotRevoked = errors.New("credential is not revoked")
)

// OptionalLimit distinguishes "field absent" from "field explicitly null" in
// a partial update. Absent leaves the quota unchanged; explicit null clears
// it to unlimited; a number sets a cap (zero blocks the window).
type OptionalLimit struct {
	Set   bool
	Value *int64
}

// UnmarshalJSON is only invoked for keys present in the request body, which
// is exactly the absent/null distinction OptionalLimit encodes.
func (o *OptionalLimit) UnmarshalJSON(b []byte) error {
	o.Set = true
	return json.Unmarshal(b, &o.Value)
}

// OptionalTime is OptionalLimit for timestamps (expiry updates).
type OptionalTime struct {
	Set   bool
	Value *time.Time
}

func (o *OptionalTime) UnmarshalJSON(b []byte) error {
	o.Set = true
	return json.Unmarshal(b, &o.Value)
}

// CreateParams are the administrative inputs for issuing a credential.
// Quota pointers follow the storage convention: nil → unlimited, 0 →
// blocked, n → capped.
type CreateParams struct {
	OwnerID      string
	Role         string
	Name         string
	MonthlyQuota *int64
	WeeklyQuota  *int64
	BurstQuota   *int64
	ExpiresAt    *time.Time
}

// UpdateParams is a partial settings update. Unset fields are untouched.
type UpdateParams struct {
	Name      *string
	Monthly   OptionalLimit
	Weekly    OptionalLimit
	Burst     OptionalLimit
	ExpiresAt OptionalTime
}

// LifecycleManager creates, rotates, revokes, restores, and deletes
// credentials.
type LifecycleManager struct {
	creds    *repositories.CredentialRepository
	enforcer *quota.Enforcer
}

// NewLifecycleManager wires the manager to its repository and the quota
// enforcer (needed to discard counters on hard delete).
func NewLifecycleManager(creds *repositories.CredentialRepository, enforcer *quota.Enforcer) *LifecycleManager {
	return &LifecycleManager{creds: creds, enforcer: enforcer}
}

func opResult(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	telemetry.KeyLifecycleOpsTotal.WithLabelValues(op, result).Inc()
}

// Create issues a new credential. The returned external key is shown to the
// caller exactly once and is never retrievable again: only the scrypt digest
// is durable. A prefix collision (6 random bytes, so effectively never) is
// retried once with a fresh key before giving up.
func (m *LifecycleManager) Create(ctx context.Context, p CreateParams) (externalKey string, cred *models.Credential, err error) {
	defer func() { opResult("create", err) }()

	if p.OwnerID == "" {
		return "", nil, errors.New("owner id is required")
	}
	role := p.Role
	if role == "" {
		role = "api"
	}

	for attempt := 0; attempt < 2; attempt++ {
		key, genErr := auth.Generate()
		if genErr != nil {
			return "", nil, genErr
		}
		salt, saltErr := auth.NewSalt()
		if saltErr != nil {
			return "", nil, saltErr
		}
		digest, hashErr := auth.HashSecret(key.Payload, salt)
		if hashErr != nil {
			return "", nil, hashErr
		}

		c := &models.Credential{
			Prefix:       key.Prefix,
			SecretHash:   digest,
			Salt:         salt,
			MaskedKey:    auth.Mask(key.ExternalKey),
			OwnerID:      p.OwnerID,
			Role:         role,
			Name:         p.Name,
			MonthlyQuota: p.MonthlyQuota,
			WeeklyQuota:  p.WeeklyQuota,
			BurstQuota:   p.BurstQuota,
			ExpiresAt:    p.ExpiresAt,
		}

		createErr := m.creds.Create(ctx, c)
		if errors.Is(createErr, repositories.ErrPrefixTaken) {
			continue
		}
		if createErr != nil {
			return "", nil, fmt.Errorf("failed to persist credential: %w", createErr)
		}
		return key.ExternalKey, c, nil
	}
	return "", nil, fmt.Errorf("failed to persist credential: %w", repositories.ErrPrefixTaken)
}

// Rotate replaces the secret of an existing credential in place: same id,
// same prefix, same owner and quotas; fresh payload, salt, and hash. The old
// external key is permanently invalid the instant the new hash commits.
func (m *LifecycleManager) Rotate(ctx context.Context, id string) (externalKey string, err error) {
	defer func() { opResult("rotate", err) }()

	c, err := m.creds.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", ErrCredentialNotFound
	}

	payloadRaw, err := auth.Generate()
	if err != nil {
		return "", err
	}
	salt, err := auth.NewSalt()
	if err != nil {
		return "", err
	}
	digest, err := auth.HashSecret(payloadRaw.Payload, salt)
	if err != nil {
		return "", err
	}

	// Reassemble the external key around the existing prefix — the prefix
	// is the credential's stable public identity and survives rotation.
	newKey := auth.KeyTag + auth.KeySeparator + c.Prefix + auth.KeySeparator + payloadRaw.Payload

	if err = m.creds.UpdateSecret(ctx, id, digest, salt, auth.Mask(newKey)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrCredentialNotFound
		}
		return "", fmt.Errorf("failed to rotate credential: %w", err)
	}
	return newKey, nil
}

// Revoke marks the credential revoked. Revoking an already-revoked
// credential is a no-op, not an error.
func (m *LifecycleManager) Revoke(ctx context.Context, id string, reason *string) (err error) {
	defer func() { opResult("revoke", err) }()

	c, err := m.creds.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrCredentialNotFound
	}
	return m.creds.Revoke(ctx, id, reason)
}

// Restore clears a revocation. Fails with ErrNotRevoked when the credential
// was never revoked, catching administrative mistakes.
func (m *LifecycleManager) Restore(ctx context.Context, id string) (err error) {
	defer func() { opResult("restore", err) }()

	restored, err := m.creds.Restore(ctx, id)
	if err != nil {
		return err
	}
	if restored {
		return nil
	}

	c, err := m.creds.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrCredentialNotFound
	}
	return ErrNotRevoked
}

// Update applies a partial settings change and returns the updated record.
// Omitted quota fields stay as they are; explicit nulls clear to unlimited.
func (m *LifecycleManager) Update(ctx context.Context, id string, p UpdateParams) (cred *models.Credential, err error) {
	defer func() { opResult("update", err) }()

	c, err := m.creds.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCredentialNotFound
	}

	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Monthly.Set {
		c.MonthlyQuota = p.Monthly.Value
	}
	if p.Weekly.Set {
		c.WeeklyQuota = p.Weekly.Value
	}
	if p.Burst.Set {
		c.BurstQuota = p.Burst.Value
	}
	if p.ExpiresAt.Set {
		c.ExpiresAt = p.ExpiresAt.Value
	}

	if err = m.creds.UpdateSettings(ctx, c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return c, nil
}

// Get fetches one credential by id.
func (m *LifecycleManager) Get(ctx context.Context, id string) (*models.Credential, error) {
	c, err := m.creds.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCredentialNotFound
	}
	return c, nil
}

// List returns credentials matching the filter.
func (m *LifecycleManager) List(ctx context.Context, f repositories.CredentialFilter) ([]*models.Credential, error) {
	return m.creds.List(ctx, f)
}

// Delete removes a credential outright and discards its usage counters so a
// future credential can never inherit stale usage. Counter cleanup is
// best-effort: the ledger entry also expires on its own.
func (m *LifecycleManager) Delete(ctx context.Context, id string) (err error) {
	defer func() { opResult("delete", err) }()

	if err = m.creds.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCredentialNotFound
		}
		return err
	}
	if resetErr := m.enforcer.Release(ctx, id); resetErr != nil {
		// The row is gone; a failed counter reset only delays cleanup
		// until the ledger TTL fires.
		slog.Warn("failed to reset usage counters after delete", "credential_id", id, "error", resetErr)
	}
	return nil
}
