// authorizer.go implements the single admit/deny decision the HTTP layer
// calls once per request: parse the bearer key, look the credential up by
// prefix, verify the secret, check lifecycle state, and consume quota.
//
// Denials are values, never errors — rejecting a request is an expected,
// common outcome. The only failures treated differently are backend outages
// during the critical checks, which surface as ReasonBackendUnavailable and
// must be mapped to a denial (fail closed) by the caller.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/keywarden/keywarden/internal/db/models"
	"github.com/keywarden/keywarden/internal/quota"
	"github.com/keywarden/keywarden/internal/safego"
	"github.com/keywarden/keywarden/internal/telemetry"
)

// DenialReason classifies why a request was not admitted. The HTTP layer maps
// these onto status codes: malformed/invalid → 401, revoked/expired → 403,
// quota → 429, backend → 503.
type DenialReason string

const (
	// ReasonMalformedKey: the bearer string is not structurally a key.
	ReasonMalformedKey DenialReason = "malformed_key"

	// ReasonInvalidCredential covers both an unknown prefix and a secret
	// mismatch. The two cases are deliberately merged so a caller cannot
	// probe which prefixes exist.
	ReasonInvalidCredential DenialReason = "invalid_credential"

	// ReasonRevoked: the credential exists and verified but is revoked.
	ReasonRevoked DenialReason = "revoked"

	// ReasonExpired: the credential exists and verified but has expired.
	ReasonExpired DenialReason = "expired"

	// ReasonQuotaExceeded: a usage window has no remaining allowance.
	ReasonQuotaExceeded DenialReason = "quota_exceeded"

	// ReasonBackendUnavailable: the credential store or usage ledger
	// failed during a critical check. Deny, never silently admit.
	ReasonBackendUnavailable DenialReason = "backend_unavailable"
)

// Principal is the identity an admitted request acts as.
type Principal struct {
	OwnerID      string
	Role         string
	CredentialID string
}

// Decision is the outcome of Authorize. Window and RetryAfter are populated
// only for ReasonQuotaExceeded.
type Decision struct {
	Allowed    bool
	Principal  Principal
	Reason     DenialReason
	Window     quota.Window
	RetryAfter time.Duration
}

// CredentialStore is the slice of the repository the authorizer needs.
type CredentialStore interface {
	GetByPrefix(ctx context.Context, prefix string) (*models.Credential, error)
	UpdateLastUsed(ctx context.Context, id string) error
}

// Authorizer orchestrates codec, hasher, store, and quota enforcer.
type Authorizer struct {
	store    CredentialStore
	enforcer *quota.Enforcer
	now      func() time.Time

	// decoySalt/decoyHash feed a throwaway verification when the prefix
	// finds no row, so an unknown prefix costs the same scrypt work as a
	// wrong secret and the two cases cannot be told apart by timing.
	decoySalt []byte
	decoyHash []byte
}

// NewAuthorizer creates an Authorizer. It precomputes the decoy hash once so
// the miss path does per-request work identical to the hit path.
func NewAuthorizer(store CredentialStore, enforcer *quota.Enforcer) (*Authorizer, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	digest, err := HashSecret("decoy-payload-never-matches", salt)
	if err != nil {
		return nil, err
	}
	return &Authorizer{
		store:     store,
		enforcer:  enforcer,
		now:       time.Now,
		decoySalt: salt,
		decoyHash: digest,
	}, nil
}

// WithClock overrides the time source. Tests only.
func (a *Authorizer) WithClock(now func() time.Time) *Authorizer {
	a.now = now
	return a
}

func deny(reason DenialReason) Decision {
	telemetry.AuthDecisionsTotal.WithLabelValues(string(reason)).Inc()
	return Decision{Allowed: false, Reason: reason}
}

// Authorize runs the full admission pipeline for one raw bearer key,
// short-circuiting on the first failed check. On success the best-effort
// last-used timestamp update happens off the critical path; its failure can
// never turn an admitted request into a denial.
func (a *Authorizer) Authorize(ctx context.Context, rawKey string) Decision {
	parsed := Parse(rawKey)
	if parsed == nil {
		return deny(ReasonMalformedKey)
	}

	cred, err := a.store.GetByPrefix(ctx, parsed.Prefix)
	if err != nil {
		slog.Error("credential lookup failed", "prefix", parsed.Prefix, "error", err)
		return deny(ReasonBackendUnavailable)
	}
	if cred == nil {
		// Burn the same scrypt work a real verification would, then
		// deny with the same reason as a wrong secret.
		VerifySecret(parsed.Payload, a.decoySalt, a.decoyHash)
		return deny(ReasonInvalidCredential)
	}

	if !VerifySecret(parsed.Payload, cred.Salt, cred.SecretHash) {
		return deny(ReasonInvalidCredential)
	}

	if cred.IsRevoked() {
		return deny(ReasonRevoked)
	}
	if cred.IsExpired(a.now()) {
		return deny(ReasonExpired)
	}

	qd, err := a.enforcer.CheckAndConsume(ctx, cred.ID, cred.Quotas())
	if err != nil {
		if errors.Is(err, quota.ErrLedgerUnavailable) {
			slog.Error("usage ledger unavailable", "credential_id", cred.ID, "error", err)
		} else {
			slog.Error("quota check failed", "credential_id", cred.ID, "error", err)
		}
		return deny(ReasonBackendUnavailable)
	}
	if !qd.Allowed {
		d := deny(ReasonQuotaExceeded)
		d.Window = qd.Window
		d.RetryAfter = qd.RetryAfter
		return d
	}

	// Fire-and-forget: last-used tracking is observability, not
	// correctness. The 5-second timeout prevents leaked goroutines when
	// the database is temporarily unreachable.
	credID := cred.ID
	safego.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.UpdateLastUsed(ctx, credID); err != nil {
			slog.Warn("failed to update last-used timestamp", "credential_id", credID, "error", err)
		}
	})

	telemetry.AuthDecisionsTotal.WithLabelValues("admitted").Inc()
	return Decision{
		Allowed: true,
		Principal: Principal{
			OwnerID:      cred.OwnerID,
			Role:         cred.Role,
			CredentialID: cred.ID,
		},
	}
}
