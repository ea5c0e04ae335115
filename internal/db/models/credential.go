// Package models defines the database model types for Keywarden.
// Each type corresponds to a table and uses struct tags for JSON serialization
// and sqlx row scanning. Models are pure data — query logic belongs in the
// repositories layer, business rules in the services layer.
package models

import (
	"time"

	"github.com/keywarden/keywarden/internal/quota"
)

// Credential is one issued API key. The raw secret never appears here: only
// the scrypt digest and its per-credential salt are durable, alongside the
// non-secret lookup prefix embedded in the external key string.
type Credential struct {
	ID         string `db:"id" json:"id"`
	Prefix     string `db:"prefix" json:"prefix"` // 12 hex chars, indexed, safe to log
	SecretHash []byte `db:"secret_hash" json:"-"`
	Salt       []byte `db:"salt" json:"-"`

	// MaskedKey is the display form of the external key (payload masked except
	// its last four characters), captured at issue/rotate time. It is the only
	// key-shaped string that may appear in list/get responses and audit logs.
	MaskedKey string `db:"masked_key" json:"masked_key"`

	OwnerID string `db:"owner_id" json:"owner_id"` // principal the key authenticates as
	Role    string `db:"role" json:"role"`         // role handed to downstream authorization
	Name    string `db:"name" json:"name"`         // human label, optional

	// Per-window quotas: NULL → unlimited, 0 → blocked, n → capped.
	MonthlyQuota *int64 `db:"monthly_quota" json:"monthly_quota"`
	WeeklyQuota  *int64 `db:"weekly_quota" json:"weekly_quota"`
	BurstQuota   *int64 `db:"burst_quota" json:"burst_quota"`

	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt       *time.Time `db:"last_used_at" json:"last_used_at"`
	ExpiresAt        *time.Time `db:"expires_at" json:"expires_at"`
	RevokedAt        *time.Time `db:"revoked_at" json:"revoked_at"`
	RevocationReason *string    `db:"revocation_reason" json:"revocation_reason"`
	ExpiryNotifiedAt *time.Time `db:"expiry_notified_at" json:"-"`
}

// IsRevoked reports whether the credential has been administratively revoked.
func (c *Credential) IsRevoked() bool {
	return c.RevokedAt != nil
}

// IsExpired reports whether the credential's expiry, if any, has passed.
// Expiry is always derived from the clock at check time; there is no stored
// "expired" state that could drift from it.
func (c *Credential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// IsUsable reports whether the credential may authenticate requests: not
// revoked and not past its expiry.
func (c *Credential) IsUsable(now time.Time) bool {
	return !c.IsRevoked() && !c.IsExpired(now)
}

// Quotas converts the stored nullable quota columns into the three-way
// quota.Limit representation consumed by the enforcer.
func (c *Credential) Quotas() quota.Quotas {
	return quota.Quotas{
		Burst:   quota.LimitFromPtr(c.BurstQuota),
		Weekly:  quota.LimitFromPtr(c.WeeklyQuota),
		Monthly: quota.LimitFromPtr(c.MonthlyQuota),
	}
}
