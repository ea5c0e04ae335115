// enforcer.go implements the admission decision over a Ledger: it translates
// a credential's configured Quotas into canonical window demands, short-
// circuits on blocked windows, and asks the ledger for one atomic
// check-and-consume across everything that remains.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/keywarden/keywarden/internal/telemetry"
)

// Decision is the outcome of one quota check. When Allowed is false, Window
// names the limiting window and RetryAfter how long until it rolls over.
// RetryAfter is zero for blocked windows — the denial is permanent for as
// long as the quota stays configured to zero.
type Decision struct {
	Allowed    bool
	Window     Window
	RetryAfter time.Duration
}

// Enforcer computes window boundaries and consumes allowance from a Ledger.
type Enforcer struct {
	ledger Ledger
	burst  time.Duration
	now    func() time.Time
}

// NewEnforcer creates an Enforcer over the given ledger. burstWindow <= 0
// falls back to DefaultBurstWindow.
func NewEnforcer(ledger Ledger, burstWindow time.Duration) *Enforcer {
	if burstWindow <= 0 {
		burstWindow = DefaultBurstWindow
	}
	return &Enforcer{ledger: ledger, burst: burstWindow, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// CheckAndConsume admits or denies one request for the credential.
// Windows are evaluated in increasing granularity order (burst, weekly,
// monthly); a blocked window denies before the ledger is touched, so a fully
// blocked credential costs no round-trip. The ledger call is all-or-nothing:
// a denial on any window leaves every counter untouched.
func (e *Enforcer) CheckAndConsume(ctx context.Context, credentialID string, q Quotas) (Decision, error) {
	now := e.now()

	demands := make([]Demand, 0, 3)
	for _, w := range Windows() {
		limit, err := q.Limit(w)
		if err != nil {
			return Decision{}, err
		}
		if limit.IsUnlimited() {
			continue
		}
		if limit.IsBlocked() {
			telemetry.QuotaDenialsTotal.WithLabelValues(string(w)).Inc()
			return Decision{Allowed: false, Window: w}, nil
		}
		demands = append(demands, Demand{
			Window:  w,
			Cap:     limit.Cap(),
			Start:   w.Start(now, e.burst),
			ResetAt: w.Next(now, e.burst),
		})
	}

	if len(demands) == 0 {
		return Decision{Allowed: true}, nil
	}

	outcome, err := e.ledger.Consume(ctx, credentialID, demands)
	if err != nil {
		return Decision{}, fmt.Errorf("quota consume for credential %s: %w", credentialID, err)
	}
	if outcome.Allowed {
		return Decision{Allowed: true}, nil
	}

	telemetry.QuotaDenialsTotal.WithLabelValues(string(outcome.Denied)).Inc()
	return Decision{
		Allowed:    false,
		Window:     outcome.Denied,
		RetryAfter: outcome.Denied.Next(now, e.burst).Sub(now),
	}, nil
}

// Release discards all counters for a credential. Called on hard delete.
func (e *Enforcer) Release(ctx context.Context, credentialID string) error {
	return e.ledger.Reset(ctx, credentialID)
}
