// ledger.go defines the Ledger interface that durable usage counters must
// satisfy. Two implementations exist: RedisLedger (distributed, Lua-scripted)
// and MemoryLedger (per-credential mutex, single process). Both guarantee the
// same contract: Consume is a single atomic step across every demanded window,
// so either all demanded counters advance by one or none do.
package quota

import (
	"context"
	"errors"
	"time"
)

// ErrLedgerUnavailable is returned when the backing store cannot be reached.
// Callers must treat it as a denial (fail closed), never as an admit.
var ErrLedgerUnavailable = errors.New("usage ledger unavailable")

// Demand describes one window's counter to be checked and consumed.
// Start is the canonical boundary of the current window; a stored counter
// whose start differs has rolled over and is reset to zero before the check.
type Demand struct {
	Window Window
	Cap    int64
	Start  time.Time
	// ResetAt is the next boundary. MemoryLedger ignores it; RedisLedger
	// derives the key TTL from it so abandoned counters expire on their own.
	ResetAt time.Time
}

// Outcome reports the result of a Consume call. When Allowed is false,
// Denied names the first window that had no remaining capacity and no
// counter (in any window) was advanced.
type Outcome struct {
	Allowed bool
	Denied  Window
}

// Ledger is the durable, concurrency-safe counter store. Implementations must
// make Consume atomic: under N concurrent calls against a window with K
// remaining capacity, exactly K succeed.
type Ledger interface {
	// Consume checks every demand in order and, only if all have remaining
	// capacity, increments them all. A denied call has no side effect.
	Consume(ctx context.Context, credentialID string, demands []Demand) (Outcome, error)

	// Reset discards all counters for a credential. Used when a credential
	// is deleted so a recreated id does not inherit stale usage.
	Reset(ctx context.Context, credentialID string) error
}
