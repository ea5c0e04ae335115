// Package quota implements multi-window usage accounting for API credentials.
//
// Every credential carries three independent allowances — burst, weekly, and
// monthly — and a request is admitted only when all three have remaining
// capacity. Counters live in a Ledger (Redis in production, in-process memory
// for single-node deployments and tests) and are advanced by a single atomic
// check-and-consume step so that concurrent requests can never overshoot a
// configured cap.
package quota

import (
	"fmt"
	"strconv"
)

// Limit is the allowance configured for one window. It distinguishes three
// cases that a bare integer column cannot: no limit at all, a hard block, and
// a positive cap. The zero value is Unlimited.
type Limit struct {
	capped bool
	n      int64
}

// Unlimited returns a Limit that admits every request for its window.
func Unlimited() Limit {
	return Limit{}
}

// Blocked returns a Limit that denies every request for its window.
func Blocked() Limit {
	return Limit{capped: true, n: 0}
}

// Capped returns a Limit that admits at most n requests per window.
// Capped(0) is equivalent to Blocked().
func Capped(n int64) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{capped: true, n: n}
}

// IsUnlimited reports whether the window is not accounted at all.
func (l Limit) IsUnlimited() bool { return !l.capped }

// IsBlocked reports whether the window admits nothing.
func (l Limit) IsBlocked() bool { return l.capped && l.n == 0 }

// Cap returns the configured cap. Only meaningful when IsUnlimited() is false.
func (l Limit) Cap() int64 { return l.n }

func (l Limit) String() string {
	if !l.capped {
		return "unlimited"
	}
	if l.n == 0 {
		return "blocked"
	}
	return strconv.FormatInt(l.n, 10)
}

// LimitFromPtr converts the nullable integer representation used by the
// credentials table (NULL → unlimited, 0 → blocked, n → capped) into a Limit.
func LimitFromPtr(p *int64) Limit {
	if p == nil {
		return Unlimited()
	}
	return Capped(*p)
}

// Ptr converts a Limit back into the nullable integer representation for
// storage and JSON responses.
func (l Limit) Ptr() *int64 {
	if !l.capped {
		return nil
	}
	n := l.n
	return &n
}

// Quotas bundles the per-window limits of one credential.
type Quotas struct {
	Burst   Limit
	Weekly  Limit
	Monthly Limit
}

// Limit returns the limit configured for the given window.
func (q Quotas) Limit(w Window) (Limit, error) {
	switch w {
	case WindowBurst:
		return q.Burst, nil
	case WindowWeekly:
		return q.Weekly, nil
	case WindowMonthly:
		return q.Monthly, nil
	default:
		return Limit{}, fmt.Errorf("unknown quota window %q", w)
	}
}
