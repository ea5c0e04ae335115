package quota

import (
	"context"
	"errors"
	"testing"
	"time"
)

// recordingLedger captures the demands an Enforcer passes down and returns a
// canned outcome.
type recordingLedger struct {
	demands []Demand
	outcome Outcome
	err     error
}

func (r *recordingLedger) Consume(_ context.Context, _ string, demands []Demand) (Outcome, error) {
	r.demands = demands
	return r.outcome, r.err
}

func (r *recordingLedger) Reset(_ context.Context, _ string) error { return r.err }

func TestEnforcer_AllUnlimitedSkipsLedger(t *testing.T) {
	rl := &recordingLedger{outcome: Outcome{Allowed: true}}
	e := NewEnforcer(rl, time.Minute)

	dec, err := e.CheckAndConsume(context.Background(), "cred-1", Quotas{})
	if err != nil {
		t.Fatalf("CheckAndConsume error: %v", err)
	}
	if !dec.Allowed {
		t.Error("fully unlimited credential denied")
	}
	if rl.demands != nil {
		t.Error("ledger consulted for a fully unlimited credential")
	}
}

func TestEnforcer_BlockedWindowDeniesBeforeLedger(t *testing.T) {
	rl := &recordingLedger{outcome: Outcome{Allowed: true}}
	e := NewEnforcer(rl, time.Minute)

	q := Quotas{Burst: Blocked(), Weekly: Capped(100), Monthly: Unlimited()}
	dec, err := e.CheckAndConsume(context.Background(), "cred-1", q)
	if err != nil {
		t.Fatalf("CheckAndConsume error: %v", err)
	}
	if dec.Allowed {
		t.Error("blocked credential admitted")
	}
	if dec.Window != WindowBurst {
		t.Errorf("Window = %q, want burst", dec.Window)
	}
	if dec.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v, want 0 for a blocked window", dec.RetryAfter)
	}
	if rl.demands != nil {
		t.Error("ledger consulted despite blocked window")
	}
}

func TestEnforcer_BuildsCanonicalDemands(t *testing.T) {
	now := time.Date(2026, time.March, 18, 9, 30, 42, 0, time.UTC)
	rl := &recordingLedger{outcome: Outcome{Allowed: true}}
	e := NewEnforcer(rl, time.Minute).WithClock(func() time.Time { return now })

	q := Quotas{Burst: Capped(10), Weekly: Unlimited(), Monthly: Capped(1000)}
	dec, err := e.CheckAndConsume(context.Background(), "cred-1", q)
	if err != nil || !dec.Allowed {
		t.Fatalf("CheckAndConsume = %+v, %v", dec, err)
	}

	if len(rl.demands) != 2 {
		t.Fatalf("ledger received %d demands, want 2 (weekly is unlimited)", len(rl.demands))
	}

	burst := rl.demands[0]
	if burst.Window != WindowBurst || burst.Cap != 10 {
		t.Errorf("demand[0] = %+v, want burst cap 10", burst)
	}
	if want := time.Date(2026, time.March, 18, 9, 30, 0, 0, time.UTC); !burst.Start.Equal(want) {
		t.Errorf("burst Start = %v, want %v", burst.Start, want)
	}
	if want := time.Date(2026, time.March, 18, 9, 31, 0, 0, time.UTC); !burst.ResetAt.Equal(want) {
		t.Errorf("burst ResetAt = %v, want %v", burst.ResetAt, want)
	}

	monthly := rl.demands[1]
	if monthly.Window != WindowMonthly || monthly.Cap != 1000 {
		t.Errorf("demand[1] = %+v, want monthly cap 1000", monthly)
	}
	if want := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC); !monthly.Start.Equal(want) {
		t.Errorf("monthly Start = %v, want %v", monthly.Start, want)
	}
}

func TestEnforcer_DenialCarriesRetryAfter(t *testing.T) {
	now := time.Date(2026, time.March, 18, 9, 30, 42, 0, time.UTC)
	rl := &recordingLedger{outcome: Outcome{Allowed: false, Denied: WindowBurst}}
	e := NewEnforcer(rl, time.Minute).WithClock(func() time.Time { return now })

	dec, err := e.CheckAndConsume(context.Background(), "cred-1", Quotas{Burst: Capped(10)})
	if err != nil {
		t.Fatalf("CheckAndConsume error: %v", err)
	}
	if dec.Allowed {
		t.Fatal("denied outcome reported as allowed")
	}
	if dec.Window != WindowBurst {
		t.Errorf("Window = %q, want burst", dec.Window)
	}
	// 9:30:42 → next burst boundary at 9:31:00 is 18 seconds away.
	if dec.RetryAfter != 18*time.Second {
		t.Errorf("RetryAfter = %v, want 18s", dec.RetryAfter)
	}
}

func TestEnforcer_LedgerErrorPropagates(t *testing.T) {
	rl := &recordingLedger{err: ErrLedgerUnavailable}
	e := NewEnforcer(rl, time.Minute)

	_, err := e.CheckAndConsume(context.Background(), "cred-1", Quotas{Burst: Capped(10)})
	if err == nil {
		t.Fatal("CheckAndConsume returned nil error for unavailable ledger")
	}
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Errorf("error = %v, want wrapped ErrLedgerUnavailable", err)
	}
}

func TestEnforcer_EndToEndWithMemoryLedger(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Stop()
	e := NewEnforcer(l, time.Minute)

	q := Quotas{Burst: Capped(2), Weekly: Unlimited(), Monthly: Unlimited()}
	for i := 0; i < 2; i++ {
		dec, err := e.CheckAndConsume(context.Background(), "cred-1", q)
		if err != nil || !dec.Allowed {
			t.Fatalf("request %d: decision %+v, err %v", i, dec, err)
		}
	}

	dec, err := e.CheckAndConsume(context.Background(), "cred-1", q)
	if err != nil {
		t.Fatalf("CheckAndConsume error: %v", err)
	}
	if dec.Allowed {
		t.Error("third request admitted past burst cap 2")
	}
	if dec.RetryAfter <= 0 || dec.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, 1m]", dec.RetryAfter)
	}
}

func TestEnforcer_Release(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Stop()
	e := NewEnforcer(l, time.Minute)

	q := Quotas{Burst: Capped(1)}
	if dec, _ := e.CheckAndConsume(context.Background(), "cred-1", q); !dec.Allowed {
		t.Fatal("first request denied")
	}
	if dec, _ := e.CheckAndConsume(context.Background(), "cred-1", q); dec.Allowed {
		t.Fatal("second request allowed, want denied")
	}

	if err := e.Release(context.Background(), "cred-1"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if dec, _ := e.CheckAndConsume(context.Background(), "cred-1", q); !dec.Allowed {
		t.Error("request after Release denied, want allowed")
	}
}
