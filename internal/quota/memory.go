// memory.go implements Ledger in process memory. Counters for each credential
// live behind one mutex, which makes the multi-window check-and-consume
// trivially atomic: hold the credential's lock, verify every demand, then
// increment every demand. A background goroutine evicts entries that have not
// been touched recently so long-gone credentials do not pin memory.
package quota

import (
	"context"
	"sync"
	"time"
)

type memCounter struct {
	start time.Time
	count int64
}

type memEntry struct {
	mu       sync.Mutex
	counters map[Window]*memCounter
	lastUsed time.Time

	// evicted marks an entry the evictor has removed from the map. A Consume
	// that fetched the pointer before the removal observes the flag under
	// e.mu and retries against the live map entry instead of incrementing
	// counters nothing else can see.
	evicted bool
}

// MemoryLedger is a single-process Ledger. Suitable for single-node
// deployments and tests; use RedisLedger when more than one instance shares
// the credential pool.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	stopCh  chan struct{}
}

// NewMemoryLedger creates a MemoryLedger and starts its eviction goroutine.
// Call Stop when the ledger is no longer needed.
func NewMemoryLedger() *MemoryLedger {
	l := &MemoryLedger{
		entries: make(map[string]*memEntry),
		stopCh:  make(chan struct{}),
	}
	go l.evict()
	return l
}

// evict periodically drops entries idle for over an hour. The longest-lived
// counter is the monthly one, but an idle credential accrues nothing, so
// dropping and lazily recreating its counters is harmless: a recreated
// counter starts at zero exactly as a rolled-over window would.
func (l *MemoryLedger) evict() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			l.mu.Lock()
			for id, e := range l.entries {
				// e.mu is held across both the idleness decision and the map
				// removal so an in-flight Consume cannot stamp lastUsed
				// between the two.
				e.mu.Lock()
				if e.lastUsed.Before(cutoff) {
					e.evicted = true
					delete(l.entries, id)
				}
				e.mu.Unlock()
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// Stop terminates the eviction goroutine.
func (l *MemoryLedger) Stop() {
	close(l.stopCh)
}

func (l *MemoryLedger) entry(credentialID string) *memEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[credentialID]
	if !ok {
		e = &memEntry{counters: make(map[Window]*memCounter)}
		l.entries[credentialID] = e
	}
	return e
}

// lockEntry returns the credential's live entry with its mutex held. The
// evictor can remove an entry between the map lookup and the lock
// acquisition; such an entry carries the evicted flag, so the lookup is
// simply retried until it lands on an entry still in the map.
func (l *MemoryLedger) lockEntry(credentialID string) *memEntry {
	for {
		e := l.entry(credentialID)
		e.mu.Lock()
		if !e.evicted {
			return e
		}
		e.mu.Unlock()
	}
}

// Consume implements Ledger.
func (l *MemoryLedger) Consume(_ context.Context, credentialID string, demands []Demand) (Outcome, error) {
	e := l.lockEntry(credentialID)
	defer e.mu.Unlock()
	e.lastUsed = time.Now()

	// First pass: roll over stale windows and check capacity everywhere.
	for _, d := range demands {
		c, ok := e.counters[d.Window]
		if !ok {
			c = &memCounter{start: d.Start}
			e.counters[d.Window] = c
		}
		if !c.start.Equal(d.Start) {
			c.start = d.Start
			c.count = 0
		}
		if c.count >= d.Cap {
			return Outcome{Allowed: false, Denied: d.Window}, nil
		}
	}

	// Second pass: all windows have room, consume them together.
	for _, d := range demands {
		e.counters[d.Window].count++
	}
	return Outcome{Allowed: true}, nil
}

// Reset implements Ledger.
func (l *MemoryLedger) Reset(_ context.Context, credentialID string) error {
	l.mu.Lock()
	if e, ok := l.entries[credentialID]; ok {
		e.mu.Lock()
		e.evicted = true
		e.mu.Unlock()
		delete(l.entries, credentialID)
	}
	l.mu.Unlock()
	return nil
}
