// Package safego launches goroutines that survive their own panics.
package safego

import "log/slog"

// Go runs fn on a new goroutine, recovering and logging any panic instead of
// taking the process down. Keywarden uses it for everything fire-and-forget:
// the last-used stamp after an admitted request, async audit shipping, and
// the expiry-notification loop. Work whose silent death would otherwise go
// unnoticed until someone misses the side effect.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}
