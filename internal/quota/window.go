// window.go defines the quota accounting windows and their boundary
// arithmetic. All calendar windows are computed in UTC: the weekly window
// starts Monday 00:00:00 UTC and the monthly window on the first of the month
// at 00:00:00 UTC. Window boundaries are security-relevant — computing them in
// a server-local timezone could double-grant or starve an allowance around DST
// transitions, so local time is never consulted.
package quota

import "time"

// Window identifies one of the three accounting periods.
type Window string

const (
	// WindowBurst is a short fixed-duration bucket (default one minute)
	// aligned to the Unix epoch. It is checked first because it is the
	// cheapest to reject on and shields the calendar counters from traffic
	// that would be burst-limited anyway.
	WindowBurst Window = "burst"

	// WindowWeekly is the calendar week, Monday 00:00:00 UTC.
	WindowWeekly Window = "weekly"

	// WindowMonthly is the calendar month, 1st 00:00:00 UTC.
	WindowMonthly Window = "monthly"
)

// DefaultBurstWindow is the burst bucket length used when the configuration
// does not override it.
const DefaultBurstWindow = time.Minute

// Windows lists all window kinds in evaluation order.
func Windows() []Window {
	return []Window{WindowBurst, WindowWeekly, WindowMonthly}
}

// Start returns the canonical boundary of the window containing now.
// burst is the configured burst bucket length and is only consulted for
// WindowBurst.
func (w Window) Start(now time.Time, burst time.Duration) time.Time {
	now = now.UTC()
	switch w {
	case WindowBurst:
		if burst <= 0 {
			burst = DefaultBurstWindow
		}
		return now.Truncate(burst)
	case WindowWeekly:
		// time.Weekday numbers Sunday as 0; shift so Monday opens the week.
		days := (int(now.Weekday()) + 6) % 7
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return day.AddDate(0, 0, -days)
	case WindowMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return now
	}
}

// Next returns the boundary at which the window containing now rolls over.
func (w Window) Next(now time.Time, burst time.Duration) time.Time {
	start := w.Start(now, burst)
	switch w {
	case WindowBurst:
		if burst <= 0 {
			burst = DefaultBurstWindow
		}
		return start.Add(burst)
	case WindowWeekly:
		return start.AddDate(0, 0, 7)
	case WindowMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start
	}
}
