package runtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds the runtime's observability counters. All methods are safe
// for concurrent use.
type Metrics struct {
	startedAt time.Time

	EventsTotal      atomic.Int64
	Duplicates       atomic.Int64
	ParseErrors      atomic.Int64
	Unauthorized     atomic.Int64
	TurnsTotal       atomic.Int64
	TurnFailures     atomic.Int64
	CommandsSent     atomic.Int64
	CommandsBuffered atomic.Int64
	SendFailures     atomic.Int64
	ImagesEnqueued   atomic.Int64
	ImagesRejected   atomic.Int64
	BargeIns         atomic.Int64

	mu     sync.Mutex
	window []windowPoint
}

type windowPoint struct {
	ts           time.Time
	events       int64
	turnFailures int64
	sendFailures int64
}

func newMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

// Sample appends the current totals to the rate window, keeping roughly an
// hour of points.
func (m *Metrics) Sample(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = append(m.window, windowPoint{
		ts:           now,
		events:       m.EventsTotal.Load(),
		turnFailures: m.TurnFailures.Load(),
		sendFailures: m.SendFailures.Load(),
	})
	cutoff := now.Add(-time.Hour)
	for len(m.window) > 0 && m.window[0].ts.Before(cutoff) {
		m.window = m.window[1:]
	}
}

// Rates are per-minute rates over the sampled window plus lifetime ratios.
type Rates struct {
	EventsPerMinute       float64 `json:"events_per_minute"`
	TurnFailuresPerMinute float64 `json:"turn_failures_per_minute"`
	SendFailuresPerMinute float64 `json:"send_failures_per_minute"`
	DuplicateRatio        float64 `json:"duplicate_ratio"`
	TurnFailureRatio      float64 `json:"turn_failure_ratio"`
	UptimeSeconds         int64   `json:"uptime_seconds"`
}

// Thresholds decide when a rate raises an alert. Zero values take defaults.
type Thresholds struct {
	MaxTurnFailureRatio      float64 // default 0.2
	MaxSendFailuresPerMinute float64 // default 30
	MaxDuplicateRatio        float64 // default 0.5
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MaxTurnFailureRatio <= 0 {
		t.MaxTurnFailureRatio = 0.2
	}
	if t.MaxSendFailuresPerMinute <= 0 {
		t.MaxSendFailuresPerMinute = 30
	}
	if t.MaxDuplicateRatio <= 0 {
		t.MaxDuplicateRatio = 0.5
	}
	return t
}

// Rates computes the current rate view.
func (m *Metrics) Rates(now time.Time) Rates {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := Rates{UptimeSeconds: int64(now.Sub(m.startedAt).Seconds())}
	events := m.EventsTotal.Load()
	if events > 0 {
		r.DuplicateRatio = float64(m.Duplicates.Load()) / float64(events)
	}
	if turns := m.TurnsTotal.Load(); turns > 0 {
		r.TurnFailureRatio = float64(m.TurnFailures.Load()) / float64(turns)
	}
	if len(m.window) >= 2 {
		first, last := m.window[0], m.window[len(m.window)-1]
		minutes := last.ts.Sub(first.ts).Minutes()
		if minutes > 0 {
			r.EventsPerMinute = float64(last.events-first.events) / minutes
			r.TurnFailuresPerMinute = float64(last.turnFailures-first.turnFailures) / minutes
			r.SendFailuresPerMinute = float64(last.sendFailures-first.sendFailures) / minutes
		}
	}
	return r
}

// Health evaluates the rates against thresholds.
type Health struct {
	Healthy bool     `json:"healthy"`
	Rates   Rates    `json:"rates"`
	Alerts  []string `json:"alerts"`
}

func (m *Metrics) Health(now time.Time, t Thresholds) Health {
	t = t.withDefaults()
	rates := m.Rates(now)
	var alerts []string
	if rates.TurnFailureRatio > t.MaxTurnFailureRatio {
		alerts = append(alerts, "turn_failure_ratio above threshold")
	}
	if rates.SendFailuresPerMinute > t.MaxSendFailuresPerMinute {
		alerts = append(alerts, "send_failures_per_minute above threshold")
	}
	if rates.DuplicateRatio > t.MaxDuplicateRatio {
		alerts = append(alerts, "duplicate_ratio above threshold")
	}
	return Health{Healthy: len(alerts) == 0, Rates: rates, Alerts: alerts}
}

// ratesMap flattens Rates for persistence.
func ratesMap(r Rates) map[string]any {
	return map[string]any{
		"events_per_minute":        r.EventsPerMinute,
		"turn_failures_per_minute": r.TurnFailuresPerMinute,
		"send_failures_per_minute": r.SendFailuresPerMinute,
		"duplicate_ratio":          r.DuplicateRatio,
		"turn_failure_ratio":       r.TurnFailureRatio,
		"uptime_seconds":           r.UptimeSeconds,
	}
}
