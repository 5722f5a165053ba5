// Package stats keeps the process-wide dispatch counters.
// Counters reset only on process restart.
package stats

import (
	"fmt"
	"sync"
	"time"

	"newsbot/pkg/tgui"
)

// RunStats is a point-in-time copy of the counters.
type RunStats struct {
	RunsCompleted  uint64    `json:"runs_completed"`
	ItemsDelivered uint64    `json:"items_delivered"`
	Errors         uint64    `json:"errors"`
	SkippedRuns    uint64    `json:"skipped_runs"`
	LastRunAt      time.Time `json:"last_run_at"`
	StartedAt      time.Time `json:"started_at"`
}

// Uptime is measured against now.
func (s RunStats) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() || now.Before(s.StartedAt) {
		return 0
	}
	return now.Sub(s.StartedAt)
}

type Accumulator struct {
	mu sync.Mutex
	s  RunStats
}

func New(startedAt time.Time) *Accumulator {
	return &Accumulator{s: RunStats{StartedAt: startedAt}}
}

// RecordRun closes one completed run in a single update.
func (a *Accumulator) RecordRun(delivered, errors int, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s.RunsCompleted++
	a.s.ItemsDelivered += nonNeg(delivered)
	a.s.Errors += nonNeg(errors)
	a.s.LastRunAt = at
}

// AddErrors counts errors that happen outside a dispatch run (e.g. a failed report).
func (a *Accumulator) AddErrors(n int) {
	a.mu.Lock()
	a.s.Errors += nonNeg(n)
	a.mu.Unlock()
}

func (a *Accumulator) RecordSkip() {
	a.mu.Lock()
	a.s.SkippedRuns++
	a.mu.Unlock()
}

func (a *Accumulator) Snapshot() RunStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.s
}

func nonNeg(n int) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Report renders the statistics report as Telegram HTML.
func Report(s RunStats, activeSources int, now time.Time) tgui.Message {
	last := "N/A"
	if !s.LastRunAt.IsZero() {
		last = s.LastRunAt.Format("2006-01-02 15:04:05")
	}
	return tgui.New().
		Title("📊", "News bot statistics").
		Blank().
		KV("Runs completed", fmt.Sprint(s.RunsCompleted)).
		KV("Items delivered", fmt.Sprint(s.ItemsDelivered)).
		KV("Errors", fmt.Sprint(s.Errors)).
		KV("Skipped runs", fmt.Sprint(s.SkippedRuns)).
		KV("Last run", last).
		KV("Active sources", fmt.Sprint(activeSources)).
		KV("Uptime", s.Uptime(now).Truncate(time.Second).String()).
		Build()
}
