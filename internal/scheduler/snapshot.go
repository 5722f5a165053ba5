package scheduler

import "time"

type TimerInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev"`
	Runs    uint64    `json:"runs"`
	LastErr string    `json:"last_error,omitempty"`
}

type Snapshot struct {
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	Timers   []TimerInfo `json:"timers"`
}

// Snapshot lists timers by name. Next/Prev are set only while running.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Snapshot{Running: s.c != nil, Timezone: s.loc.String()}
	for _, d := range s.sortedLocked() {
		it := TimerInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		d.mu.Lock()
		it.Runs = d.runs
		it.LastErr = d.lastErr
		d.mu.Unlock()
		out.Timers = append(out.Timers, it)
	}
	return out
}
