package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the SQLite database.
type Config struct {
	// Path is the database file. ":memory:" is accepted for tests.
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id,omitempty"`
	ActorUsername string    `json:"actor_username,omitempty"`
	Surface       string    `json:"surface"` // "telegram", "http", "cli" or "schedule"
	Action        string    `json:"action"`
	Target        string    `json:"target"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
}

// TimeFormat is used for every timestamp column.
const TimeFormat = time.RFC3339Nano

// FormatTime renders t for storage (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp. Empty yields the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(TimeFormat, s)
}
