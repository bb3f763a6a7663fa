package domain

import "time"

// LogEntry is a single progress line for a project slug.
type LogEntry struct {
	Log       string    `json:"log"`
	Timestamp time.Time `json:"timestamp"`
}
