package domain

import "time"

// Checkpoint records how far a named backfill task has progressed. LastKey is
// the slug of the last fully processed market.
type Checkpoint struct {
	TaskName   string
	LastOffset int
	LastKey    string
	UpdatedAt  time.Time
}
