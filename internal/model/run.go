package model

import "time"

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// validTransitions maps each status to the set of statuses it may move to.
// Stopped is a successful outcome: the run was interrupted cooperatively.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusStopped:   true,
	},
}

// ValidTransition reports whether moving from one run status to another is
// allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Run is one script execution accepted by the engine.
type Run struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	CodeSize   int        `json:"code_size"`
	Error      string     `json:"error,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	PeakBytes  *int64     `json:"peak_bytes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StoredFile is one file assembled by the chunked transfer protocol.
type StoredFile struct {
	Name      string    `json:"name"`
	Size      int       `json:"size"`
	CRC32     uint32    `json:"crc32"`
	CreatedAt time.Time `json:"created_at"`
}
