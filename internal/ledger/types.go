package ledger

import (
	"time"
)

// Status is the state of a dose
type Status string

const (
	StatusPending Status = "pending"
	StatusTaken   Status = "taken"
	StatusSkipped Status = "skipped"
	// StatusMissed is written by the missed-dose sweep or derived by
	// classification once a dose is past its grace period.
	StatusMissed Status = "missed"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusTaken, StatusSkipped, StatusMissed:
		return true
	}
	return false
}

// ParseStatus accepts the canonical names plus "missed_auto"
func ParseStatus(s string) (Status, bool) {
	if s == "missed_auto" {
		return StatusMissed, true
	}
	st := Status(s)
	return st, st.Valid()
}

// DoseEvent is an immutable ledger entry
type DoseEvent struct {
	ID           string     `json:"id"`
	MedicationID string     `json:"medication_id"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	ActualAt     *time.Time `json:"actual_at,omitempty"`
	Status       Status     `json:"status"`
	RecordedAt   time.Time  `json:"recorded_at"`

	// Version is 1 for an original entry and grows with each correction
	Version    int    `json:"version"`
	Supersedes string `json:"supersedes,omitempty"`
	Note       string `json:"note,omitempty"`
}

func (e DoseEvent) clone() DoseEvent {
	out := e
	if e.ActualAt != nil {
		at := *e.ActualAt
		out.ActualAt = &at
	}
	return out
}

// Counts tallies current entries by status
type Counts struct {
	Taken   int `json:"taken"`
	Skipped int `json:"skipped"`
	Missed  int `json:"missed"`
	Pending int `json:"pending"`
}

// Rate is taken / (taken + skipped + missed), 1.0 when nothing counts
func (c Counts) Rate() float64 {
	denom := c.Taken + c.Skipped + c.Missed
	if denom == 0 {
		return 1.0
	}
	return float64(c.Taken) / float64(denom)
}

func (c *Counts) add(s Status) {
	switch s {
	case StatusTaken:
		c.Taken++
	case StatusSkipped:
		c.Skipped++
	case StatusMissed:
		c.Missed++
	case StatusPending:
		c.Pending++
	}
}
