package entries

import (
	"fmt"
	"time"
)

// Status is an entry's position in the trial-day workflow.
type Status string

const (
	StatusNone      Status = "no-status"
	StatusCheckedIn Status = "checked-in"
	StatusAtGate    Status = "at-gate"
	StatusInRing    Status = "in-ring"
	StatusCompleted Status = "completed"
)

// progression lists statuses in workflow order.
var progression = []Status{
	StatusNone,
	StatusCheckedIn,
	StatusAtGate,
	StatusInRing,
	StatusCompleted,
}

// Index returns the status's position in the workflow, or -1 if unknown.
// The empty status is treated as StatusNone.
func (s Status) Index() int {
	if s == "" {
		return 0
	}
	for i, p := range progression {
		if p == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Index() >= 0
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown entry status %q", s)
	}
	if st == "" {
		return StatusNone, nil
	}
	return st, nil
}

// Qualifying results.
const (
	Qualified    = "Q"
	NotQualified = "NQ"
	Absent       = "ABS"
	Excused      = "EX"
)

// Entry is one dog/handler team entered in a class.
type Entry struct {
	ID         string `json:"id"`
	LicenseKey string `json:"license_key"`
	ShowID     string `json:"show_id,omitempty"`
	TrialID    string `json:"trial_id,omitempty"`
	ClassID    string `json:"class_id"`
	Armband    int    `json:"armband"`
	CallName   string `json:"call_name"`
	Breed      string `json:"breed,omitempty"`
	Handler    string `json:"handler"`
	Status     Status `json:"status"`

	// Scoring results. Owned by the judge's scoresheet upstream.
	ResultTimeSeconds float64 `json:"result_time_seconds,omitempty"`
	Faults            int     `json:"faults"`
	Points            float64 `json:"points,omitempty"`
	Placement         int     `json:"placement,omitempty"`
	Qualifying        string  `json:"qualifying,omitempty"`
	IsScored          bool    `json:"is_scored"`

	UpdatedAt time.Time `json:"updated_at"`
}

// RecordID implements replica.Record.
func (e Entry) RecordID() string { return e.ID }

// TenantKey implements replica.TenantScoped. Entries belong to the
// license (club account) that owns the show.
func (e Entry) TenantKey() string { return e.LicenseKey }
