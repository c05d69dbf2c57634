package store

import (
	"time"

	"github.com/google/uuid"
)

// Journal entry kinds.
const (
	KindAction     = "action"
	KindMode       = "mode"
	KindTranscript = "transcript"
)

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// ActionRecord is the outcome of one executor run.
type ActionRecord struct {
	ID          uuid.UUID     `json:"id"`
	Label       string        `json:"label"`
	Success     bool          `json:"success"`
	Interrupted bool          `json:"interrupted"`
	TimedOut    bool          `json:"timed_out"`
	Abandoned   bool          `json:"abandoned,omitempty"`
	Message     string        `json:"message,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// ModeRecord is one reflex preemption.
type ModeRecord struct {
	Mode        string    `json:"mode"`
	Preempted   string    `json:"preempted,omitempty"` // label of the interrupted action
	Success     bool      `json:"success"`
	Interrupted bool      `json:"interrupted"`
	Reprompted  bool      `json:"reprompted"`
	BehaviorLog string    `json:"behavior_log,omitempty"`
	At          time.Time `json:"at"`
}

// TranscriptRecord is a conversation flushed on end.
type TranscriptRecord struct {
	Peer    string    `json:"peer"`
	Reason  string    `json:"reason"` // "end", "disconnect", "roster", "forced", "busy"
	Pending string    `json:"pending,omitempty"`
	At      time.Time `json:"at"`
}

// Entry is a generic journal row.
type Entry struct {
	ID        string    `db:"id" json:"id"`
	Agent     string    `db:"agent" json:"agent"`
	Kind      string    `db:"kind" json:"kind"`
	Subject   string    `db:"subject" json:"subject"`
	Success   bool      `db:"success" json:"success"`
	Detail    string    `db:"detail" json:"detail"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// StoreConfig configures the journal layer.
type StoreConfig struct {
	// Driver is "sqlite" or "pgx". Empty disables the journal.
	Driver string
	DSN    string
	// Agent tags every row written by this process.
	Agent string
}

// Enabled returns true when a driver is configured.
func (c StoreConfig) Enabled() bool {
	return c.Driver != "" && c.DSN != ""
}
