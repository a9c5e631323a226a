package model

import "time"

// RunRecord is the history ledger entry for one run.
type RunRecord struct {
	RunID       string      `json:"run_id"`
	Type        ProgramType `json:"type"`
	Namespace   string      `json:"namespace"`
	Application string      `json:"application"`
	Program     string      `json:"program"`
	Status      State       `json:"status"`
	Error       string      `json:"error,omitempty"`
	DurationMS  *int        `json:"duration_ms,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// Identity returns the program identity the record belongs to.
func (r *RunRecord) Identity() ProgramIdentity {
	return ProgramIdentity{
		Namespace:   r.Namespace,
		Application: r.Application,
		Program:     r.Program,
		Type:        r.Type,
	}
}

// RunEvent is a state change published for a single run.
type RunEvent struct {
	RunID string    `json:"run_id"`
	State State     `json:"state"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}
