package model

import "time"

// RunStatus represents the state of a batch run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunCounts tallies per-(subject, horizon) outcomes of a run.
type RunCounts struct {
	Created   int `json:"created"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`  // persisted as pending, explanation unavailable
	Explained int `json:"explained"` // pending predictions completed by a retry
}

// Run is one execution of the batch pipeline for a scenario date.
type Run struct {
	ID           string     `json:"id"`
	ScenarioDate time.Time  `json:"scenario_date"`
	Status       RunStatus  `json:"status"`
	Counts       RunCounts  `json:"counts"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
