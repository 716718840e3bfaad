// Package domain holds the records and sentinel errors shared between the
// front door and the job history store.
package domain

import "time"

// Job states. A job is terminal once completed or failed; terminal rows are
// what the retention purge removes.
const (
	JobStateQueued    = "queued"
	JobStateRunning   = "running"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
)

// Job is one generation request routed through the booth.
type Job struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	StyleID    string    `json:"style_id"`
	State      string    `json:"state"`
	ResultURL  string    `json:"result_url,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Terminal reports whether the job reached a final state.
func (j Job) Terminal() bool {
	return j.State == JobStateCompleted || j.State == JobStateFailed
}
