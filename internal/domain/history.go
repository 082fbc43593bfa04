package domain

import "time"

// HistoryEntry is the durable record of a finished job. The registry only
// keeps terminal jobs for a short retention window; history is what remains
// afterwards.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	JobID      int64     `json:"job_id"`
	Reference  string    `json:"reference"`
	Name       string    `json:"name,omitempty"`
	Engine     Engine    `json:"engine,omitempty"`
	Status     JobStatus `json:"status"`
	Done       int       `json:"done"`
	Total      int       `json:"total"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}
