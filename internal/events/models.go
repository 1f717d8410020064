package events

import "time"

// JobStateChanged is emitted for every transition applied to a job.
type JobStateChanged struct {
	JobID     string    `json:"job_id"`
	Owner     string    `json:"owner"`
	Project   string    `json:"project,omitempty"`
	Provider  string    `json:"provider"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ResourceStateChanged is emitted when a provider reports a new state of a resource.
type ResourceStateChanged struct {
	ResourceID string    `json:"resource_id"`
	Type       string    `json:"type"`
	Provider   string    `json:"provider"`
	State      string    `json:"state"`
	Status     string    `json:"status,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event is the envelope handed to writers.
type Event struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Data   []byte    `json:"data"`
}
