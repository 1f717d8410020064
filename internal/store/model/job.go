package model

import (
	"encoding/json"
	"time"

	"github.com/google/go-cmp/cmp"
)

type JobState string

const (
	JobStateValidated JobState = "VALIDATED"
	JobStatePrepared  JobState = "PREPARED"
	JobStateScheduled JobState = "SCHEDULED"
	JobStateRunning   JobState = "RUNNING"
	JobStateCanceling JobState = "CANCELING"
	JobStateSuccess   JobState = "SUCCESS"
	JobStateFailure   JobState = "FAILURE"
)

func (s JobState) IsFinal() bool {
	return s == JobStateSuccess || s == JobStateFailure
}

func (s JobState) String() string {
	return string(s)
}

type SimpleDuration struct {
	Hours   int `json:"hours" gorm:"column:hours"`
	Minutes int `json:"minutes" gorm:"column:minutes"`
	Seconds int `json:"seconds" gorm:"column:seconds"`
}

func (d SimpleDuration) Duration() time.Duration {
	return time.Duration(d.Hours)*time.Hour + time.Duration(d.Minutes)*time.Minute + time.Duration(d.Seconds)*time.Second
}

func NewSimpleDuration(d time.Duration) SimpleDuration {
	total := int(d / time.Second)
	return SimpleDuration{Hours: total / 3600, Minutes: (total % 3600) / 60, Seconds: total % 60}
}

type FileMount struct {
	Path     string `json:"path" validate:"required"`
	ReadOnly bool   `json:"readOnly"`
}

type Peer struct {
	Hostname string `json:"hostname" validate:"required,hostname_rfc1123"`
	JobID    string `json:"jobId" validate:"required"`
}

type JobUpdate struct {
	Timestamp time.Time `json:"timestamp"`
	State     *JobState `json:"state,omitempty"`
	Status    string    `json:"status,omitempty"`
}

type Job struct {
	ID                string           `gorm:"primaryKey;type:VARCHAR(64)"`
	Owner             string           `gorm:"index;not null"`
	Project           *string          `gorm:"index"`
	Name              *string
	Application       NameAndVersion   `gorm:"embedded;embeddedPrefix:application_"`
	Tool              NameAndVersion   `gorm:"embedded;embeddedPrefix:tool_"`
	Product           ProductReference `gorm:"embedded;embeddedPrefix:product_"`
	Replicas          int
	TimeAllocation    SimpleDuration `gorm:"embedded;embeddedPrefix:time_allocation_"`
	Reservation       string
	Parameters        *JSONField[map[string]any] `gorm:"type:jsonb"`
	Files             *JSONField[[]FileMount]    `gorm:"type:jsonb"`
	Mounts            *JSONField[[]FileMount]    `gorm:"type:jsonb"`
	Peers             *JSONField[[]Peer]         `gorm:"type:jsonb"`
	OutputFolder      *string
	AllowDuplicateJob bool
	State             JobState  `gorm:"index;type:VARCHAR(32);not null"`
	FailedState       *JobState `gorm:"type:VARCHAR(32)"`
	Status            string
	Updates           *JSONField[[]JobUpdate] `gorm:"type:jsonb"`
	StartedAt         *time.Time
	CreatedAt         time.Time `gorm:"index"`
	UpdatedAt         time.Time
	Version           int64 `gorm:"not null;default:0"`
}

type JobList []Job

// Backend is the provider executing the job.
func (j Job) Backend() string {
	return j.Product.Provider
}

func (j Job) ProjectID() string {
	if j.Project == nil {
		return ""
	}
	return *j.Project
}

func (j Job) InputParameters() map[string]any {
	if j.Parameters == nil {
		return nil
	}
	return j.Parameters.Data
}

// jobFields has the fields of Job without its methods, so cmp does not recurse
// into Equal.
type jobFields Job

// Equal compares every field of the job. Parameter maps compare by content.
func (j Job) Equal(other Job) bool {
	return cmp.Equal(jobFields(j), jobFields(other))
}

func (j Job) String() string {
	val, _ := json.Marshal(j)
	return string(val)
}
