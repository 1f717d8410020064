package v1

import (
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
)

type JobView struct {
	ID                string                 `json:"id"`
	Owner             string                 `json:"owner"`
	Project           string                 `json:"project,omitempty"`
	Name              string                 `json:"name,omitempty"`
	Application       model.NameAndVersion   `json:"application"`
	Product           model.ProductReference `json:"product"`
	Replicas          int                    `json:"replicas"`
	TimeAllocation    model.SimpleDuration   `json:"timeAllocation"`
	Reservation       string                 `json:"reservation,omitempty"`
	Parameters        map[string]any         `json:"parameters"`
	OutputFolder      string                 `json:"outputFolder,omitempty"`
	State             model.JobState         `json:"state"`
	FailedState       *model.JobState        `json:"failedState,omitempty"`
	Status            string                 `json:"status,omitempty"`
	Updates           []model.JobUpdate      `json:"updates"`
	AllowDuplicateJob bool                   `json:"allowDuplicateJob"`
	StartedAt         *time.Time             `json:"startedAt,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

func JobToApi(job model.Job) JobView {
	view := JobView{
		ID:                job.ID,
		Owner:             job.Owner,
		Project:           job.ProjectID(),
		Application:       job.Application,
		Product:           job.Product,
		Replicas:          job.Replicas,
		TimeAllocation:    job.TimeAllocation,
		Reservation:       job.Reservation,
		Parameters:        job.InputParameters(),
		State:             job.State,
		FailedState:       job.FailedState,
		Status:            job.Status,
		Updates:           []model.JobUpdate{},
		AllowDuplicateJob: job.AllowDuplicateJob,
		StartedAt:         job.StartedAt,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
	}
	if job.Name != nil {
		view.Name = *job.Name
	}
	if job.OutputFolder != nil {
		view.OutputFolder = *job.OutputFolder
	}
	if job.Updates != nil && job.Updates.Data != nil {
		view.Updates = job.Updates.Data
	}
	return view
}

type JobPageView struct {
	Items []JobView `json:"items"`
	Total int64     `json:"total"`
	Next  *int      `json:"next,omitempty"`
}

func JobListToApi(items model.JobList, total int64, next *int) JobPageView {
	page := JobPageView{Items: make([]JobView, 0, len(items)), Total: total, Next: next}
	for _, job := range items {
		page.Items = append(page.Items, JobToApi(job))
	}
	return page
}
