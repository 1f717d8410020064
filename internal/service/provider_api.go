package service

import (
	"context"
	"net/http"

	"github.com/SDU-eScience/UCloud-sub028/internal/orchestrator"
	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
)

// ProviderJob is the view of a job sent to its provider.
type ProviderJob struct {
	ID             string                 `json:"id"`
	Owner          string                 `json:"owner"`
	Project        string                 `json:"project,omitempty"`
	Name           string                 `json:"name,omitempty"`
	Application    model.NameAndVersion   `json:"application"`
	Tool           model.NameAndVersion   `json:"tool"`
	Product        model.ProductReference `json:"product"`
	Replicas       int                    `json:"replicas"`
	TimeAllocation model.SimpleDuration   `json:"timeAllocation"`
	Reservation    string                 `json:"reservation"`
	Parameters     map[string]any         `json:"parameters"`
	Files          []model.FileMount      `json:"files,omitempty"`
	Mounts         []model.FileMount      `json:"mounts,omitempty"`
	Peers          []model.Peer           `json:"peers,omitempty"`
	OutputFolder   string                 `json:"outputFolder,omitempty"`
	State          model.JobState         `json:"state"`
}

func toProviderJob(job model.Job) ProviderJob {
	p := ProviderJob{
		ID:             job.ID,
		Owner:          job.Owner,
		Project:        job.ProjectID(),
		Application:    job.Application,
		Tool:           job.Tool,
		Product:        job.Product,
		Replicas:       job.Replicas,
		TimeAllocation: job.TimeAllocation,
		Reservation:    job.Reservation,
		Parameters:     job.InputParameters(),
		State:          job.State,
	}
	if job.Name != nil {
		p.Name = *job.Name
	}
	if job.Files != nil {
		p.Files = job.Files.Data
	}
	if job.Mounts != nil {
		p.Mounts = job.Mounts.Data
	}
	if job.Peers != nil {
		p.Peers = job.Peers.Data
	}
	if job.OutputFolder != nil {
		p.OutputFolder = *job.OutputFolder
	}
	return p
}

type JobIDRequest struct {
	ID string `json:"id"`
}

func toJobIDRequest(job model.Job) JobIDRequest {
	return JobIDRequest{ID: job.ID}
}

// ItemAck is the answer of a provider to a single item. A non empty Error rejects
// the item.
type ItemAck struct {
	Error string `json:"error,omitempty"`
}

// JobVerifyResponse tells whether a provider still runs a job. A missing Known
// is no answer.
type JobVerifyResponse struct {
	Known  *bool  `json:"known"`
	Status string `json:"status,omitempty"`
}

type ExtendRequest struct {
	JobID         string               `json:"jobId" validate:"required"`
	RequestedTime model.SimpleDuration `json:"requestedTime"`
}

type SessionType string

const (
	SessionTypeShell SessionType = "shell"
	SessionTypeWeb   SessionType = "web"
	SessionTypeVnc   SessionType = "vnc"
)

type OpenSessionRequest struct {
	JobID       string      `json:"jobId" validate:"required"`
	Rank        int         `json:"rank" validate:"gte=0"`
	SessionType SessionType `json:"sessionType" validate:"session_type"`
}

type InteractiveSession struct {
	JobID       string      `json:"jobId"`
	Rank        int         `json:"rank"`
	SessionType SessionType `json:"sessionType"`
	SessionID   string      `json:"sessionId"`
	URL         string      `json:"url,omitempty"`
}

type FollowRequest struct {
	JobID        string `json:"jobId" validate:"required"`
	StdoutOffset int64  `json:"stdoutOffset" validate:"gte=0"`
	StdoutLines  int    `json:"stdoutLines" validate:"gte=0,lte=10000"`
	StderrOffset int64  `json:"stderrOffset" validate:"gte=0"`
	StderrLines  int    `json:"stderrLines" validate:"gte=0,lte=10000"`
}

type FollowChunk struct {
	Stdout           string `json:"stdout"`
	Stderr           string `json:"stderr"`
	NextStdoutOffset int64  `json:"nextStdoutOffset"`
	NextStderrOffset int64  `json:"nextStderrOffset"`
}

// jobItem is a request bound for the provider of job.
type jobItem[T any] struct {
	job     model.Job
	request T
}

func (i jobItem[T]) backend() string {
	return i.job.Backend()
}

// callJobItems sends the requests batched per backend and answers per request.
func callJobItems[T any, R any](ctx context.Context, registry *provider.Registry, verb provider.Verb, items []jobItem[T]) ([]orchestrator.Result[R], error) {
	return orchestrator.FanOut(ctx, items, jobItem[T].backend, func(ctx context.Context, providerID string, batch []jobItem[T]) ([]R, error) {
		comm, err := registry.PrepareCommunication(ctx, providerID)
		if err != nil {
			return nil, err
		}
		requests := make([]T, len(batch))
		for i, it := range batch {
			requests[i] = it.request
		}
		return provider.CallBulk[T, R](ctx, comm.Client, provider.NamespaceJobs, verb, requests)
	})
}

// callJobs sends one request per job built by build.
func callJobs[T any, R any](ctx context.Context, registry *provider.Registry, verb provider.Verb, jobs []model.Job, build func(model.Job) T) ([]orchestrator.Result[R], error) {
	items := make([]jobItem[T], len(jobs))
	for i, job := range jobs {
		items[i] = jobItem[T]{job: job, request: build(job)}
	}
	return callJobItems[T, R](ctx, registry, verb, items)
}

// ackError returns the failure of one item, either of its batch or of the item.
func ackError(r orchestrator.Result[ItemAck], ns provider.Namespace, verb provider.Verb) error {
	if r.Err != nil {
		return r.Err
	}
	if r.Value.Error != "" {
		return rejection(r.Provider, ns, verb, r.Value.Error)
	}
	return nil
}

// rejection is the error of an item a provider refused.
func rejection(providerID string, ns provider.Namespace, verb provider.Verb, why string) error {
	return provider.NewError(providerID, provider.Call{Namespace: ns, Verb: verb}.String(), http.StatusBadRequest, why)
}
