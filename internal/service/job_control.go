package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/orchestrator"
	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/statemachine"
	"github.com/SDU-eScience/UCloud-sub028/internal/support"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
)

// requireSupport fails unless the provider enables feature for the product of job.
func (s *JobService) requireSupport(ctx context.Context, job *model.Job, feature string, enabled func(ComputeSupport) bool) error {
	product, err := s.products.ResolveSupport(ctx, job.Product)
	if err != nil {
		if errors.Is(err, support.ErrProductNotSupported) {
			return NewErrJobException(err.Error())
		}
		return err
	}
	if !enabled(product.Support) {
		return NewErrJobException(fmt.Sprintf("%s is not supported by %s", feature, job.Product))
	}
	return nil
}

func requireActive(job *model.Job) error {
	if job.State.IsFinal() {
		return NewErrJobException(fmt.Sprintf("job %s has already finished", job.ID))
	}
	return nil
}

// Cancel asks the provider of every job to stop it. Jobs that already finished
// are left alone.
func (s *JobService) Cancel(ctx context.Context, principal auth.Principal, ids []string) []error {
	tracer := s.logger.WithContext(ctx).Operation("cancel_jobs").WithInt("count", len(ids)).Build()

	errs := make([]error, len(ids))
	var (
		canceled []model.Job
		indices  []int
	)
	for i, id := range ids {
		job, _, err := s.jobFor(ctx, principal, id, model.PermissionEdit)
		if err != nil {
			errs[i] = err
			continue
		}
		if job.State.IsFinal() {
			continue
		}

		updated, transition, err := s.applyProposal(ctx, job, proposal{state: model.JobStateCanceling})
		if err != nil {
			errs[i] = err
			continue
		}
		if transition.Kind != statemachine.Apply {
			continue
		}
		canceled = append(canceled, *updated)
		indices = append(indices, i)
	}

	if len(canceled) > 0 {
		acks, _ := callJobs[JobIDRequest, ItemAck](ctx, s.registry, provider.VerbCancel, canceled, toJobIDRequest)
		for k, ack := range acks {
			errs[indices[k]] = ackError(ack, provider.NamespaceJobs, provider.VerbCancel)
		}
	}

	tracer.Success().WithInt("canceled", len(canceled)).Log()
	return errs
}

// Extend adds the requested time to the allocation of running jobs.
func (s *JobService) Extend(ctx context.Context, principal auth.Principal, requests []ExtendRequest) []error {
	errs := make([]error, len(requests))
	var (
		items   []jobItem[ExtendRequest]
		indices []int
	)
	for i, req := range requests {
		job, _, err := s.jobFor(ctx, principal, req.JobID, model.PermissionEdit)
		if err != nil {
			errs[i] = err
			continue
		}
		if err := requireActive(job); err != nil {
			errs[i] = err
			continue
		}
		if req.RequestedTime.Duration() <= 0 {
			errs[i] = NewErrJobException("the requested time must be positive")
			continue
		}
		if err := s.requireSupport(ctx, job, "time extension", func(f ComputeSupport) bool { return f.TimeExtension }); err != nil {
			errs[i] = err
			continue
		}
		items = append(items, jobItem[ExtendRequest]{job: *job, request: req})
		indices = append(indices, i)
	}

	acks, _ := callJobItems[ExtendRequest, ItemAck](ctx, s.registry, provider.VerbExtend, items)
	for k, ack := range acks {
		i := indices[k]
		if errs[i] = ackError(ack, provider.NamespaceJobs, provider.VerbExtend); errs[i] != nil {
			continue
		}

		job := items[k].job
		allocation := model.NewSimpleDuration(job.TimeAllocation.Duration() + items[k].request.RequestedTime.Duration())
		errs[i] = s.store.Job().UpdateTimeAllocation(ctx, job.ID, allocation)
	}
	return errs
}

// Suspend pauses running jobs on providers supporting it.
func (s *JobService) Suspend(ctx context.Context, principal auth.Principal, ids []string) []error {
	return s.forward(ctx, principal, ids, provider.VerbSuspend, func(job *model.Job) error {
		if err := requireActive(job); err != nil {
			return err
		}
		return s.requireSupport(ctx, job, "suspension", func(f ComputeSupport) bool { return f.Suspension })
	})
}

// Terminate asks providers to stop jobs right away.
func (s *JobService) Terminate(ctx context.Context, principal auth.Principal, ids []string) []error {
	return s.forward(ctx, principal, ids, provider.VerbTerminate, requireActive)
}

// forward sends verb for every job passing check and answers per id.
func (s *JobService) forward(ctx context.Context, principal auth.Principal, ids []string, verb provider.Verb, check func(*model.Job) error) []error {
	errs := make([]error, len(ids))
	var (
		jobs    []model.Job
		indices []int
	)
	for i, id := range ids {
		job, _, err := s.jobFor(ctx, principal, id, model.PermissionEdit)
		if err == nil {
			err = check(job)
		}
		if err != nil {
			errs[i] = err
			continue
		}
		jobs = append(jobs, *job)
		indices = append(indices, i)
	}

	acks, _ := callJobs[JobIDRequest, ItemAck](ctx, s.registry, verb, jobs, toJobIDRequest)
	for k, ack := range acks {
		errs[indices[k]] = ackError(ack, provider.NamespaceJobs, verb)
	}
	return errs
}

var sessionFeatures = map[SessionType]func(ComputeSupport) bool{
	SessionTypeShell: func(f ComputeSupport) bool { return f.Terminal },
	SessionTypeWeb:   func(f ComputeSupport) bool { return f.Web },
	SessionTypeVnc:   func(f ComputeSupport) bool { return f.Vnc },
}

// OpenInteractiveSession opens shell, web or vnc sessions on running jobs.
func (s *JobService) OpenInteractiveSession(ctx context.Context, principal auth.Principal, requests []OpenSessionRequest) ([]orchestrator.Result[InteractiveSession], error) {
	results := make([]orchestrator.Result[InteractiveSession], len(requests))
	var (
		items   []jobItem[OpenSessionRequest]
		indices []int
	)
	for i, req := range requests {
		job, _, err := s.jobFor(ctx, principal, req.JobID, model.PermissionEdit)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Provider = job.Backend()

		enabled, known := sessionFeatures[req.SessionType]
		switch {
		case !known:
			err = NewErrJobException(fmt.Sprintf("unknown session type %q", req.SessionType))
		case job.State != model.JobStateRunning:
			err = NewErrJobException(fmt.Sprintf("job %s is not running", job.ID))
		case req.Rank < 0 || req.Rank >= job.Replicas:
			err = NewErrJobException(fmt.Sprintf("job %s has no rank %d", job.ID, req.Rank))
		default:
			err = s.requireSupport(ctx, job, string(req.SessionType)+" sessions", enabled)
		}
		if err != nil {
			results[i].Err = err
			continue
		}
		items = append(items, jobItem[OpenSessionRequest]{job: *job, request: req})
		indices = append(indices, i)
	}

	sessions, err := callJobItems[OpenSessionRequest, InteractiveSession](ctx, s.registry, provider.VerbOpenInteractiveSession, items)
	for k, session := range sessions {
		i := indices[k]
		if session.Err != nil {
			results[i].Err = session.Err
			continue
		}
		v := session.Value
		v.JobID, v.Rank, v.SessionType = requests[i].JobID, requests[i].Rank, requests[i].SessionType
		results[i].Value = v
	}
	return results, err
}
