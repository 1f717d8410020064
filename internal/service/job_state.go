package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/events"
	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/statemachine"
	"github.com/SDU-eScience/UCloud-sub028/internal/storage"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/SDU-eScience/UCloud-sub028/pkg/metrics"
)

const maxTransitionAttempts = 10

type proposal struct {
	state  model.JobState
	status *string
	// expected skips the proposal unless the job is still in this state
	expected *model.JobState
	// keepState records the status in whatever state the job is in
	keepState bool
}

// JobStateProposal is a state change reported for a job, usually by its provider.
type JobStateProposal struct {
	JobID         string          `json:"jobId" validate:"required"`
	State         model.JobState  `json:"state" validate:"required,job_state"`
	Status        *string         `json:"status,omitempty"`
	ExpectedState *model.JobState `json:"expectedState,omitempty" validate:"omitempty,job_state"`
}

// applyProposal moves job through the state machine. The write only succeeds on
// the version that was evaluated, a concurrent writer forces a new evaluation.
func (s *JobService) applyProposal(ctx context.Context, job *model.Job, p proposal) (*model.Job, statemachine.Transition, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		if p.keepState {
			p.state = job.State
		}
		transition, err := statemachine.Evaluate(job.State, p.state)
		if err != nil {
			return job, transition, NewErrBadStateTransition(err)
		}

		if p.expected != nil && *p.expected != job.State {
			transition.Kind = statemachine.Ignore
		}
		switch transition.Kind {
		case statemachine.Ignore:
			return job, transition, nil
		case statemachine.StatusOnly:
			if p.status == nil || *p.status == job.Status {
				return job, transition, nil
			}
		}

		update := store.JobStateUpdate{
			ID:              job.ID,
			ExpectedVersion: job.Version,
			State:           p.state,
			Status:          p.status,
			StartedAt:       job.StartedAt,
			Updates:         appendUpdate(job, transition, p.status),
		}
		if transition.Kind == statemachine.Apply {
			if p.state == model.JobStateFailure {
				failed := job.State
				update.FailedState = &failed
			}
			if p.state == model.JobStateRunning && job.StartedAt == nil {
				now := time.Now()
				update.StartedAt = &now
			}
		}

		updated, err := s.store.Job().UpdateState(ctx, update)
		if errors.Is(err, store.ErrStaleUpdate) {
			if job, err = s.store.Job().Get(ctx, job.ID); err != nil {
				return nil, transition, err
			}
			continue
		}
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return nil, transition, NewErrJobNotFound(job.ID)
			}
			return nil, transition, err
		}

		if transition.Kind == statemachine.Apply {
			s.afterTransition(ctx, updated, transition)
		}
		return updated, transition, nil
	}

	err := NewErrInternal(fmt.Errorf("job %s kept changing while applying %s", job.ID, p.state))
	s.logger.WithContext(ctx).Operation("apply_proposal").WithString("job_id", job.ID).Build().Error(err).Log()
	return job, statemachine.Transition{}, err
}

func appendUpdate(job *model.Job, t statemachine.Transition, status *string) []model.JobUpdate {
	var updates []model.JobUpdate
	if job.Updates != nil {
		updates = append(updates, job.Updates.Data...)
	}

	u := model.JobUpdate{Timestamp: time.Now()}
	if t.Kind == statemachine.Apply {
		state := t.To
		u.State = &state
	}
	if status != nil {
		u.Status = *status
	}
	return append(updates, u)
}

func (s *JobService) afterTransition(ctx context.Context, job *model.Job, t statemachine.Transition) {
	metrics.IncreaseJobTransitionsMetric(t.From.String(), t.To.String())

	if s.publisher != nil {
		err := s.publisher.Publish(ctx, events.JobStateChangedKind, events.JobStateChanged{
			JobID:     job.ID,
			Owner:     job.Owner,
			Project:   job.ProjectID(),
			Provider:  job.Backend(),
			From:      t.From.String(),
			To:        t.To.String(),
			Status:    job.Status,
			Timestamp: job.UpdatedAt,
		})
		if err != nil {
			s.logger.WithContext(ctx).Operation("publish_job_event").WithString("job_id", job.ID).Build().Error(err).Log()
		}
	}

	if t.IsTerminal() {
		s.onTerminal(ctx, job)
	}
}

// onTerminal releases everything a finished job holds. Failures are logged only,
// the job is final either way.
func (s *JobService) onTerminal(ctx context.Context, job *model.Job) {
	tracer := s.logger.WithContext(ctx).
		Operation("job_cleanup").
		WithString("job_id", job.ID).
		WithString("state", job.State.String()).
		Build()

	s.followers.closeJob(job.ID)

	if job.OutputFolder != nil {
		if _, err := s.files.Stat(ctx, *job.OutputFolder); errors.Is(err, storage.ErrNotFound) {
			if err := s.files.CreateDirectory(ctx, *job.OutputFolder); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
				tracer.Step("result_folder").WithParam("error", err).Log()
			}
		}
	}

	acks, _ := callJobs[JobIDRequest, ItemAck](ctx, s.registry, provider.VerbCleanup, []model.Job{*job}, toJobIDRequest)
	if err := ackError(acks[0], provider.NamespaceJobs, provider.VerbCleanup); err != nil {
		tracer.Error(err).Log()
		return
	}
	tracer.Success().Log()
}

// authorizeStateChange allows the owner, the provider running the job and the
// orchestrator itself.
func authorizeStateChange(job *model.Job, principal auth.Principal) error {
	if principal.IsSystem() {
		return nil
	}
	if _, isProvider := principal.ProviderID(); isProvider {
		if err := provider.VerifyProvider(job.Backend(), principal); err != nil {
			return NewErrForbidden(err.Error())
		}
		return nil
	}
	if job.Owner == principal.Username {
		return nil
	}
	return NewErrForbidden(fmt.Sprintf("%s may not change the state of job %s", principal.Username, job.ID))
}

// HandleProposedStateChange applies a state reported for a job. Re-delivering the
// current state only records the status text.
func (s *JobService) HandleProposedStateChange(ctx context.Context, principal auth.Principal, p JobStateProposal) (*model.Job, error) {
	tracer := s.logger.WithContext(ctx).
		Operation("proposed_state_change").
		WithString("job_id", p.JobID).
		WithString("state", p.State.String()).
		WithString("principal", principal.Username).
		Build()

	job, err := s.store.Job().Get(ctx, p.JobID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(p.JobID)
		}
		tracer.Error(err).Log()
		return nil, err
	}

	if _, err := statemachine.Evaluate(job.State, p.State); err != nil {
		return nil, NewErrBadStateTransition(err)
	}
	if err := authorizeStateChange(job, principal); err != nil {
		return nil, err
	}

	updated, transition, err := s.applyProposal(ctx, job, proposal{state: p.State, status: p.Status, expected: p.ExpectedState})
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	tracer.Success().WithString("kind", transition.Kind.String()).Log()
	return updated, nil
}

// HandleProposedStateChanges applies a batch of provider callbacks. Every item
// answers on its own.
func (s *JobService) HandleProposedStateChanges(ctx context.Context, principal auth.Principal, proposals []JobStateProposal) []error {
	errs := make([]error, len(proposals))
	for i, p := range proposals {
		_, errs[i] = s.HandleProposedStateChange(ctx, principal, p)
	}
	return errs
}

// HandleJobComplete finishes a job. Without a wall duration it is derived from
// the start of the job, and stays unknown when the job never started.
func (s *JobService) HandleJobComplete(ctx context.Context, principal auth.Principal, jobID string, wallDuration *time.Duration, success bool) (*time.Duration, error) {
	state := model.JobStateFailure
	if success {
		state = model.JobStateSuccess
	}

	job, err := s.HandleProposedStateChange(ctx, principal, JobStateProposal{JobID: jobID, State: state})
	if err != nil {
		return nil, err
	}

	if wallDuration != nil {
		return wallDuration, nil
	}
	if job.StartedAt == nil {
		return nil, nil
	}
	d := job.UpdatedAt.Sub(*job.StartedAt)
	return &d, nil
}

// HandleAddStatus records a status text without touching the state.
func (s *JobService) HandleAddStatus(ctx context.Context, principal auth.Principal, jobID string, status string) (*model.Job, error) {
	job, err := s.store.Job().Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(jobID)
		}
		return nil, err
	}
	if err := authorizeStateChange(job, principal); err != nil {
		return nil, err
	}

	updated, _, err := s.applyProposal(ctx, job, proposal{keepState: true, status: &status})
	return updated, err
}
