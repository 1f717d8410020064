package service

import (
	"context"
	"fmt"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/SDU-eScience/UCloud-sub028/pkg/metrics"
	"github.com/hashicorp/go-multierror"
)

const expiredStatus = "The job expired before it finished"

// RemoveExpiredJobs fails every job created more than the expiry ttl ago that is
// still not final, then asks the providers to cancel them. Providers that cannot
// be reached are logged and skipped.
func (s *JobService) RemoveExpiredJobs(ctx context.Context) (int, error) {
	tracer := s.logger.WithContext(ctx).Operation("remove_expired_jobs").Build()

	deadline := time.Now().Add(-s.settings.expiryTTL)
	filter := store.NewJobQueryFilter().NotFinal().CreatedBefore(deadline)
	jobs, err := s.store.Job().List(ctx, filter, store.NewJobQueryOptions().WithSort(store.SortByCreatedAt, store.SortAscending))
	if err != nil {
		tracer.Error(err).Log()
		return 0, err
	}

	var (
		merr    *multierror.Error
		expired []model.Job
	)
	status := expiredStatus
	for _, job := range jobs {
		job := job
		updated, _, err := s.applyProposal(ctx, &job, proposal{state: model.JobStateFailure, status: &status})
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		if updated.State == model.JobStateFailure {
			expired = append(expired, *updated)
		}
	}
	metrics.IncreaseExpiredJobsMetric(len(expired))

	acks, _ := callJobs[JobIDRequest, ItemAck](ctx, s.registry, provider.VerbCancel, expired, toJobIDRequest)
	for k, ack := range acks {
		if err := ackError(ack, provider.NamespaceJobs, provider.VerbCancel); err != nil {
			tracer.Step("cancel_failed").WithString("job_id", expired[k].ID).WithParam("error", err).Log()
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		tracer.Error(err).WithInt("expired", len(expired)).Log()
		return len(expired), err
	}
	tracer.Success().WithInt("expired", len(expired)).Log()
	return len(expired), nil
}

// UpdateStateMetrics refreshes the gauge of jobs per state.
func (s *JobService) UpdateStateMetrics(ctx context.Context) error {
	counts, err := s.store.Job().CountByState(ctx)
	if err != nil {
		return err
	}
	for _, state := range []model.JobState{
		model.JobStateValidated,
		model.JobStatePrepared,
		model.JobStateScheduled,
		model.JobStateRunning,
		model.JobStateCanceling,
		model.JobStateSuccess,
		model.JobStateFailure,
	} {
		metrics.UpdateJobStateCounterMetric(state.String(), int(counts[state]))
	}
	return nil
}
