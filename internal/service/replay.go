package service

import (
	"context"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/SDU-eScience/UCloud-sub028/pkg/log"
	"github.com/SDU-eScience/UCloud-sub028/pkg/metrics"
)

const lostJobStatus = "The provider no longer knows this job"

type ReplayReport struct {
	Checked     int
	Alive       int
	Lost        int
	Unreachable int
}

// ReplayService reconciles jobs that were in flight when the orchestrator stopped.
type ReplayService struct {
	jobs      *JobService
	startedAt time.Time
	logger    *log.StructuredLogger
}

func NewReplayService(jobs *JobService, startedAt time.Time) *ReplayService {
	return &ReplayService{
		jobs:      jobs,
		startedAt: startedAt,
		logger:    log.NewDebugLogger("replay_service"),
	}
}

// ReplayLostJobs asks the provider of every unfinished job not updated since start
// whether it still knows the job. Unknown jobs fail, jobs of unreachable providers
// stay as they are. Running it again changes nothing.
func (r *ReplayService) ReplayLostJobs(ctx context.Context) (*ReplayReport, error) {
	tracer := r.logger.WithContext(ctx).
		Operation("replay_lost_jobs").
		WithParam("started_at", r.startedAt).
		Build()

	filter := store.NewJobQueryFilter().NotFinal().UpdatedBefore(r.startedAt)
	jobs, err := r.jobs.store.Job().List(ctx, filter, store.NewJobQueryOptions().WithSort(store.SortByCreatedAt, store.SortAscending))
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	report := &ReplayReport{Checked: len(jobs)}
	answers, _ := callJobs[JobIDRequest, JobVerifyResponse](ctx, r.jobs.registry, provider.VerbVerify, jobs, toJobIDRequest)

	status := lostJobStatus
	for k, answer := range answers {
		job := jobs[k]
		switch {
		case answer.Err != nil:
			report.Unreachable++
			metrics.IncreaseReplayedJobsMetric("unreachable")
			tracer.Step("provider_unreachable").WithString("job_id", job.ID).WithParam("error", answer.Err).Log()
		case answer.Value.Known == nil:
			report.Unreachable++
			metrics.IncreaseReplayedJobsMetric("unreachable")
			tracer.Step("provider_unanswered").WithString("job_id", job.ID).Log()
		case *answer.Value.Known:
			report.Alive++
			metrics.IncreaseReplayedJobsMetric("alive")
		default:
			expected := job.State
			if _, _, err := r.jobs.applyProposal(ctx, &job, proposal{state: model.JobStateFailure, status: &status, expected: &expected}); err != nil {
				tracer.Step("fail_lost_job").WithString("job_id", job.ID).WithParam("error", err).Log()
				continue
			}
			report.Lost++
			metrics.IncreaseReplayedJobsMetric("lost")
		}
	}

	tracer.Success().
		WithInt("checked", report.Checked).
		WithInt("alive", report.Alive).
		WithInt("lost", report.Lost).
		WithInt("unreachable", report.Unreachable).
		Log()
	return report, nil
}
