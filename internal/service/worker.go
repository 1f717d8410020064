package service

import (
	"context"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
)

// Worker runs the periodic maintenance of jobs: the expiry sweep and the state
// gauges. Lost jobs are replayed once when it starts.
type Worker struct {
	jobs          *JobService
	replay        *ReplayService
	sweepInterval time.Duration
	log           *zap.SugaredLogger
}

func NewWorker(jobs *JobService, replay *ReplayService, sweepInterval time.Duration) *Worker {
	return &Worker{
		jobs:          jobs,
		replay:        replay,
		sweepInterval: sweepInterval,
		log:           zap.S().Named("job_worker"),
	}
}

// Run blocks until ctx is done. replay may be nil.
func (w *Worker) Run(ctx context.Context) {
	if w.replay != nil {
		if report, err := w.replay.ReplayLostJobs(ctx); err != nil {
			w.log.Errorw("failed to replay lost jobs", "error", err)
		} else {
			w.log.Infow("replayed lost jobs", "checked", report.Checked, "lost", report.Lost, "unreachable", report.Unreachable)
		}
	}

	ticker := jitterbug.New(w.sweepInterval, &jitterbug.Norm{Stdev: 30 * time.Millisecond, Mean: 0})
	defer ticker.Stop()

	for {
		w.sweep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	expired, err := w.jobs.RemoveExpiredJobs(ctx)
	if err != nil {
		w.log.Errorw("failed to remove expired jobs", "error", err)
	} else if expired > 0 {
		w.log.Infow("removed expired jobs", "count", expired)
	}

	if err := w.jobs.UpdateStateMetrics(ctx); err != nil {
		w.log.Errorw("failed to update job metrics", "error", err)
	}
}
