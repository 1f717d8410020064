package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/SDU-eScience/UCloud-sub028/pkg/log"
	"github.com/gorilla/websocket"
	"github.com/lthibault/jitterbug/v2"
)

const followChunkLines = 1000

// followers tracks the live streams of every job so they end with the job.
type followers struct {
	mu    sync.Mutex
	next  int64
	byJob map[string]map[int64]context.CancelFunc
}

func newFollowers() *followers {
	return &followers{byJob: map[string]map[int64]context.CancelFunc{}}
}

func (f *followers) add(jobID string, cancel context.CancelFunc) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	id := f.next
	if f.byJob[jobID] == nil {
		f.byJob[jobID] = map[int64]context.CancelFunc{}
	}
	f.byJob[jobID][id] = cancel

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.byJob[jobID], id)
		if len(f.byJob[jobID]) == 0 {
			delete(f.byJob, jobID)
		}
	}
}

func (f *followers) closeJob(jobID string) {
	f.mu.Lock()
	cancels := f.byJob[jobID]
	delete(f.byJob, jobID)
	f.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (f *followers) count(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byJob[jobID])
}

// FollowService relays the output of jobs from their providers.
type FollowService struct {
	jobs         *JobService
	pollInterval time.Duration
	logger       *log.StructuredLogger
}

func NewFollowService(jobs *JobService, cfg *config.Config) *FollowService {
	return &FollowService{
		jobs:         jobs,
		pollInterval: cfg.Jobs.FollowPollInterval,
		logger:       log.NewDebugLogger("follow_service"),
	}
}

func (f *FollowService) followable(ctx context.Context, principal auth.Principal, jobID string) (*model.Job, error) {
	job, _, err := f.jobs.jobFor(ctx, principal, jobID, model.PermissionRead)
	if err != nil {
		return nil, err
	}
	if err := f.jobs.requireSupport(ctx, job, "log streaming", func(s ComputeSupport) bool { return s.Logs }); err != nil {
		return nil, err
	}
	return job, nil
}

// FollowStreams returns the next chunk of stdout and stderr after the requested
// offsets.
func (f *FollowService) FollowStreams(ctx context.Context, principal auth.Principal, req FollowRequest) (*FollowChunk, error) {
	job, err := f.followable(ctx, principal, req.JobID)
	if err != nil {
		return nil, err
	}
	return f.poll(ctx, job, req)
}

func (f *FollowService) poll(ctx context.Context, job *model.Job, req FollowRequest) (*FollowChunk, error) {
	chunks, _ := callJobs[FollowRequest, FollowChunk](ctx, f.jobs.registry, provider.VerbFollow, []model.Job{*job}, func(model.Job) FollowRequest {
		return req
	})
	if err := chunks[0].Err; err != nil {
		return nil, err
	}
	chunk := chunks[0].Value
	return &chunk, nil
}

// Stream sends every chunk of output of the job to sink until the job finishes or
// ctx ends. The provider stream is used when the provider offers one, polling
// otherwise.
func (f *FollowService) Stream(ctx context.Context, principal auth.Principal, jobID string, sink func(FollowChunk) error) error {
	job, err := f.followable(ctx, principal, jobID)
	if err != nil {
		return err
	}
	if job.State.IsFinal() {
		return nil
	}

	tracer := f.logger.WithContext(ctx).Operation("follow_job").WithString("job_id", jobID).Build()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	remove := f.jobs.followers.add(jobID, cancel)
	defer remove()

	comm, err := f.jobs.registry.PrepareCommunication(ctx, job.Backend())
	if err != nil {
		tracer.Error(err).Log()
		return err
	}

	conn, err := comm.Client.OpenStream(ctx, provider.NamespaceJobs, provider.VerbFollow)
	if err != nil {
		tracer.Step("stream_unavailable").WithParam("error", err).Log()
		err = f.pollLoop(ctx, job, sink)
	} else {
		err = f.relay(ctx, conn, job.ID, sink)
	}

	if err != nil {
		tracer.Error(err).Log()
		return err
	}
	tracer.Success().Log()
	return nil
}

func (f *FollowService) relay(ctx context.Context, conn *websocket.Conn, jobID string, sink func(FollowChunk) error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	if err := conn.WriteJSON(FollowRequest{JobID: jobID, StdoutLines: followChunkLines, StderrLines: followChunkLines}); err != nil {
		return err
	}

	for {
		var chunk FollowChunk
		if err := conn.ReadJSON(&chunk); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := sink(chunk); err != nil {
			return err
		}
	}
}

func (f *FollowService) pollLoop(ctx context.Context, job *model.Job, sink func(FollowChunk) error) error {
	ticker := jitterbug.New(f.pollInterval, &jitterbug.Norm{Stdev: 30 * time.Millisecond, Mean: 0})
	defer ticker.Stop()

	req := FollowRequest{JobID: job.ID, StdoutLines: followChunkLines, StderrLines: followChunkLines}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		chunk, err := f.poll(ctx, job, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if chunk.Stdout != "" || chunk.Stderr != "" {
			if err := sink(*chunk); err != nil {
				return err
			}
		}
		req.StdoutOffset, req.StderrOffset = chunk.NextStdoutOffset, chunk.NextStderrOffset

		current, err := f.jobs.store.Job().Get(ctx, job.ID)
		if err != nil {
			return err
		}
		if current.State.IsFinal() && chunk.Stdout == "" && chunk.Stderr == "" {
			return nil
		}
	}
}

// IsStreamClosed reports whether err only says the follower went away.
func IsStreamClosed(err error) bool {
	return errors.Is(err, context.Canceled) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
