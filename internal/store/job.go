package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"gorm.io/gorm"
)

const maxStatusUpdateAttempts = 10

// JobStateUpdate is applied only if the row still carries ExpectedVersion.
type JobStateUpdate struct {
	ID              string
	ExpectedVersion int64
	State           model.JobState
	FailedState     *model.JobState
	Status          *string
	StartedAt       *time.Time
	Updates         []model.JobUpdate
}

type Job interface {
	Create(ctx context.Context, job model.Job) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error)
	Count(ctx context.Context, filter *JobQueryFilter) (int64, error)
	UpdateStatus(ctx context.Context, id string, state *model.JobState, status *string) (*model.Job, error)
	UpdateState(ctx context.Context, update JobStateUpdate) (*model.Job, error)
	UpdateOutputFolder(ctx context.Context, id string, folder string) error
	UpdateTimeAllocation(ctx context.Context, id string, allocation model.SimpleDuration) error
	Delete(ctx context.Context, ids ...string) error
	CountByState(ctx context.Context) (map[model.JobState]int64, error)
	InitialMigration(ctx context.Context) error
}

type JobStore struct {
	db *gorm.DB
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

func (s *JobStore) InitialMigration(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(&model.Job{})
}

func (s *JobStore) Create(ctx context.Context, job model.Job) (*model.Job, error) {
	if err := s.getDB(ctx).WithContext(ctx).Create(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}
	return &job, nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := s.getDB(ctx).WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error) {
	var jobs model.JobList
	tx := s.getDB(ctx).WithContext(ctx).Model(&model.Job{})

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if opts != nil {
		for _, fn := range opts.QueryFn {
			tx = fn(tx)
		}
	}

	if err := tx.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *JobStore) Count(ctx context.Context, filter *JobQueryFilter) (int64, error) {
	var count int64
	tx := s.getDB(ctx).WithContext(ctx).Model(&model.Job{})

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if err := tx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateStatus writes state and status without any transition check. Concurrent
// writers are retried until one of them wins the version check.
func (s *JobStore) UpdateStatus(ctx context.Context, id string, state *model.JobState, status *string) (*model.Job, error) {
	for attempt := 0; attempt < maxStatusUpdateAttempts; attempt++ {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		update := JobStateUpdate{
			ID:              id,
			ExpectedVersion: job.Version,
			State:           job.State,
			Status:          status,
			StartedAt:       job.StartedAt,
		}
		if state != nil {
			update.State = *state
			if *state == model.JobStateRunning && job.StartedAt == nil {
				now := time.Now()
				update.StartedAt = &now
			}
		}

		updated, err := s.UpdateState(ctx, update)
		if errors.Is(err, ErrStaleUpdate) {
			continue
		}
		return updated, err
	}
	return nil, ErrStaleUpdate
}

func (s *JobStore) UpdateState(ctx context.Context, update JobStateUpdate) (*model.Job, error) {
	values := map[string]any{
		"state":      update.State,
		"updated_at": time.Now(),
		"version":    gorm.Expr("version + 1"),
	}
	if update.FailedState != nil {
		values["failed_state"] = *update.FailedState
	}
	if update.Status != nil {
		values["status"] = *update.Status
	}
	if update.StartedAt != nil {
		values["started_at"] = *update.StartedAt
	}
	if update.Updates != nil {
		values["updates"] = model.MakeJSONField(update.Updates)
	}

	tx := s.getDB(ctx).WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND version = ?", update.ID, update.ExpectedVersion).
		Updates(values)
	if tx.Error != nil {
		return nil, tx.Error
	}

	if tx.RowsAffected == 0 {
		if _, err := s.Get(ctx, update.ID); err != nil {
			return nil, err
		}
		return nil, ErrStaleUpdate
	}

	return s.Get(ctx, update.ID)
}

func (s *JobStore) UpdateOutputFolder(ctx context.Context, id string, folder string) error {
	tx := s.getDB(ctx).WithContext(ctx).Model(&model.Job{}).Where("id = ?", id).Updates(map[string]any{
		"output_folder": folder,
		"updated_at":    time.Now(),
	})
	if tx.Error != nil {
		return fmt.Errorf("updating job output folder: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *JobStore) UpdateTimeAllocation(ctx context.Context, id string, allocation model.SimpleDuration) error {
	tx := s.getDB(ctx).WithContext(ctx).Model(&model.Job{}).Where("id = ?", id).Updates(map[string]any{
		"time_allocation_hours":   allocation.Hours,
		"time_allocation_minutes": allocation.Minutes,
		"time_allocation_seconds": allocation.Seconds,
		"updated_at":              time.Now(),
	})
	if tx.Error != nil {
		return fmt.Errorf("updating job time allocation: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Delete removes the jobs and their acl entries for good.
func (s *JobStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.getDB(ctx).WithContext(ctx).Where("resource_id IN ?", ids).Delete(&model.AclEntry{}).Error; err != nil {
		return err
	}
	return s.getDB(ctx).WithContext(ctx).Where("id IN ?", ids).Delete(&model.Job{}).Error
}

func (s *JobStore) CountByState(ctx context.Context) (map[model.JobState]int64, error) {
	type row struct {
		State model.JobState
		Count int64
	}
	var rows []row
	if err := s.getDB(ctx).WithContext(ctx).Model(&model.Job{}).Select("state, count(*) as count").Group("state").Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[model.JobState]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}

func (s *JobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
