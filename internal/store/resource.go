package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"gorm.io/gorm"
)

type Resource interface {
	Create(ctx context.Context, resource model.Resource) (*model.Resource, error)
	Get(ctx context.Context, id string) (*model.Resource, error)
	Find(ctx context.Context, ids []string, visibility Visibility) (model.ResourceList, error)
	List(ctx context.Context, filter *ResourceQueryFilter, opts *ResourceQueryOptions) (model.ResourceList, error)
	Count(ctx context.Context, filter *ResourceQueryFilter) (int64, error)
	UpdateStatus(ctx context.Context, id string, state *string, status *string) (*model.Resource, error)
	UpdateProviderGeneratedID(ctx context.Context, id string, providerGeneratedID string) error
	Rename(ctx context.Context, id string, title string, naturalKey *string) error
	Delete(ctx context.Context, ids ...string) error
	InitialMigration(ctx context.Context) error
}

type ResourceStore struct {
	db *gorm.DB
}

var _ Resource = (*ResourceStore)(nil)

func NewResourceStore(db *gorm.DB) Resource {
	return &ResourceStore{db: db}
}

func (s *ResourceStore) InitialMigration(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(&model.Resource{})
}

func (s *ResourceStore) Create(ctx context.Context, resource model.Resource) (*model.Resource, error) {
	if err := s.getDB(ctx).WithContext(ctx).Create(&resource).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}
	return &resource, nil
}

func (s *ResourceStore) Get(ctx context.Context, id string) (*model.Resource, error) {
	var resource model.Resource
	if err := s.getDB(ctx).WithContext(ctx).First(&resource, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying resource: %w", err)
	}
	return &resource, nil
}

// Find returns the resources among ids that are visible. Invisible or unknown ids
// are left out of the result.
func (s *ResourceStore) Find(ctx context.Context, ids []string, visibility Visibility) (model.ResourceList, error) {
	if len(ids) == 0 {
		return model.ResourceList{}, nil
	}
	return s.List(ctx, NewResourceQueryFilter().ByID(ids).VisibleTo(visibility), NewResourceQueryOptions().WithCreationOrder())
}

func (s *ResourceStore) List(ctx context.Context, filter *ResourceQueryFilter, opts *ResourceQueryOptions) (model.ResourceList, error) {
	var resources model.ResourceList
	tx := s.getDB(ctx).WithContext(ctx).Model(&model.Resource{})

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

	if err := tx.Find(&resources).Error; err != nil {
		return nil, err
	}
	return resources, nil
}

func (s *ResourceStore) Count(ctx context.Context, filter *ResourceQueryFilter) (int64, error) {
	var count int64
	tx := s.getDB(ctx).WithContext(ctx).Model(&model.Resource{})

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

// UpdateStatus is a single UPDATE statement so concurrent callers never interleave
// inside a row. The last writer wins per field.
func (s *ResourceStore) UpdateStatus(ctx context.Context, id string, state *string, status *string) (*model.Resource, error) {
	values := map[string]any{
		"updated_at": time.Now(),
		"version":    gorm.Expr("version + 1"),
	}
	if state != nil {
		values["state"] = *state
	}
	if status != nil {
		values["status"] = *status
	}

	tx := s.getDB(ctx).WithContext(ctx).Model(&model.Resource{}).Where("id = ?", id).Updates(values)
	if tx.Error != nil {
		return nil, tx.Error
	}
	if tx.RowsAffected == 0 {
		return nil, ErrRecordNotFound
	}
	return s.Get(ctx, id)
}

func (s *ResourceStore) UpdateProviderGeneratedID(ctx context.Context, id string, providerGeneratedID string) error {
	tx := s.getDB(ctx).WithContext(ctx).Model(&model.Resource{}).Where("id = ?", id).Updates(map[string]any{
		"provider_generated_id": providerGeneratedID,
		"updated_at":            time.Now(),
	})
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicateKey
		}
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *ResourceStore) Rename(ctx context.Context, id string, title string, naturalKey *string) error {
	tx := s.getDB(ctx).WithContext(ctx).Model(&model.Resource{}).Where("id = ?", id).Updates(map[string]any{
		"title":       title,
		"natural_key": naturalKey,
		"updated_at":  time.Now(),
	})
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicateKey
		}
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *ResourceStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.getDB(ctx).WithContext(ctx).Where("resource_id IN ?", ids).Delete(&model.AclEntry{}).Error; err != nil {
		return err
	}
	return s.getDB(ctx).WithContext(ctx).Where("id IN ?", ids).Delete(&model.Resource{}).Error
}

func (s *ResourceStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
