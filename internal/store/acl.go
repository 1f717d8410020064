package store

import (
	"context"

	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"gorm.io/gorm"
)

type Acl interface {
	Get(ctx context.Context, resourceID string) (model.Acl, error)
	GetMany(ctx context.Context, resourceIDs []string) (map[string]model.Acl, error)
	Replace(ctx context.Context, resourceID string, acl model.Acl) error
	InitialMigration(ctx context.Context) error
}

type AclStore struct {
	db *gorm.DB
}

var _ Acl = (*AclStore)(nil)

func NewAclStore(db *gorm.DB) Acl {
	return &AclStore{db: db}
}

func (s *AclStore) InitialMigration(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(&model.AclEntry{})
}

func (s *AclStore) Get(ctx context.Context, resourceID string) (model.Acl, error) {
	acls, err := s.GetMany(ctx, []string{resourceID})
	if err != nil {
		return nil, err
	}
	return acls[resourceID], nil
}

func (s *AclStore) GetMany(ctx context.Context, resourceIDs []string) (map[string]model.Acl, error) {
	var rows []model.AclEntry
	if err := s.getDB(ctx).WithContext(ctx).
		Where("resource_id IN ?", resourceIDs).
		Order("entity_type, entity, permission").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	byResource := make(map[string][]model.AclEntry)
	for _, r := range rows {
		byResource[r.ResourceID] = append(byResource[r.ResourceID], r)
	}

	result := make(map[string]model.Acl, len(byResource))
	for id, entries := range byResource {
		result[id] = model.NewAclFromRows(entries)
	}
	return result, nil
}

// Replace swaps the whole acl of a resource. Callers wanting atomicity with other
// writes run it inside a transaction context.
func (s *AclStore) Replace(ctx context.Context, resourceID string, acl model.Acl) error {
	db := s.getDB(ctx).WithContext(ctx)
	if err := db.Where("resource_id = ?", resourceID).Delete(&model.AclEntry{}).Error; err != nil {
		return err
	}

	rows := acl.Rows(resourceID)
	if len(rows) == 0 {
		return nil
	}
	return db.Create(&rows).Error
}

func (s *AclStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
