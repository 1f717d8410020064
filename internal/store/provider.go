package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Provider interface {
	Get(ctx context.Context, id string) (*model.Provider, error)
	List(ctx context.Context) (model.ProviderList, error)
	Upsert(ctx context.Context, provider model.Provider) (*model.Provider, error)
	Delete(ctx context.Context, id string) error
	InitialMigration(ctx context.Context) error
}

type ProviderStore struct {
	db *gorm.DB
}

var _ Provider = (*ProviderStore)(nil)

func NewProviderStore(db *gorm.DB) Provider {
	return &ProviderStore{db: db}
}

func (s *ProviderStore) InitialMigration(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(&model.Provider{})
}

func (s *ProviderStore) Get(ctx context.Context, id string) (*model.Provider, error) {
	var provider model.Provider
	if err := s.getDB(ctx).WithContext(ctx).First(&provider, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying provider: %w", err)
	}
	return &provider, nil
}

func (s *ProviderStore) List(ctx context.Context) (model.ProviderList, error) {
	var providers model.ProviderList
	if err := s.getDB(ctx).WithContext(ctx).Order("id").Find(&providers).Error; err != nil {
		return nil, err
	}
	return providers, nil
}

func (s *ProviderStore) Upsert(ctx context.Context, provider model.Provider) (*model.Provider, error) {
	if err := s.getDB(ctx).WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"domain", "port", "https", "updated_at"}),
	}).Create(&provider).Error; err != nil {
		return nil, err
	}
	return &provider, nil
}

func (s *ProviderStore) Delete(ctx context.Context, id string) error {
	tx := s.getDB(ctx).WithContext(ctx).Where("id = ?", id).Delete(&model.Provider{})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *ProviderStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
