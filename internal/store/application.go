package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"gorm.io/gorm"
)

type Application interface {
	FindByNameAndVersion(ctx context.Context, name string, version string) (*model.Application, error)
	List(ctx context.Context) ([]model.Application, error)
	Create(ctx context.Context, app model.Application) (*model.Application, error)
	InitialMigration(ctx context.Context) error
}

type ApplicationStore struct {
	db *gorm.DB
}

var _ Application = (*ApplicationStore)(nil)

func NewApplicationStore(db *gorm.DB) Application {
	return &ApplicationStore{db: db}
}

func (s *ApplicationStore) InitialMigration(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(&model.Application{})
}

func (s *ApplicationStore) FindByNameAndVersion(ctx context.Context, name string, version string) (*model.Application, error) {
	var app model.Application
	if err := s.getDB(ctx).WithContext(ctx).First(&app, "name = ? AND version = ?", name, version).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying application: %w", err)
	}
	return &app, nil
}

func (s *ApplicationStore) List(ctx context.Context) ([]model.Application, error) {
	var apps []model.Application
	if err := s.getDB(ctx).WithContext(ctx).Order("name, version").Find(&apps).Error; err != nil {
		return nil, err
	}
	return apps, nil
}

func (s *ApplicationStore) Create(ctx context.Context, app model.Application) (*model.Application, error) {
	if err := s.getDB(ctx).WithContext(ctx).Create(&app).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}
	return &app, nil
}

func (s *ApplicationStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
