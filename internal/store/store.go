package store

import (
	"context"

	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Job() Job
	Resource() Resource
	Acl() Acl
	Provider() Provider
	Application() Application
	InitialMigration(ctx context.Context) error
	Close() error
}

type DataStore struct {
	db          *gorm.DB
	job         Job
	resource    Resource
	acl         Acl
	provider    Provider
	application Application
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		job:         NewJobStore(db),
		resource:    NewResourceStore(db),
		acl:         NewAclStore(db),
		provider:    NewCachedProviderStore(NewProviderStore(db)),
		application: NewApplicationStore(db),
		db:          db,
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Job() Job {
	return s.job
}

func (s *DataStore) Resource() Resource {
	return s.resource
}

func (s *DataStore) Acl() Acl {
	return s.acl
}

func (s *DataStore) Provider() Provider {
	return s.provider
}

func (s *DataStore) Application() Application {
	return s.application
}

func (s *DataStore) InitialMigration(ctx context.Context) error {
	ctx, err := s.NewTransactionContext(ctx)
	if err != nil {
		return err
	}

	migrations := []func(context.Context) error{
		s.Job().InitialMigration,
		s.Resource().InitialMigration,
		s.Acl().InitialMigration,
		s.Provider().InitialMigration,
		s.Application().InitialMigration,
	}
	for _, migrate := range migrations {
		if err := migrate(ctx); err != nil {
			_, _ = Rollback(ctx)
			return err
		}
	}

	_, err = Commit(ctx)
	return err
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
