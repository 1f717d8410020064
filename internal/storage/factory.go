package storage

import (
	"context"

	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	"go.uber.org/zap"
)

// NewBackend returns the MinIO backend when an endpoint is configured and an in
// memory backend otherwise.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	if cfg.Storage.Endpoint == "" {
		zap.S().Named("storage").Warn("no object storage endpoint configured, keeping files in memory")
		return NewMemoryBackend(), nil
	}

	backend, err := NewMinioBackend(
		WithEndpoint(cfg.Storage.Endpoint),
		WithBucket(cfg.Storage.Bucket),
		WithAccessKey(cfg.Storage.AccessKey),
		WithSecretKey(cfg.Storage.SecretAccessKey),
		WithSSL(cfg.Storage.UseSSL),
	)
	if err != nil {
		return nil, err
	}
	if err := backend.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return backend, nil
}
