package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const (
	homeRoot         = "home"
	noSuchKey        = "NoSuchKey"
	directoryMarker  = "/"
	uploadObjectType = "application/octet-stream"
)

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
}

func newConfig(opts ...MinioOpts) *minioConfig {
	cfg := &minioConfig{
		useSSL: false,
	}

	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// MinioBackend keeps files as objects of one bucket. Directories are empty marker
// objects whose key ends with a slash.
type MinioBackend struct {
	cfg    *minioConfig
	client *minio.Client
	log    *zap.SugaredLogger
}

func NewMinioBackend(opts ...MinioOpts) (*MinioBackend, error) {
	cfg := newConfig(opts...)

	minioClient, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, err
	}

	return &MinioBackend{cfg: cfg, client: minioClient, log: zap.S().Named("minio_backend")}, nil
}

// EnsureBucket creates the bucket if it is missing.
func (m *MinioBackend) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.cfg.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return m.client.MakeBucket(ctx, m.cfg.bucket, minio.MakeBucketOptions{})
}

func (m *MinioBackend) Stat(ctx context.Context, p string) (*FileInfo, error) {
	key := Clean(p)

	info, err := m.client.StatObject(ctx, m.cfg.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return &FileInfo{Path: key, Type: FileTypeFile, Size: info.Size, ModifiedAt: info.LastModified}, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	info, err = m.client.StatObject(ctx, m.cfg.bucket, key+directoryMarker, minio.StatObjectOptions{})
	if err == nil {
		return &FileInfo{Path: key, Type: FileTypeDirectory, ModifiedAt: info.LastModified}, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	// a directory may exist only implicitly through its children
	for obj := range m.client.ListObjects(ctx, m.cfg.bucket, minio.ListObjectsOptions{Prefix: key + directoryMarker, MaxKeys: 1}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		return &FileInfo{Path: key, Type: FileTypeDirectory, ModifiedAt: obj.LastModified}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (m *MinioBackend) CreateDirectory(ctx context.Context, p string) error {
	if _, err := m.Stat(ctx, p); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, Clean(p))
	}
	_, err := m.client.PutObject(ctx, m.cfg.bucket, Clean(p)+directoryMarker, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	return err
}

func (m *MinioBackend) FindHomeFolder(ctx context.Context, username string) (string, error) {
	home := Join(homeRoot, username)
	if err := m.CreateDirectory(ctx, home); err != nil && !isAlreadyExists(err) {
		return "", err
	}
	return home, nil
}

func (m *MinioBackend) SimpleUpload(ctx context.Context, p string, length int64, r io.Reader) error {
	_, err := m.client.PutObject(ctx, m.cfg.bucket, Clean(p), r, length, minio.PutObjectOptions{ContentType: uploadObjectType})
	return err
}

func (m *MinioBackend) Extract(ctx context.Context, p string) error {
	key := Clean(p)
	format, err := FormatOf(key)
	if err != nil {
		return err
	}

	object, err := m.client.GetObject(ctx, m.cfg.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer object.Close()

	target := path.Dir(key)
	write := func(name string, dir bool, size int64, r io.Reader) error {
		dst := Join(target, name)
		if dir {
			_, err := m.client.PutObject(ctx, m.cfg.bucket, dst+directoryMarker, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
			return err
		}
		_, err := m.client.PutObject(ctx, m.cfg.bucket, dst, r, size, minio.PutObjectOptions{ContentType: uploadObjectType})
		return err
	}

	switch format {
	case ArchiveZip:
		objInfo, err := object.Stat()
		if err != nil {
			return err
		}
		err = extractZip(object, objInfo.Size, write)
		if err != nil {
			return err
		}
	default:
		if err := extractTarGz(object, write); err != nil {
			return err
		}
	}

	m.log.Debugw("extracted archive", "archive", key, "target", target)
	return nil
}

func isNotFound(err error) bool {
	return minio.ToErrorResponse(err).Code == noSuchKey
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) {
		c.bucket = bucket
	}
}

func WithAccessKey(accessKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = secretKey
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}
