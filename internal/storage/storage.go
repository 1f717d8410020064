package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("file not found")
	ErrAlreadyExists      = errors.New("file already exists")
	ErrUnsupportedArchive = errors.New("unsupported archive format")
)

type FileType string

const (
	FileTypeFile      FileType = "FILE"
	FileTypeDirectory FileType = "DIRECTORY"
)

type FileInfo struct {
	Path       string
	Type       FileType
	Size       int64
	ModifiedAt time.Time
}

// Backend is the file system jobs write their results into.
type Backend interface {
	Stat(ctx context.Context, path string) (*FileInfo, error)
	CreateDirectory(ctx context.Context, path string) error
	FindHomeFolder(ctx context.Context, username string) (string, error)
	SimpleUpload(ctx context.Context, path string, length int64, r io.Reader) error
	// Extract unpacks the archive at path into the directory holding it.
	Extract(ctx context.Context, path string) error
}

// Clean normalizes a path to the form used as object key, without leading slash.
func Clean(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// Join appends rel to base. Parent references in rel never escape base.
func Join(base string, rel string) string {
	return Clean(path.Join(Clean(base), Clean(rel)))
}

func isAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
