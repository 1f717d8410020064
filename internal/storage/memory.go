package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps files in memory. It backs local runs without object storage
// and the tests.
type MemoryBackend struct {
	mu    sync.RWMutex
	files map[string][]byte
	dirs  map[string]time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		files: map[string][]byte{},
		dirs:  map[string]time.Time{"": time.Now()},
	}
}

func (m *MemoryBackend) Stat(_ context.Context, p string) (*FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := Clean(p)
	if data, found := m.files[key]; found {
		return &FileInfo{Path: key, Type: FileTypeFile, Size: int64(len(data))}, nil
	}
	if ts, found := m.dirs[key]; found {
		return &FileInfo{Path: key, Type: FileTypeDirectory, ModifiedAt: ts}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (m *MemoryBackend) CreateDirectory(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Clean(p)
	if _, found := m.dirs[key]; found {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}
	m.mkdirAll(key)
	return nil
}

func (m *MemoryBackend) FindHomeFolder(ctx context.Context, username string) (string, error) {
	home := Join(homeRoot, username)
	if err := m.CreateDirectory(ctx, home); err != nil && !isAlreadyExists(err) {
		return "", err
	}
	return home, nil
}

func (m *MemoryBackend) SimpleUpload(_ context.Context, p string, length int64, r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, length))
	if err != nil {
		return err
	}
	if int64(len(data)) != length {
		return fmt.Errorf("short upload: expected %d bytes, received %d", length, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := Clean(p)
	m.mkdirAll(path.Dir(key))
	m.files[key] = data
	return nil
}

func (m *MemoryBackend) Extract(_ context.Context, p string) error {
	key := Clean(p)
	format, err := FormatOf(key)
	if err != nil {
		return err
	}

	m.mu.RLock()
	data, found := m.files[key]
	m.mu.RUnlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	target := path.Dir(key)
	write := func(name string, dir bool, _ int64, r io.Reader) error {
		dst := Join(target, name)
		m.mu.Lock()
		defer m.mu.Unlock()
		if dir {
			m.mkdirAll(dst)
			return nil
		}
		content, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		m.mkdirAll(path.Dir(dst))
		m.files[dst] = content
		return nil
	}

	if format == ArchiveZip {
		return extractZip(bytes.NewReader(data), int64(len(data)), write)
	}
	return extractTarGz(bytes.NewReader(data), write)
}

// Files lists the stored file paths below prefix.
func (m *MemoryBackend) Files(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix = Clean(prefix)
	var result []string
	for key := range m.files {
		if prefix == "" || strings.HasPrefix(key, prefix+"/") {
			result = append(result, key)
		}
	}
	return result
}

func (m *MemoryBackend) mkdirAll(key string) {
	for key != "." && key != "" {
		if _, found := m.dirs[key]; !found {
			m.dirs[key] = time.Now()
		}
		key = path.Dir(key)
	}
}
