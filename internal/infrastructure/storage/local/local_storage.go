package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"scanhub/internal/infrastructure/storage"
	"scanhub/internal/ports"
)

// Factory creates filesystem-backed job storage rooted below a base
// directory. The directory layout mirrors the object key scheme.
type Factory struct {
	root             string
	operationTimeout time.Duration
}

var _ ports.StorageFactory = (*Factory)(nil)

func NewFactory(root string, operationTimeout time.Duration) *Factory {
	return &Factory{
		root:             root,
		operationTimeout: operationTimeout,
	}
}

func (f *Factory) ForJob(projectID, jobUUID string) ports.JobStorage {
	return &jobStorage{
		dir:              filepath.Join(f.root, projectID, jobUUID),
		operationTimeout: f.operationTimeout,
	}
}

type jobStorage struct {
	dir              string
	operationTimeout time.Duration
}

func (s *jobStorage) Store(ctx context.Context, name string, data io.Reader) error {
	if err := storage.ValidateArtifactName(name); err != nil {
		return ports.NewStorageError("store", s.key(name), err)
	}

	opCtx, cancel := storage.WithTimeout(ctx, s.operationTimeout)
	defer cancel()
	if err := opCtx.Err(); err != nil {
		return ports.NewStorageError("store", s.key(name), err)
	}

	// Container directory is created lazily on first write.
	if err := os.MkdirAll(filepath.Dir(filepath.Join(s.dir, name)), 0o755); err != nil {
		return ports.NewStorageError("store", s.key(name), err)
	}

	file, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return ports.NewStorageError("store", s.key(name), err)
	}

	if _, err := io.Copy(file, data); err != nil {
		_ = file.Close()
		return ports.NewStorageError("store", s.key(name), err)
	}
	if err := file.Close(); err != nil {
		return ports.NewStorageError("store", s.key(name), err)
	}
	return nil
}

func (s *jobStorage) Fetch(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := storage.ValidateArtifactName(name); err != nil {
		return nil, ports.NewStorageError("fetch", s.key(name), err)
	}

	opCtx, cancel := storage.WithTimeout(ctx, s.operationTimeout)
	defer cancel()
	if err := opCtx.Err(); err != nil {
		return nil, ports.NewStorageError("fetch", s.key(name), err)
	}

	file, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ports.ErrArtifactNotFound
		}
		return nil, ports.NewStorageError("fetch", s.key(name), err)
	}
	return file, nil
}

func (s *jobStorage) Exists(ctx context.Context, name string) (bool, error) {
	if err := storage.ValidateArtifactName(name); err != nil {
		return false, ports.NewStorageError("exists", s.key(name), err)
	}

	opCtx, cancel := storage.WithTimeout(ctx, s.operationTimeout)
	defer cancel()
	if err := opCtx.Err(); err != nil {
		return false, ports.NewStorageError("exists", s.key(name), err)
	}

	_, err := os.Stat(filepath.Join(s.dir, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, ports.NewStorageError("exists", s.key(name), err)
}

func (s *jobStorage) DeleteAll(ctx context.Context) error {
	opCtx, cancel := storage.WithTimeout(ctx, s.operationTimeout)
	defer cancel()
	if err := opCtx.Err(); err != nil {
		return ports.NewStorageError("delete-all", s.dir, err)
	}

	// RemoveAll is a no-op for a directory that never existed, which covers
	// jobs that never wrote anything.
	if err := os.RemoveAll(s.dir); err != nil {
		return ports.NewStorageError("delete-all", s.dir, err)
	}
	return nil
}

func (s *jobStorage) key(name string) string {
	return filepath.Join(s.dir, name)
}
