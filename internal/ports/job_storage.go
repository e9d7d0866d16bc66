package ports

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrArtifactNotFound is returned by Fetch/delete paths for unknown names.
var ErrArtifactNotFound = errors.New("stored artifact not found")

// StorageError wraps the underlying cause of any non-not-found storage I/O
// failure. Callers never get silently empty data.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func NewStorageError(op, key string, err error) *StorageError {
	return &StorageError{Op: op, Key: key, Err: err}
}

// JobStorage is a per-job object store. Keys are derived from
// <project>/<job-uuid>/<name>, so two jobs can never collide.
//
// Store fully consumes and closes nothing it did not open; the backing
// container is created lazily on first write. DeleteAll removes every object
// under the job prefix and does not fail when the job never wrote anything.
type JobStorage interface {
	Store(ctx context.Context, name string, data io.Reader) error
	Fetch(ctx context.Context, name string) (io.ReadCloser, error)
	Exists(ctx context.Context, name string) (bool, error)
	DeleteAll(ctx context.Context) error
}

// StorageFactory resolves the JobStorage instance for one job. The execution
// tier uses it with the explicit scheduler-storage flag from the scan section.
type StorageFactory interface {
	ForJob(projectID, jobUUID string) JobStorage
}
