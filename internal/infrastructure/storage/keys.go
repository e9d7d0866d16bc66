package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ObjectKey derives the stable storage key for one artifact. The scheme is
// <project>/<job-uuid>/<name>, so keys of two jobs can never collide.
func ObjectKey(projectID, jobUUID, name string) string {
	return projectID + "/" + jobUUID + "/" + name
}

// JobPrefix is the key prefix every artifact of one job shares.
func JobPrefix(projectID, jobUUID string) string {
	return projectID + "/" + jobUUID + "/"
}

// ValidateArtifactName rejects empty names and path escapes before they reach
// any backend.
func ValidateArtifactName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.New("artifact name is required")
	}
	if strings.Contains(trimmed, "..") || strings.HasPrefix(trimmed, "/") || strings.Contains(trimmed, "\\") {
		return fmt.Errorf("artifact name %q is not a plain relative name", name)
	}
	return nil
}

// WithTimeout bounds one storage operation. A stuck backend call must never
// occupy an execution slot indefinitely.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Retry runs fn up to attempts times, backing off between tries. It returns
// the last error when every attempt failed.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for try := 0; try < attempts; try++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if try < attempts-1 && backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
