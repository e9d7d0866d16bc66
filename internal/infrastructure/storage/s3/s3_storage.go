package s3

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"scanhub/internal/bootstrap/config"
	"scanhub/internal/errs"
	"scanhub/internal/infrastructure/storage"
	"scanhub/internal/ports"
)

const deleteRetryBackoff = 500 * time.Millisecond

// Factory creates S3-backed job storage against one bucket. Any
// S3-compatible endpoint works; credentials and endpoint come from config.
type Factory struct {
	client           *minio.Client
	bucket           string
	operationTimeout time.Duration
	retryAttempts    int

	ensureOnce sync.Once
	ensureErr  error
}

var _ ports.StorageFactory = (*Factory)(nil)

func NewFactory(cfg config.StorageConfig) (*Factory, error) {
	client, err := minio.New(cfg.S3.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
		Secure: cfg.S3.UseTLS,
	})
	if err != nil {
		return nil, errs.Wrap(err, "create s3 client")
	}

	return &Factory{
		client:           client,
		bucket:           cfg.S3.Bucket,
		operationTimeout: cfg.OperationTimeout,
		retryAttempts:    cfg.RetryAttempts,
	}, nil
}

func (f *Factory) ForJob(projectID, jobUUID string) ports.JobStorage {
	return &jobStorage{
		factory:   f,
		projectID: projectID,
		jobUUID:   jobUUID,
	}
}

// ensureBucket creates the backing container lazily on first write.
func (f *Factory) ensureBucket(ctx context.Context) error {
	f.ensureOnce.Do(func() {
		exists, err := f.client.BucketExists(ctx, f.bucket)
		if err != nil {
			f.ensureErr = err
			return
		}
		if exists {
			return
		}
		f.ensureErr = f.client.MakeBucket(ctx, f.bucket, minio.MakeBucketOptions{})
	})
	return f.ensureErr
}

type jobStorage struct {
	factory   *Factory
	projectID string
	jobUUID   string
}

func (s *jobStorage) Store(ctx context.Context, name string, data io.Reader) error {
	key := storage.ObjectKey(s.projectID, s.jobUUID, name)
	if err := storage.ValidateArtifactName(name); err != nil {
		return ports.NewStorageError("store", key, err)
	}

	opCtx, cancel := storage.WithTimeout(ctx, s.factory.operationTimeout)
	defer cancel()

	if err := s.factory.ensureBucket(opCtx); err != nil {
		return ports.NewStorageError("store", key, err)
	}

	// Size -1 streams the reader fully; PutObject consumes it to EOF.
	if _, err := s.factory.client.PutObject(opCtx, s.factory.bucket, key, data, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return ports.NewStorageError("store", key, err)
	}
	return nil
}

func (s *jobStorage) Fetch(ctx context.Context, name string) (io.ReadCloser, error) {
	key := storage.ObjectKey(s.projectID, s.jobUUID, name)
	if err := storage.ValidateArtifactName(name); err != nil {
		return nil, ports.NewStorageError("fetch", key, err)
	}

	opCtx, cancel := storage.WithTimeout(ctx, s.factory.operationTimeout)

	object, err := s.factory.client.GetObject(opCtx, s.factory.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		cancel()
		return nil, ports.NewStorageError("fetch", key, err)
	}

	// GetObject is lazy; Stat surfaces missing keys before the caller reads.
	if _, err := object.Stat(); err != nil {
		_ = object.Close()
		cancel()
		if isNoSuchKey(err) {
			return nil, ports.ErrArtifactNotFound
		}
		return nil, ports.NewStorageError("fetch", key, err)
	}

	return &cancelOnCloseReader{ReadCloser: object, cancel: cancel}, nil
}

func (s *jobStorage) Exists(ctx context.Context, name string) (bool, error) {
	key := storage.ObjectKey(s.projectID, s.jobUUID, name)
	if err := storage.ValidateArtifactName(name); err != nil {
		return false, ports.NewStorageError("exists", key, err)
	}

	opCtx, cancel := storage.WithTimeout(ctx, s.factory.operationTimeout)
	defer cancel()

	_, err := s.factory.client.StatObject(opCtx, s.factory.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, ports.NewStorageError("exists", key, err)
}

// DeleteAll removes every object under the job prefix. Deletions are batched
// through RemoveObjects; keys left behind by partial batch failures are
// retried up to the configured attempt count.
func (s *jobStorage) DeleteAll(ctx context.Context) error {
	prefix := storage.JobPrefix(s.projectID, s.jobUUID)

	opCtx, cancel := storage.WithTimeout(ctx, s.factory.operationTimeout)
	defer cancel()

	err := storage.Retry(opCtx, s.factory.retryAttempts, deleteRetryBackoff, func() error {
		return s.deleteBatch(opCtx, prefix)
	})
	if err != nil {
		return ports.NewStorageError("delete-all", prefix, err)
	}
	return nil
}

func (s *jobStorage) deleteBatch(ctx context.Context, prefix string) error {
	objects := s.factory.client.ListObjects(ctx, s.factory.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	toDelete := make(chan minio.ObjectInfo)
	var listErr error
	go func() {
		defer close(toDelete)
		for object := range objects {
			if object.Err != nil {
				if isNoSuchBucket(object.Err) {
					// Never written anything: nothing to delete.
					return
				}
				listErr = object.Err
				return
			}
			toDelete <- object
		}
	}()

	var deleteErr error
	for result := range s.factory.client.RemoveObjects(ctx, s.factory.bucket, toDelete, minio.RemoveObjectsOptions{}) {
		if result.Err != nil && deleteErr == nil {
			deleteErr = result.Err
		}
	}

	if listErr != nil {
		return listErr
	}
	return deleteErr
}

func isNoSuchKey(err error) bool {
	response := minio.ToErrorResponse(err)
	return response.Code == "NoSuchKey"
}

func isNoSuchBucket(err error) bool {
	response := minio.ToErrorResponse(err)
	return response.Code == "NoSuchBucket"
}

type cancelOnCloseReader struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelOnCloseReader) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}
