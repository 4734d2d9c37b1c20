// Package storage provides S3-compatible object storage for message bodies.
//
// Bodies are stored content-addressed: each object key is the BLAKE3 hash of
// its content, so delivering the same message to several mailboxes stores
// the body once.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/migadu/sieved/logger"
	"github.com/migadu/sieved/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Storage struct {
	Client     *minio.Client
	BucketName string
}

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("STORAGE: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Put uploads a body under its content hash. Uploading a key that already
// exists is harmless; the content is identical by construction.
func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := s.Client.PutObject(ctx, s.BucketName, key, body, size,
		minio.PutObjectOptions{SendContentMd5: true})
	if err != nil {
		metrics.StorageOps.WithLabelValues("PUT", "error").Inc()
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	metrics.StorageOps.WithLabelValues("PUT", "success").Inc()
	return nil
}

func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.StorageOps.WithLabelValues("GET", "error").Inc()
		return nil, err
	}
	metrics.StorageOps.WithLabelValues("GET", "success").Inc()
	return object, nil
}

// Delete removes an object. Deleting a missing object is treated as success.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		metrics.StorageOps.WithLabelValues("DELETE", "error").Inc()
		return err
	}
	if !exists {
		metrics.StorageOps.WithLabelValues("DELETE", "skipped").Inc()
		return nil
	}
	if err := s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{}); err != nil {
		metrics.StorageOps.WithLabelValues("DELETE", "error").Inc()
		return err
	}
	metrics.StorageOps.WithLabelValues("DELETE", "success").Inc()
	return nil
}
