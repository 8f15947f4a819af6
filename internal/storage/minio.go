package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioOptions configures the S3 compatible blob store
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// Prefix is prepended to every object name
	Prefix string
}

// MinioBlobStore keeps blobs in an S3 bucket and returns s3://bucket/key URLs
type MinioBlobStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioBlobStore connects and creates the bucket when missing
func NewMinioBlobStore(ctx context.Context, opts MinioOptions) (*MinioBlobStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(checkCtx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", opts.Bucket, err)
		}
		slog.Info("Created bucket", "bucket", opts.Bucket)
	}
	return &MinioBlobStore{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

// Client returns the underlying client for fetching s3:// URLs
func (s *MinioBlobStore) Client() *minio.Client {
	return s.client
}

func (s *MinioBlobStore) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	clean, err := cleanObjectName(s.prefix + name)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, s.bucket, clean, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", clean, err)
	}
	slog.Debug("Uploaded blob", "bucket", s.bucket, "object", clean, "bytes", len(data))
	return fmt.Sprintf("s3://%s/%s", s.bucket, clean), nil
}

// minioGetter reads objects for the Fetcher
type minioGetter struct {
	client *minio.Client
}

func (g minioGetter) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := g.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}
