package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore provides access to attachment object storage.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Remove(ctx context.Context, keys []string) error
	PublicURL(key string) string
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// MinioStore implements ObjectStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
// publicBaseURL overrides the endpoint-derived base for public object URLs.
func NewMinioStore(endpoint, accessKey, secretKey, bucket, publicBaseURL string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	if publicBaseURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicBaseURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}
	return &MinioStore{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// Put uploads an object.
func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// List returns the keys stored under a prefix.
func (m *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Remove deletes the given objects.
func (m *MinioStore) Remove(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove object %q: %w", key, err)
		}
	}
	return nil
}

// PublicURL builds the public URL an attachment is referenced by.
func (m *MinioStore) PublicURL(key string) string {
	return m.publicBaseURL + "/" + m.bucket + "/" + key
}

// PresignGet generates a pre-signed GET URL.
func (m *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url.String(), nil
}
