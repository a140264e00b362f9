package export

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
)

// ObjectSink stores manifests in a MinIO/S3 bucket.
type ObjectSink struct {
	client *minio.Client
	bucket string
}

func NewObjectSink(client *minio.Client, bucket string) (*ObjectSink, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &ObjectSink{client: client, bucket: bucket}, nil
}

func (s *ObjectSink) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("object sink not initialized")
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, opts)
	return err
}
