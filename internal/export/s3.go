package export

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Uploader uploads a built archive to a single configured bucket.
type S3Uploader struct {
	bucket string
	client *s3.Client
}

// NewS3Uploader loads the default AWS config chain (env vars, shared
// config/credentials files, IMDS) and binds it to bucket. Returns nil,
// nil if bucket is empty — upload is disabled.
func NewS3Uploader(ctx context.Context, bucket string) (*S3Uploader, error) {
	if bucket == "" {
		return nil, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: load aws config: %w", err)
	}
	return &S3Uploader{bucket: bucket, client: s3.NewFromConfig(cfg)}, nil
}

// Upload puts body at key in the configured bucket.
func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("export: s3 put %s: %w", key, err)
	}
	return nil
}
