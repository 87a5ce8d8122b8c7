package client

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cloudsentry/api/internal/config"
)

// S3Archive uploads archived inspection results to an S3 bucket
type S3Archive struct {
	s3Client   *s3.Client
	bucketName string
}

// NewS3Archive creates an archive client using the default AWS credential chain
func NewS3Archive(cfg *config.ArchiveConfig) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket not configured")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Archive{
		s3Client:   s3.NewFromConfig(awsCfg),
		bucketName: cfg.Bucket,
	}, nil
}

// Upload writes body to key in the archive bucket
func (c *S3Archive) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}

	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to s3://%s/%s: %w", c.bucketName, key, err)
	}
	return nil
}
