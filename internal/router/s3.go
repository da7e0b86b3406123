package router

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"odoo-ops-relay/internal/config"
)

// S3Archive writes envelopes to S3-compatible storage.
type S3Archive struct {
	client *s3.Client
}

// NewS3Archive loads AWS credentials from the default chain.
func NewS3Archive(ctx context.Context, cfg config.Config) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	})
	return &S3Archive{client: client}, nil
}

// PutObject stores body under bucket/key.
func (a *S3Archive) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// NeedsArchive reports whether any route targets S3.
func NeedsArchive(routes []Route) bool {
	for _, rt := range routes {
		if _, _, ok := parseS3(rt.Destination); ok {
			return true
		}
	}
	return false
}
