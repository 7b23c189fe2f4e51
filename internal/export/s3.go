// Package export writes leaderboard snapshots to S3-compatible object storage.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/moments-app/backend/internal/config"
	"github.com/moments-app/backend/internal/models"
)

// ObjectPutter is the subset of *s3.Client the exporter needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Exporter struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Exporter builds an exporter from cfg. A non-empty Endpoint targets an
// S3-compatible service such as R2 or MinIO with path-style addressing.
func NewS3Exporter(ctx context.Context, cfg config.S3) (*S3Exporter, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewExporter(client, cfg.Bucket, "leaderboards"), nil
}

func NewExporter(client ObjectPutter, bucket, prefix string) *S3Exporter {
	return &S3Exporter{client: client, bucket: bucket, prefix: prefix}
}

// Keys returns the object keys a snapshot is written to: a stable "latest"
// key and an immutable timestamped one.
func (e *S3Exporter) Keys(lb *models.Leaderboard) (latest, archived string) {
	dir := path.Join(e.prefix, string(lb.Metric), string(lb.Period))
	stamp := lb.GeneratedAt.UTC().Format("20060102T150405Z")
	return path.Join(dir, "latest.json"), path.Join(dir, stamp+".json")
}

func (e *S3Exporter) ExportLeaderboard(ctx context.Context, lb *models.Leaderboard) error {
	body, err := json.Marshal(lb)
	if err != nil {
		return fmt.Errorf("encode leaderboard: %w", err)
	}

	latest, archived := e.Keys(lb)
	for _, key := range []string{archived, latest} {
		_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(e.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
	}
	return nil
}
