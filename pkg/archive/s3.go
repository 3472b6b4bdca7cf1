package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nimburion/redrive/pkg/observability/logger"
)

// S3Config configures the S3 snapshot sink.
type S3Config struct {
	Bucket           string
	Prefix           string
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	UsePathStyle     bool
	OperationTimeout time.Duration
}

type s3API interface {
	HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

// S3Sink writes snapshots as JSON objects to a bucket.
type S3Sink struct {
	client s3API
	logger logger.Logger
	config S3Config
}

// NewS3Sink loads AWS configuration and verifies the bucket is reachable.
func NewS3Sink(ctx context.Context, cfg S3Config, log logger.Logger) (*S3Sink, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("aws region is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	sink := &S3Sink{client: client, logger: log, config: cfg}
	if err := sink.HealthCheck(ctx); err != nil {
		return nil, err
	}

	log.Info("S3 archive initialized", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "region", cfg.Region)
	return sink, nil
}

// Write uploads the snapshot and returns its s3:// location.
func (s *S3Sink) Write(ctx context.Context, snapshot Snapshot) (string, error) {
	payload, err := snapshot.Encode()
	if err != nil {
		return "", err
	}
	key := s.key(snapshot)

	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	_, err = s.client.PutObject(opCtx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"queue": snapshot.Queue,
			"count": fmt.Sprintf("%d", snapshot.Count),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot %q: %w", key, err)
	}

	location := "s3://" + s.config.Bucket + "/" + key
	s.logger.Info("snapshot archived", "location", location, "messages", snapshot.Count)
	return location, nil
}

// HealthCheck verifies that the configured bucket is accessible.
func (s *S3Sink) HealthCheck(ctx context.Context) error {
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()
	if _, err := s.client.HeadBucket(opCtx, &awss3.HeadBucketInput{Bucket: aws.String(s.config.Bucket)}); err != nil {
		return fmt.Errorf("s3 bucket %s is not accessible: %w", s.config.Bucket, err)
	}
	return nil
}

func (s *S3Sink) key(snapshot Snapshot) string {
	prefix := strings.Trim(strings.TrimSpace(s.config.Prefix), "/")
	if prefix == "" {
		return ObjectName(snapshot)
	}
	return prefix + "/" + ObjectName(snapshot)
}

func (s *S3Sink) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}
