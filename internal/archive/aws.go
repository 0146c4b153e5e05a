package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/zoomstore/zoomstore/internal/config"
)

// S3API defines the subset of the AWS S3 client interface that the archive
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Archive stores source copies in an Amazon S3 (or S3-compatible) bucket.
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.).
type S3Archive struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Region is the AWS region of the upstream bucket.
	Region string
	// Prefix is the key prefix for all archived sources.
	Prefix string
	client S3API
}

// NewS3Archive creates an S3Archive and verifies the bucket is reachable.
// A non-empty AWSEndpoint selects an S3-compatible service with path-style
// addressing; static keys in ac replace the default credential chain.
func NewS3Archive(ctx context.Context, ac config.ArchiveConfig) (*S3Archive, error) {
	bucket, region, prefix := ac.AWSBucket, ac.AWSRegion, ac.AWSPrefix

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if ac.AWSAccessKeyID != "" && ac.AWSSecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ac.AWSAccessKeyID, ac.AWSSecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if ac.AWSEndpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(ac.AWSEndpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(cfg, s3Opts...)

	a := NewS3ArchiveWithClient(bucket, region, prefix, client)
	if err := a.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", bucket, err)
	}

	slog.Info("S3 archive initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return a, nil
}

// NewS3ArchiveWithClient creates an S3Archive with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewS3ArchiveWithClient(bucket, region, prefix string, client S3API) *S3Archive {
	return &S3Archive{Bucket: bucket, Region: region, Prefix: prefix, client: client}
}

func (a *S3Archive) Name() string { return "aws" }

// Put uploads a source copy to S3.
func (a *S3Archive) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.Bucket),
		Key:           aws.String(a.Prefix + key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading to S3: %w", err)
	}
	return nil
}

// Get opens an archived source copy.
func (a *S3Archive) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(a.Prefix + key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	return resp.Body, nil
}

// Delete removes an archived copy. S3 DeleteObject does not error on
// missing keys.
func (a *S3Archive) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(a.Prefix + key),
	})
	if err != nil {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

// HealthCheck verifies that the upstream S3 bucket is accessible.
func (a *S3Archive) HealthCheck(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.Bucket),
	})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}
