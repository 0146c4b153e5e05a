package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSAPI defines the subset of the GCS client interface that the archive
// uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// BucketExists checks that the bucket is reachable.
	BucketExists(ctx context.Context, bucket string) error
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) BucketExists(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

// GCSArchive stores source copies in a Google Cloud Storage bucket.
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
type GCSArchive struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string
	// Prefix is the key prefix for all archived sources.
	Prefix string
	client GCSAPI
}

// NewGCSArchive creates a GCSArchive and verifies the bucket is reachable.
func NewGCSArchive(ctx context.Context, bucket, project, prefix string) (*GCSArchive, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	a := NewGCSArchiveWithClient(bucket, project, prefix, &realGCSClient{client: client})
	if err := a.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCS archive initialized", "bucket", bucket, "project", project, "prefix", prefix)
	return a, nil
}

// NewGCSArchiveWithClient creates a GCSArchive with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewGCSArchiveWithClient(bucket, project, prefix string, client GCSAPI) *GCSArchive {
	return &GCSArchive{Bucket: bucket, Project: project, Prefix: prefix, client: client}
}

func (a *GCSArchive) Name() string { return "gcp" }

// Put streams a source copy to GCS. The object only becomes visible when the
// writer is closed successfully.
func (a *GCSArchive) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	w := a.client.NewWriter(ctx, a.Bucket, a.Prefix+key, contentType)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return nil
}

// Get opens an archived source copy.
func (a *GCSArchive) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := a.client.NewReader(ctx, a.Bucket, a.Prefix+key)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object from GCS: %w", err)
	}
	return rc, nil
}

// Delete removes an archived copy. Idempotent: catches not-found silently.
func (a *GCSArchive) Delete(ctx context.Context, key string) error {
	if err := a.client.Delete(ctx, a.Bucket, a.Prefix+key); err != nil {
		if isGCSNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting object from GCS: %w", err)
	}
	return nil
}

// HealthCheck verifies that the upstream GCS bucket is accessible.
func (a *GCSArchive) HealthCheck(ctx context.Context) error {
	return a.client.BucketExists(ctx, a.Bucket)
}

// isGCSNotFound checks if a GCS error is a not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound
	}
	return false
}
