package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the archive uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadStream uploads r to a blob, overwriting if it already exists.
	UploadStream(ctx context.Context, containerName, blobName string, r io.Reader, contentType string) error
	// DownloadStream opens a blob's contents.
	DownloadStream(ctx context.Context, containerName, blobName string) (io.ReadCloser, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// ContainerExists checks that the container is reachable.
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureArchive stores source copies in an Azure Blob Storage container.
type AzureArchive struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// AccountURL is the Azure storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is the key prefix for all archived sources.
	Prefix string
	client AzureBlobAPI
}

// NewAzureArchive creates an AzureArchive and verifies the container is
// reachable.
func NewAzureArchive(ctx context.Context, container, accountURL, prefix string) (*AzureArchive, error) {
	client, err := newRealAzureClient(accountURL)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	a := NewAzureArchiveWithClient(container, accountURL, prefix, client)
	if err := a.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", container, err)
	}

	slog.Info("Azure archive initialized", "container", container, "account", accountURL, "prefix", prefix)
	return a, nil
}

// NewAzureArchiveWithClient creates an AzureArchive with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureArchiveWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureArchive {
	return &AzureArchive{Container: container, AccountURL: accountURL, Prefix: prefix, client: client}
}

func (a *AzureArchive) Name() string { return "azure" }

// Put streams a source copy to Azure Blob Storage.
func (a *AzureArchive) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := a.client.UploadStream(ctx, a.Container, a.Prefix+key, r, contentType); err != nil {
		return fmt.Errorf("uploading to Azure Blob: %w", err)
	}
	return nil
}

// Get opens an archived source copy.
func (a *AzureArchive) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := a.client.DownloadStream(ctx, a.Container, a.Prefix+key)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object from Azure Blob: %w", err)
	}
	return rc, nil
}

// Delete removes an archived copy. Idempotent: catches not-found silently.
func (a *AzureArchive) Delete(ctx context.Context, key string) error {
	if err := a.client.DeleteBlob(ctx, a.Container, a.Prefix+key); err != nil {
		if isAzureNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting object from Azure Blob: %w", err)
	}
	return nil
}

// HealthCheck verifies that the upstream Azure Blob container is accessible.
func (a *AzureArchive) HealthCheck(ctx context.Context) error {
	return a.client.ContainerExists(ctx, a.Container)
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
