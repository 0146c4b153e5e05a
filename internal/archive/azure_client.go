package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client authenticated with
// DefaultAzureCredential (env vars, managed identity, Azure CLI, etc.).
func newRealAzureClient(accountURL string) (*realAzureClient, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) UploadStream(ctx context.Context, containerName, blobName string, r io.Reader, contentType string) error {
	_, err := c.client.UploadStream(ctx, containerName, blobName, r, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	return err
}

func (c *realAzureClient) DownloadStream(ctx context.Context, containerName, blobName string) (io.ReadCloser, error) {
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (c *realAzureClient) ContainerExists(ctx context.Context, containerName string) error {
	_, err := c.client.ServiceClient().NewContainerClient(containerName).GetProperties(ctx, nil)
	return err
}
