package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// AzureArchive stores transition reports in an Azure blob container.
type AzureArchive struct {
	client    *azblob.Client
	container string
}

// AzureArchiveConfig holds configuration for the Azure backend.
type AzureArchiveConfig struct {
	// ConnectionString is the full Azure connection string (alternative to
	// AccountName+AccountKey).
	ConnectionString string
	// AccountName is the storage account name.
	AccountName string
	// AccountKey is the storage account access key.
	AccountKey string
	// Container is the blob container name (required).
	Container string
}

// NewAzureArchive creates an Azure blob archive. It supports both
// connection string and account+key authentication.
func NewAzureArchive(cfg *AzureArchiveConfig) (*AzureArchive, error) {
	if cfg == nil {
		return nil, fmt.Errorf("azure archive configuration is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("container name is required")
	}

	var (
		client *azblob.Client
		err    error
	)

	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create azure client from connection string: %w", err)
		}
	case cfg.AccountName != "" && cfg.AccountKey != "":
		credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", err)
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create azure client with shared key: %w", err)
		}
	default:
		return nil, fmt.Errorf("either connection string or (account name + key) must be provided")
	}

	return &AzureArchive{client: client, container: cfg.Container}, nil
}

// SaveReport uploads the report as <id>.json and returns the blob URL.
func (a *AzureArchive) SaveReport(ctx context.Context, id string, report []byte) (string, error) {
	blobPath := id + ".json"

	blobClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlockBlobClient(blobPath)

	contentType := "application/json"
	_, err := blobClient.UploadBuffer(ctx, report, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report %s: %w", blobPath, err)
	}

	return strings.TrimSuffix(blobClient.URL(), "?"), nil
}
