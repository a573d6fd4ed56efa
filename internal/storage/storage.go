// Package storage archives failover transition reports to local or cloud
// storage so they can be collected fleet-wide.
package storage

import (
	"context"
	"fmt"
)

// Archive persists transition reports. Implementations must be safe for a
// single sequential caller; the controller is the only writer.
type Archive interface {
	// SaveReport stores a JSON report under id and returns its location
	// (a filesystem path or a blob URL).
	SaveReport(ctx context.Context, id string, report []byte) (string, error)
}

// ArchiveConfig is the configuration slice NewArchive needs. The concrete
// config package implements it; tests use a literal.
type ArchiveConfig interface {
	// IsAzureArchiveEnabled selects the Azure backend.
	IsAzureArchiveEnabled() bool
	// GetReportRoot returns the filesystem archive root.
	GetReportRoot() string
	// GetAzureConnectionString and friends configure the Azure backend.
	GetAzureConnectionString() string
	GetAzureAccount() string
	GetAzureKey() string
	GetAzureContainer() string
}

// NewArchive selects an archive backend from configuration.
func NewArchive(cfg ArchiveConfig) (Archive, error) {
	if cfg == nil {
		return nil, fmt.Errorf("archive configuration is required")
	}

	if cfg.IsAzureArchiveEnabled() {
		azure, err := NewAzureArchive(&AzureArchiveConfig{
			ConnectionString: cfg.GetAzureConnectionString(),
			AccountName:      cfg.GetAzureAccount(),
			AccountKey:       cfg.GetAzureKey(),
			Container:        cfg.GetAzureContainer(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize azure archive: %w", err)
		}
		return azure, nil
	}

	return NewFilesystemArchive(cfg.GetReportRoot()), nil
}
