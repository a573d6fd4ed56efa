package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilesystemArchive stores transition reports under a local root
// directory.
type FilesystemArchive struct {
	root string
}

// NewFilesystemArchive creates an archive rooted at root.
func NewFilesystemArchive(root string) *FilesystemArchive {
	return &FilesystemArchive{root: root}
}

// SaveReport writes the report to <root>/<id>.json with owner-only
// permissions and returns the path.
func (f *FilesystemArchive) SaveReport(ctx context.Context, id string, report []byte) (string, error) {
	path := filepath.Join(f.root, id+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := os.WriteFile(path, report, 0600); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}
