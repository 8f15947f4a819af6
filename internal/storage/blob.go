// Package storage gives recorded and imported audio durable URLs and
// fetches audio back from those URLs.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore persists audio blobs and returns a URL the Fetcher can resolve
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// FileBlobStore writes blobs under a directory and returns file:// URLs
type FileBlobStore struct {
	dir string
}

// NewFileBlobStore creates the directory if needed
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileBlobStore{dir: abs}, nil
}

func (s *FileBlobStore) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	clean, err := cleanObjectName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob %s: %w", clean, err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

// cleanObjectName rejects names that would escape the store root
func cleanObjectName(name string) (string, error) {
	clean := strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+name)), "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid blob name: %q", name)
	}
	return clean, nil
}
