// Package storage publishes pipeline artifacts (enhanced WAV, transcript
// JSON, minutes JSON) to a local directory or an S3-compatible bucket.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// FileInfo describes a stored object.
type FileInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// Storage is the object storage contract.
type Storage interface {
	// Upload writes reader to path. Readers never observe a partial object.
	Upload(ctx context.Context, path string, reader io.Reader) error
	// Download opens path. The caller closes the reader.
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete removes path; a missing object is not an error.
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	// URL returns a location for path that can be recorded in documents.
	URL(ctx context.Context, path string) (string, error)
	// List returns objects whose path starts with prefix, sorted by path.
	List(ctx context.Context, prefix string) ([]FileInfo, error)
}

// PublishFile uploads the local file at src under key and returns its URL.
func PublishFile(ctx context.Context, s Storage, key, src string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("storage: open %s: %w", src, err)
	}
	defer f.Close() //nolint:errcheck // read-only

	if err := s.Upload(ctx, key, f); err != nil {
		return "", err
	}
	return s.URL(ctx, key)
}

// PutJSON encodes v with two-space indentation and uploads it under key.
func PutJSON(ctx context.Context, s Storage, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return s.Upload(ctx, key, bytes.NewReader(data))
}

// GetJSON downloads key and decodes it into v.
func GetJSON(ctx context.Context, s Storage, key string, v any) error {
	rc, err := s.Download(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck // read-only
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return nil
}
