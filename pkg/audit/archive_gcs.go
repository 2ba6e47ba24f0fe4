//go:build gcp

package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSArchive stores evidence packs in Google Cloud Storage, keyed by
// content hash.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiveConfig holds configuration for GCSArchive.
type GCSArchiveConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSArchive creates a GCS-backed evidence archive. The client uses
// application default credentials.
func NewGCSArchive(ctx context.Context, cfg GCSArchiveConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Store uploads the pack unless an object with the same content hash
// already exists.
func (a *GCSArchive) Store(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	obj := a.client.Bucket(a.bucket).Object(a.key(hash))
	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("gcs attrs failed: %w", err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return hash, nil
}

// Retrieve downloads a pack by hash and re-verifies its content.
func (a *GCSArchive) Retrieve(ctx context.Context, hash string) ([]byte, error) {
	r, err := a.client.Bucket(a.bucket).Object(a.key(hash)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed: %w", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, hash) {
		return nil, fmt.Errorf("archive content hash mismatch: want %s, got %s", hash, got)
	}
	return data, nil
}

func (a *GCSArchive) key(hash string) string {
	return a.prefix + hash + ".zip"
}
