// Package photos mirrors external venue photos into a blob store and hands
// the reconciler stable, content-addressed paths for deduplication.
package photos

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxPhotoBytes caps one downloaded photo.
const maxPhotoBytes = 20 << 20

// BlobStore persists photo bytes under a path and returns a backend URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Mirror implements directory.PhotoMirror on top of a BlobStore.
type Mirror struct {
	store  BlobStore
	client *http.Client
	logger *zap.Logger
}

// NewMirror constructs a photo mirror.
func NewMirror(store BlobStore, client *http.Client, logger *zap.Logger) *Mirror {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{store: store, client: client, logger: logger}
}

// Mirror downloads sourceURL and stores it under a content-addressed path.
// The same bytes always map to the same path, so re-crawling a photo is a
// no-op for the caller's dedup check.
func (m *Mirror) Mirror(ctx context.Context, cafeSlug, sourceURL string) (string, error) {
	body, contentType, err := m.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(body)
	path := fmt.Sprintf("photos/%s/%s%s", cafeSlug, hex.EncodeToString(sum[:16]), extensionFor(contentType))

	uri, err := m.store.PutObject(ctx, path, contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store photo: %w", err)
	}
	m.logger.Debug("photo mirrored",
		zap.String("source_url", sourceURL),
		zap.String("path", path),
		zap.String("uri", uri),
	)
	return path, nil
}

func (m *Mirror) download(ctx context.Context, sourceURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build photo request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download photo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("photo download returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read photo body: %w", err)
	}
	if len(body) == 0 {
		return nil, "", fmt.Errorf("photo body is empty")
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func extensionFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(contentType, "image/gif"):
		return ".gif"
	default:
		return ".jpg"
	}
}
