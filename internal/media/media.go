// Package media stores proof media and hands back stable URLs.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ObjectStore persists media blobs under a key.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// FileObjectStore writes blobs to a two-level sharded directory tree.
type FileObjectStore struct {
	dir     string
	baseURL string
}

// NewFileObjectStore creates a store rooted at dir serving under baseURL.
func NewFileObjectStore(dir, baseURL string) *FileObjectStore {
	return &FileObjectStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Dir is the root directory, for serving the files.
func (s *FileObjectStore) Dir() string { return s.dir }

func (s *FileObjectStore) path(key string) (string, error) {
	if len(key) < 4 || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.dir, key[:2], key[2:4], key), nil
}

// Put stores data and returns its public URL.
func (s *FileObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	filePath, err := s.path(key)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write media to disk: %w", err)
	}

	return fmt.Sprintf("%s/%s/%s/%s", s.baseURL, key[:2], key[2:4], key), nil
}

// Get reads a stored blob.
func (s *FileObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	filePath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read media from disk: %w", err)
	}
	return data, nil
}

// Delete removes a stored blob. Deleting a missing key is not an error.
func (s *FileObjectStore) Delete(ctx context.Context, key string) error {
	filePath, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete media from disk: %w", err)
	}
	return nil
}

// ContentHash is the hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Extension picks a file extension for a media content type.
func Extension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/heic":
		return ".heic"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	default:
		return ""
	}
}
