package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const fileExt = ".kv"

// fileStore implements Store using one file per key under a base directory.
// Writes go through a temporary file and an atomic rename so a crash never
// leaves a half-written value behind.
type fileStore struct {
	basePath string
}

// NewFileStore creates a file-backed store rooted at basePath
func NewFileStore(basePath string) (Store, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &fileStore{basePath: basePath}, nil
}

// encodeKey hex-encodes the key so arbitrary key characters (slashes,
// colons) cannot escape the base directory.
func encodeKey(key string) string {
	return hex.EncodeToString([]byte(key)) + fileExt
}

func decodeKey(name string) (string, bool) {
	raw, ok := strings.CutSuffix(name, fileExt)
	if !ok {
		return "", false
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

func (f *fileStore) path(key string) string {
	return filepath.Join(f.basePath, encodeKey(key))
}

func (f *fileStore) Get(_ context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return string(data), true, nil
}

func (f *fileStore) Set(_ context.Context, key, value string) error {
	filePath := f.path(key)

	// Write to a temporary file first for an atomic replace
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(value), 0600); err != nil {
		return fmt.Errorf("failed to write temporary file for key %q: %w", key, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename file for key %q: %w", key, err)
	}

	return nil
}

func (f *fileStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

func (f *fileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := decodeKey(entry.Name())
		if !ok {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (*fileStore) Close() error {
	return nil
}
