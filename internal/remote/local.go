package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore is a filesystem-backed, content-addressed Store: put writes
// dir/<sha256(blob)> and returns a file:// URL for it, get reads it back.
// It stands in for a real remote permanent-storage service and is what
// the package's tests and local-only CLI runs use by default.
type LocalStore struct {
	dir string
}

// NewLocalStore returns a LocalStore rooted at dir, creating it if
// necessary.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("remote: create store dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Put writes blob under its content address and returns a file:// URL.
// tags are accepted for interface conformance but not persisted; a local
// filesystem store has no metadata side-channel worth using here.
func (s *LocalStore) Put(_ context.Context, blob []byte, _ map[string]string) (string, error) {
	sum := sha256.Sum256(blob)
	name := hex.EncodeToString(sum[:])
	path := filepath.Join(s.dir, name)

	if _, err := os.Stat(path); err == nil {
		return "file://" + path, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".blob-*.tmp")
	if err != nil {
		return "", fmt.Errorf("remote: create temp blob: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("remote: write temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("remote: close temp blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("remote: rename blob into place: %w", err)
	}
	return "file://" + path, nil
}

// Get reads back a blob previously stored by Put.
func (s *LocalStore) Get(_ context.Context, url string) ([]byte, error) {
	path := strings.TrimPrefix(url, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("remote: read blob: %w", err)
	}
	return data, nil
}
