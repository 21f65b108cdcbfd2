package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is the file backend the engine writes attachments through.
// References are backend-opaque strings; the local backend uses relative
// paths.
type Store interface {
	Store(path string, data []byte) (string, error)
	URL(ref string) (string, error)
	Delete(ref string) error
}

// Hash returns the hex sha256 of file content.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Local stores files under a root directory on the local disk.
type Local struct {
	Root string
}

func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Local{Root: root}, nil
}

func (l *Local) Store(path string, data []byte) (string, error) {
	ref := filepath.ToSlash(filepath.Clean(path))
	if ref == "." || strings.HasPrefix(ref, "..") || filepath.IsAbs(path) {
		return "", fmt.Errorf("invalid storage path %q", path)
	}
	full := filepath.Join(l.Root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", err
	}
	return ref, nil
}

func (l *Local) URL(ref string) (string, error) {
	full := filepath.Join(l.Root, filepath.FromSlash(ref))
	if _, err := os.Stat(full); err != nil {
		return "", err
	}
	return "file://" + full, nil
}

func (l *Local) Delete(ref string) error {
	full := filepath.Join(l.Root, filepath.FromSlash(ref))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
