package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store is a content-addressed filesystem store for payload bundles.
// Bundles are keyed by their checksum under a per-event directory, so
// identical content always lands at the same path and a path never
// holds anything but the bytes its name promises.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// PathFor returns the canonical path for a bundle.
func (s *Store) PathFor(eventID, checksum string) string {
	return filepath.Join(s.root, eventID, checksum+".tar.gz")
}

// Put durably writes a bundle. The write goes to a temp file first and
// is renamed into place, so readers never observe a partial bundle.
func (s *Store) Put(eventID, checksum string, data []byte) (string, error) {
	dir := filepath.Join(s.root, eventID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create bundle directory: %w", err)
	}

	path := s.PathFor(eventID, checksum)
	tmp, err := os.CreateTemp(dir, ".bundle-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp bundle: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("failed to publish bundle: %w", err)
	}
	return path, nil
}

// Read returns a stored bundle's bytes.
func (s *Store) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Verify checks that the bundle at path exists and hashes to checksum.
func (s *Store) Verify(path, checksum string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("bundle unreadable: %w", err)
	}
	if got := Checksum(data); got != checksum {
		return fmt.Errorf("bundle checksum mismatch: want %s, got %s", checksum, got)
	}
	return nil
}

// Remove deletes one bundle.
func (s *Store) Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RemoveEvent deletes every bundle for an event.
func (s *Store) RemoveEvent(eventID string) error {
	return os.RemoveAll(filepath.Join(s.root, eventID))
}

// Checksum returns the hex sha256 digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
