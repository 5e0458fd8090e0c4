// Package secret stores the single durable API credential on disk.
package secret

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store reads and writes one secret value with delete semantics.
type Store struct {
	path string
}

// NewStore creates a store rooted at dir (typically the relay data dir).
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, "credential")}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get returns the stored secret, or "" when none is stored.
func (s *Store) Get() (string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Set stores the secret, creating the parent directory as needed. The
// file is owner-readable only.
func (s *Store) Set(value string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(value+"\n"), 0600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

// Delete removes the stored secret. Deleting an absent secret is not an
// error.
func (s *Store) Delete() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
