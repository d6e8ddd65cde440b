// Package secrets persists App Store Connect API credentials on disk.
//
// Credentials are stored as a single owner-only JSON file. The store is
// deliberately simple; it replaces an OS keychain on hosts where one is
// not available to headless processes.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/signpool/macsigner/pkg/appstore"
)

// ErrNotFound is returned by Load when no credential has been saved.
var ErrNotFound = errors.New("secrets: no stored credential")

// Store reads and writes one credential file.
type Store struct {
	path string
}

// NewStore returns a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultPath places the credential file under the user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config directory: %w", err)
	}
	return filepath.Join(dir, "macsigner", "credentials.json"), nil
}

// Save validates the credential and writes it with owner-only permissions.
func (s *Store) Save(cred appstore.Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

// Load reads the stored credential. ErrNotFound when none exists.
func (s *Store) Load() (*appstore.Credential, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cred appstore.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("parse credential file: %w", err)
	}
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return &cred, nil
}

// Delete removes the stored credential. Deleting an absent credential is
// not an error.
func (s *Store) Delete() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
