// Package tokenstore persists the single long-lived drive credential.
package tokenstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MaxMinsk/HaMapAddon/internal/models"
)

// Store is the credential slot used by the token broker and the device flow
type Store interface {
	RefreshToken() (string, error)
	SaveRefreshToken(token string) error
	Clear() error
}

// FileStore keeps the credential in one YAML file. Every read and write holds the same
// exclusive lock, and writes go through a temp file plus rename.
type FileStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewFileStore creates a store backed by path. The file is created lazily on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		now:  time.Now,
	}
}

// Path returns the backing file location
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the stored credential, or a zero value when nothing is stored
func (s *FileStore) Load() (models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// RefreshToken returns the stored refresh token or an empty string
func (s *FileStore) RefreshToken() (string, error) {
	cred, err := s.Load()
	if err != nil {
		return "", err
	}
	return cred.RefreshToken, nil
}

// SaveRefreshToken overwrites the stored refresh token
func (s *FileStore) SaveRefreshToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("refresh token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(models.Credential{
		RefreshToken: token,
		UpdatedAtUTC: s.now().UTC(),
	})
}

// Clear removes the stored credential
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}
	return nil
}

func (s *FileStore) load() (models.Credential, error) {
	var cred models.Credential

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cred, nil
		}
		return cred, fmt.Errorf("failed to read credential file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cred); err != nil {
		return models.Credential{}, fmt.Errorf("failed to parse credential file: %w", err)
	}
	cred.RefreshToken = strings.TrimSpace(cred.RefreshToken)
	return cred, nil
}

func (s *FileStore) write(cred models.Credential) error {
	data, err := yaml.Marshal(&cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credential-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to set credential permissions: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}
