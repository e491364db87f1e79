package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidUserID is returned when a user id cannot be used as a file name.
var ErrInvalidUserID = errors.New("invalid user id")

// FileStore keeps one JSON document per user in a directory.
type FileStore struct {
	dir string
}

// OpenFileStore creates dir if needed and returns a store rooted there.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating profile directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(userID string) (string, error) {
	if userID == "" || userID == "." || userID == ".." ||
		strings.ContainsAny(userID, `/\`) || strings.ContainsRune(userID, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return filepath.Join(f.dir, userID+".json"), nil
}

// GetProfile returns the stored document for userID, or ErrNotFound.
func (f *FileStore) GetProfile(userID string) (string, error) {
	p, err := f.path(userID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading profile: %w", err)
	}
	return string(data), nil
}

// PutProfile writes the whole document to a temp file and renames it over the
// previous record, so a failed write leaves the old record intact.
func (f *FileStore) PutProfile(userID, data string) error {
	p, err := f.path(userID)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, "."+userID+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing profile: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing profile: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("replacing profile: %w", err)
	}
	return nil
}
