// Package lockstore persists the single vault lock record.
package lockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vaultkit/vaultkit/pkg/config"
	"github.com/vaultkit/vaultkit/pkg/errclass"
	"github.com/vaultkit/vaultkit/pkg/fsutil"
	"github.com/vaultkit/vaultkit/pkg/model"
)

// LockFileName is the lock record inside the metadata directory.
const LockFileName = "lock.json"

// Store reads and writes the lock record of one vault.
type Store struct {
	vaultRoot string
	metaDir   string
}

// New creates a store for the vault at vaultRoot.
func New(vaultRoot string) *Store {
	return &Store{
		vaultRoot: vaultRoot,
		metaDir:   filepath.Join(vaultRoot, config.MetaDirName),
	}
}

// VaultRoot returns the vault this store belongs to.
func (s *Store) VaultRoot() string {
	return s.vaultRoot
}

// MetaDir returns the metadata directory holding the lock record.
func (s *Store) MetaDir() string {
	return s.metaDir
}

// LockPath returns the well-known lock record path.
func (s *Store) LockPath() string {
	return filepath.Join(s.metaDir, LockFileName)
}

// Read loads the lock record. It returns errclass.ErrLockNotFound when no
// record exists, errclass.ErrLockCorrupt when the file cannot be trusted
// (malformed, truncated by a sync race, or failing validation) and
// errclass.ErrLockIO for anything else.
func (s *Store) Read() (*model.LockRecord, error) {
	data, err := os.ReadFile(s.LockPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errclass.ErrLockNotFound.WithMessage(s.LockPath())
		}
		return nil, errclass.ErrLockIO.WithMessage("read lock").Wrap(err)
	}
	return decode(data)
}

func decode(data []byte) (*model.LockRecord, error) {
	var rec model.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errclass.ErrLockCorrupt.WithMessage("parse lock").Wrap(err)
	}
	if err := rec.Validate(); err != nil {
		return nil, errclass.ErrLockCorrupt.WithMessage("invalid lock").Wrap(err)
	}
	return &rec, nil
}

// WriteAtomic persists rec via temp file, fsync and rename so readers
// never observe a half-written record.
func (s *Store) WriteAtomic(rec *model.LockRecord) error {
	if err := os.MkdirAll(s.metaDir, 0755); err != nil {
		return errclass.ErrLockIO.WithMessage("create lock dir").Wrap(err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := fsutil.AtomicWrite(s.LockPath(), data, 0644); err != nil {
		return errclass.ErrLockIO.WithMessage("write lock").Wrap(err)
	}
	return nil
}

// Remove deletes the lock record. Removing an absent record is not an error.
func (s *Store) Remove() error {
	if err := os.Remove(s.LockPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errclass.ErrLockIO.WithMessage("remove lock").Wrap(err)
	}
	return nil
}

// SweepTemp removes orphaned temp files left by failed atomic writes.
func (s *Store) SweepTemp(olderThan time.Duration, now time.Time) (int, error) {
	n, err := fsutil.SweepTemp(s.metaDir, olderThan, now)
	if err != nil {
		return n, errclass.ErrLockIO.WithMessage("sweep temp files").Wrap(err)
	}
	return n, nil
}

// TempFiles lists temp files currently present in the metadata directory.
func (s *Store) TempFiles() ([]string, error) {
	return fsutil.ListTemp(s.metaDir)
}
