package lockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vaultkit/vaultkit/pkg/errclass"
	"github.com/vaultkit/vaultkit/pkg/fsutil"
	"github.com/vaultkit/vaultkit/pkg/model"
	"github.com/vaultkit/vaultkit/pkg/pathutil"
)

// ConflictMarker identifies conflict backups, in the spirit of sync
// clients' "conflicted copy" files.
const ConflictMarker = "conflict"

const (
	backupPrefix     = "lock." + ConflictMarker + "-"
	backupExt        = ".json"
	backupTimeLayout = "2006-01-02_15-04-05"
	maxBackupSuffix  = 100
)

// Backup describes a conflict backup on disk.
type Backup struct {
	Path     string    `json:"path"`
	Hostname string    `json:"hostname"`
	TakenAt  time.Time `json:"taken_at"`
}

// BackupName returns the file name for a backup of prior's record taken at now,
// e.g. lock.conflict-2026-10-15_14-03-22-laptop.json.
func BackupName(prior *model.LockRecord, now time.Time) string {
	host := ""
	if prior != nil {
		host = prior.Hostname
	}
	return backupPrefix + now.UTC().Format(backupTimeLayout) + "-" + pathutil.SanitizeComponent(host) + backupExt
}

// Backup copies the on-disk lock record to a conflict backup before it is
// overwritten. When the file vanished in the meantime the in-memory prior
// record is written instead. It returns the backup path.
func (s *Store) Backup(prior *model.LockRecord, now time.Time) (string, error) {
	if err := os.MkdirAll(s.metaDir, 0755); err != nil {
		return "", errclass.ErrLockIO.WithMessage("create lock dir").Wrap(err)
	}

	base := BackupName(prior, now)
	for i := 1; i <= maxBackupSuffix; i++ {
		name := base
		if i > 1 {
			name = strings.TrimSuffix(base, backupExt) + fmt.Sprintf("-%d", i) + backupExt
		}
		dst := filepath.Join(s.metaDir, name)

		err := fsutil.CopyFile(s.LockPath(), dst, 0644)
		if err == nil {
			return dst, nil
		}
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if errors.Is(err, os.ErrNotExist) && prior != nil {
			if _, statErr := os.Stat(dst); statErr == nil {
				continue
			}
			return dst, writeRecord(dst, prior)
		}
		return "", errclass.ErrLockIO.WithMessage("backup lock").Wrap(err)
	}
	return "", errclass.ErrLockIO.WithMessagef("backup lock: too many backups named %s", base)
}

func writeRecord(path string, rec *model.LockRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backup: %w", err)
	}
	if err := fsutil.AtomicWrite(path, data, 0644); err != nil {
		return errclass.ErrLockIO.WithMessage("backup lock").Wrap(err)
	}
	return nil
}

// ListBackups returns the conflict backups in the metadata directory,
// oldest first.
func (s *Store) ListBackups() ([]Backup, error) {
	matches, err := filepath.Glob(filepath.Join(s.metaDir, backupPrefix+"*"+backupExt))
	if err != nil {
		return nil, err
	}
	backups := make([]Backup, 0, len(matches))
	for _, m := range matches {
		b := Backup{Path: m}
		b.TakenAt, b.Hostname = parseBackupName(filepath.Base(m))
		backups = append(backups, b)
	}
	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].TakenAt.Equal(backups[j].TakenAt) {
			return backups[i].TakenAt.Before(backups[j].TakenAt)
		}
		return backups[i].Path < backups[j].Path
	})
	return backups, nil
}

// PruneBackups removes all but the newest keep backups.
func (s *Store) PruneBackups(keep int) (int, error) {
	backups, err := s.ListBackups()
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	removed := 0
	for i := 0; i < len(backups)-keep; i++ {
		if err := os.Remove(backups[i].Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, errclass.ErrLockIO.WithMessage("prune backup").Wrap(err)
		}
		removed++
	}
	return removed, nil
}

func parseBackupName(name string) (time.Time, string) {
	rest := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupExt)
	if len(rest) < len(backupTimeLayout)+1 {
		return time.Time{}, ""
	}
	ts, err := time.Parse(backupTimeLayout, rest[:len(backupTimeLayout)])
	if err != nil {
		return time.Time{}, ""
	}
	return ts, rest[len(backupTimeLayout)+1:]
}
