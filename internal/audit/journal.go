// Package audit keeps a hash-chained history of lock events per machine.
//
// Each machine appends only to its own file under .vaultkit/audit/, so the
// sync client never has to merge concurrent writes to one journal. Any
// machine can read every journal to reconstruct who held the vault when.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/vaultkit/vaultkit/pkg/jsonutil"
	"github.com/vaultkit/vaultkit/pkg/pathutil"
)

// DirName is the journal directory inside the vault metadata directory.
const DirName = "audit"

const journalExt = ".jsonl"

// EventType identifies a lock event.
type EventType string

const (
	EventAcquired  EventType = "acquired"
	EventDenied    EventType = "denied"
	EventTakeover  EventType = "takeover"
	EventTakenOver EventType = "taken_over"
	EventReleased  EventType = "released"
)

// Record is one journal line.
type Record struct {
	Timestamp  time.Time      `json:"timestamp"`
	Event      EventType      `json:"event"`
	MachineID  string         `json:"machine_id"`
	Hostname   string         `json:"hostname"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	RecordHash string         `json:"record_hash"`
}

// Journal appends lock events for one machine in one vault.
type Journal struct {
	path      string
	lockDir   string
	machineID string
	hostname  string
	now       func() time.Time
	mu        sync.Mutex
}

// Dir returns the journal directory for a vault metadata directory.
func Dir(metaDir string) string {
	return filepath.Join(metaDir, DirName)
}

// NewJournal creates the journal of machineID inside metaDir. Appends are
// serialized across processes with a lock file in lockDir, which must not
// be inside the synced vault.
func NewJournal(metaDir, lockDir, machineID, hostname string) *Journal {
	return &Journal{
		path:      filepath.Join(Dir(metaDir), pathutil.SanitizeComponent(machineID)+journalExt),
		lockDir:   lockDir,
		machineID: machineID,
		hostname:  hostname,
		now:       time.Now,
	}
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) lockPath() string {
	sum := sha256.Sum256([]byte(j.path))
	return filepath.Join(j.lockDir, fmt.Sprintf("vaultkit-audit.%x.lock", sum[:12]))
}

// Append adds an event to the journal, chained to the previous record.
func (j *Journal) Append(event EventType, details map[string]any) (*Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	fl := flock.New(j.lockPath())
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock audit journal: %w", err)
	}
	defer fl.Unlock()

	records, err := ReadJournal(j.path)
	if err != nil {
		return nil, err
	}
	prev := ""
	if len(records) > 0 {
		prev = records[len(records)-1].RecordHash
	}

	rec := &Record{
		Timestamp: j.now().UTC(),
		Event:     event,
		MachineID: j.machineID,
		Hostname:  j.hostname,
		Details:   details,
		PrevHash:  prev,
	}
	if rec.RecordHash, err = computeRecordHash(rec); err != nil {
		return nil, err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal audit record: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write audit record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync audit journal: %w", err)
	}
	return rec, nil
}

// ReadJournal loads every well-formed record of a journal file. A missing
// file is an empty journal. Malformed lines, e.g. a tail cut short by a
// sync race, are skipped; Verify reports the gap they leave.
func ReadJournal(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit journal: %w", err)
	}
	return records, nil
}

// Verify checks the hash chain of one journal's records.
func Verify(records []Record) error {
	prev := ""
	for i := range records {
		r := &records[i]
		if r.PrevHash != prev {
			return fmt.Errorf("audit record %d: chain broken (prev_hash %.12s, want %.12s)", i+1, r.PrevHash, prev)
		}
		want, err := computeRecordHash(r)
		if err != nil {
			return err
		}
		if r.RecordHash != want {
			return fmt.Errorf("audit record %d: hash mismatch", i+1)
		}
		prev = r.RecordHash
	}
	return nil
}

// Journals lists the journal files of every machine in metaDir.
func Journals(metaDir string) ([]string, error) {
	entries, err := os.ReadDir(Dir(metaDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), journalExt) {
			continue
		}
		paths = append(paths, filepath.Join(Dir(metaDir), e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// History merges the journals of all machines, oldest event first.
func History(metaDir string) ([]Record, error) {
	paths, err := Journals(metaDir)
	if err != nil {
		return nil, err
	}
	var all []Record
	for _, p := range paths {
		records, err := ReadJournal(p)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	sort.SliceStable(all, func(i, k int) bool {
		return all[i].Timestamp.Before(all[k].Timestamp)
	})
	return all, nil
}

func computeRecordHash(r *Record) (string, error) {
	unhashed := *r
	unhashed.RecordHash = ""
	data, err := jsonutil.CanonicalMarshal(unhashed)
	if err != nil {
		return "", fmt.Errorf("canonical marshal: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
