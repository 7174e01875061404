// Package doctor inspects a vault's lock metadata for leftovers of crashed
// or raced sessions and optionally cleans them up.
package doctor

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vaultkit/vaultkit/internal/audit"
	"github.com/vaultkit/vaultkit/internal/lockstore"
	"github.com/vaultkit/vaultkit/pkg/config"
	"github.com/vaultkit/vaultkit/pkg/errclass"
	"github.com/vaultkit/vaultkit/pkg/fsutil"
	"github.com/vaultkit/vaultkit/pkg/logging"
	"github.com/vaultkit/vaultkit/pkg/model"
	"github.com/vaultkit/vaultkit/pkg/pathutil"
)

// DefaultKeepBackups is how many conflict backups Repair leaves in place.
const DefaultKeepBackups = 10

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Vault     string             `json:"vault"`
	Healthy   bool               `json:"healthy"`
	LockState model.LockState    `json:"lock_state"`
	Lock      *model.LockRecord  `json:"lock,omitempty"`
	Findings  []Finding          `json:"findings"`
	Backups   []lockstore.Backup `json:"backups,omitempty"`
	Repaired  []string           `json:"repaired,omitempty"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityError || f.Severity == SeverityCritical {
		r.Healthy = false
	}
}

// Doctor performs vault lock health checks.
type Doctor struct {
	store       *lockstore.Store
	now         func() time.Time
	keepBackups int
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *Doctor) { d.now = now }
}

// WithKeepBackups sets how many conflict backups Repair keeps.
func WithKeepBackups(n int) Option {
	return func(d *Doctor) { d.keepBackups = n }
}

// NewDoctor creates a doctor for the vault at vaultPath.
func NewDoctor(vaultPath string, opts ...Option) (*Doctor, error) {
	root, err := pathutil.ResolveVaultRoot(vaultPath)
	if err != nil {
		return nil, err
	}
	d := &Doctor{
		store:       lockstore.New(root),
		now:         time.Now,
		keepBackups: DefaultKeepBackups,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Check runs all diagnostic checks without changing anything.
func (d *Doctor) Check() (*Result, error) {
	result := &Result{Vault: d.store.VaultRoot(), Healthy: true}
	policy := d.checkConfig(result)
	d.checkLock(result, policy)
	d.checkOrphanTemp(result, policy)
	d.checkBackups(result)
	d.checkJournals(result)
	return result, nil
}

// Repair removes what Check flags as safe to remove: a corrupt lock record,
// orphaned temp files past the policy's age and conflict backups beyond the
// keep count. A live or stale lock held by any machine is never touched.
func (d *Doctor) Repair() (*Result, error) {
	result, err := d.Check()
	if err != nil {
		return nil, err
	}
	log := logging.WithFields(map[string]any{"vault": d.store.VaultRoot()})
	policy := d.policy()

	if result.LockState == model.LockStateCorrupt {
		if err := d.store.Remove(); err != nil {
			return result, err
		}
		result.Repaired = append(result.Repaired, "removed corrupt lock record")
		log.Info("removed corrupt lock record")
	}

	n, err := d.store.SweepTemp(policy.TempMaxAge, d.now())
	if err != nil {
		return result, err
	}
	if n > 0 {
		result.Repaired = append(result.Repaired, fmt.Sprintf("removed %d orphan temp file(s)", n))
		log.Info("swept orphan temp files", map[string]any{"count": n})
	}

	pruned, err := d.store.PruneBackups(d.keepBackups)
	if err != nil {
		return result, err
	}
	if pruned > 0 {
		result.Repaired = append(result.Repaired, fmt.Sprintf("pruned %d conflict backup(s)", pruned))
		log.Info("pruned conflict backups", map[string]any{"count": pruned, "kept": d.keepBackups})
	}
	return result, nil
}

func (d *Doctor) policy() model.LockPolicy {
	cfg, err := config.Load(d.store.VaultRoot())
	if err != nil {
		return model.DefaultLockPolicy()
	}
	p, err := cfg.Policy()
	if err != nil {
		return model.DefaultLockPolicy()
	}
	return p
}

func (d *Doctor) checkConfig(result *Result) model.LockPolicy {
	cfg, err := config.Load(d.store.VaultRoot())
	if err == nil {
		var p model.LockPolicy
		if p, err = cfg.Policy(); err == nil {
			return p
		}
	}
	result.add(Finding{
		Category:    "config",
		Description: fmt.Sprintf("vault config unusable, defaults apply: %v", err),
		Severity:    SeverityError,
		Path:        config.Path(d.store.VaultRoot()),
	})
	return model.DefaultLockPolicy()
}

func (d *Doctor) checkLock(result *Result, policy model.LockPolicy) {
	rec, err := d.store.Read()
	switch {
	case err == nil:
		result.Lock = rec
		if rec.IsStale(d.now(), policy.StaleThreshold) {
			result.LockState = model.LockStateStale
			result.add(Finding{
				Category: "lock",
				Description: fmt.Sprintf("stale lock held by %s, last heartbeat %s",
					rec.Hostname, humanize.RelTime(rec.Heartbeat, d.now(), "ago", "from now")),
				Severity: SeverityWarning,
				Path:     d.store.LockPath(),
			})
			return
		}
		result.LockState = model.LockStateLocked
	case errors.Is(err, errclass.ErrLockNotFound):
		result.LockState = model.LockStateFree
	case errors.Is(err, errclass.ErrLockCorrupt):
		result.LockState = model.LockStateCorrupt
		result.add(Finding{
			Category:    "lock",
			Description: fmt.Sprintf("corrupt lock record: %v", err),
			Severity:    SeverityWarning,
			Path:        d.store.LockPath(),
		})
	default:
		result.add(Finding{
			Category:    "lock",
			Description: fmt.Sprintf("cannot read lock record: %v", err),
			Severity:    SeverityCritical,
			Path:        d.store.LockPath(),
		})
	}
}

func (d *Doctor) checkOrphanTemp(result *Result, policy model.LockPolicy) {
	paths, err := d.store.TempFiles()
	if err != nil {
		result.add(Finding{
			Category:    "tmp",
			Description: fmt.Sprintf("cannot list temp files: %v", err),
			Severity:    SeverityError,
		})
		return
	}
	now := d.now()
	for _, p := range paths {
		old, err := fsutil.OlderThan(p, policy.TempMaxAge, now)
		if err != nil || !old {
			continue
		}
		result.add(Finding{
			Category:    "tmp",
			Description: "orphan temp file from an interrupted write",
			Severity:    SeverityInfo,
			Path:        p,
		})
	}
}

func (d *Doctor) checkBackups(result *Result) {
	backups, err := d.store.ListBackups()
	if err != nil {
		result.add(Finding{
			Category:    "backup",
			Description: fmt.Sprintf("cannot list conflict backups: %v", err),
			Severity:    SeverityError,
		})
		return
	}
	result.Backups = backups
	if len(backups) > d.keepBackups {
		result.add(Finding{
			Category:    "backup",
			Description: fmt.Sprintf("%d conflict backups, more than the %d kept by repair", len(backups), d.keepBackups),
			Severity:    SeverityInfo,
			Path:        d.store.MetaDir(),
		})
	}
}

func (d *Doctor) checkJournals(result *Result) {
	paths, err := audit.Journals(d.store.MetaDir())
	if err != nil {
		result.add(Finding{
			Category:    "audit",
			Description: fmt.Sprintf("cannot list audit journals: %v", err),
			Severity:    SeverityError,
		})
		return
	}
	for _, p := range paths {
		records, err := audit.ReadJournal(p)
		if err == nil {
			err = audit.Verify(records)
		}
		if err != nil {
			result.add(Finding{
				Category:    "audit",
				Description: fmt.Sprintf("audit journal does not verify: %v", err),
				Severity:    SeverityWarning,
				Path:        p,
			})
		}
	}
}
