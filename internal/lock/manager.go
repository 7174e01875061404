package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vaultkit/vaultkit/internal/audit"
	"github.com/vaultkit/vaultkit/internal/identity"
	"github.com/vaultkit/vaultkit/internal/lockstore"
	"github.com/vaultkit/vaultkit/pkg/config"
	"github.com/vaultkit/vaultkit/pkg/errclass"
	"github.com/vaultkit/vaultkit/pkg/logging"
	"github.com/vaultkit/vaultkit/pkg/metrics"
	"github.com/vaultkit/vaultkit/pkg/model"
	"github.com/vaultkit/vaultkit/pkg/pathutil"
)

// Identity supplies the machine identity stamped into lock records.
type Identity interface {
	MachineID() string
	Hostname() string
}

// Manager acquires, maintains and releases vault locks for this process.
type Manager struct {
	mu     sync.Mutex
	vaults map[string]*vaultState

	identity   Identity
	policy     *model.LockPolicy
	now        func() time.Time
	log        *logging.Logger
	metrics    *metrics.Registry
	appVersion string
	guardDir   string
	watch      bool
	audit      bool

	writeRecord func(*lockstore.Store, *model.LockRecord) error
}

// vaultState is the per-vault critical section. mu serializes Acquire and
// Release; io serializes lock file I/O between them and the heartbeat.
type vaultState struct {
	mu      sync.Mutex
	io      sync.Mutex
	store   *lockstore.Store
	journal *audit.Journal
	policy  *model.LockPolicy
	hb      *heartbeat
	state   State
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdentity overrides the machine identity (default: identity.Default()).
func WithIdentity(id Identity) Option {
	return func(m *Manager) { m.identity = id }
}

// WithPolicy fixes the lock timings instead of reading each vault's config.
func WithPolicy(p model.LockPolicy) Option {
	return func(m *Manager) { m.policy = &p }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger (default: the global logger).
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics sets the metrics registry (default: metrics.Default()).
func WithMetrics(r *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithAppVersion sets the version recorded in lock records.
func WithAppVersion(v string) Option {
	return func(m *Manager) { m.appVersion = v }
}

// WithGuardDir sets where same-machine guard files live (default: os.TempDir()).
func WithGuardDir(dir string) Option {
	return func(m *Manager) { m.guardDir = dir }
}

// WithWatch toggles filesystem notifications for early takeover detection.
func WithWatch(enabled bool) Option {
	return func(m *Manager) { m.watch = enabled }
}

// WithAudit toggles the per-machine lock event journal in .vaultkit/audit.
func WithAudit(enabled bool) Option {
	return func(m *Manager) { m.audit = enabled }
}

// NewManager creates a lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		vaults:     make(map[string]*vaultState),
		now:        time.Now,
		appVersion: buildVersion(),
		guardDir:   os.TempDir(),
		watch:      true,
		audit:      true,

		writeRecord: (*lockstore.Store).WriteAtomic,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.identity == nil {
		m.identity = identity.Default()
	}
	if m.metrics == nil {
		m.metrics = metrics.Default()
	}
	return m
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (m *Manager) logger() *logging.Logger {
	if m.log != nil {
		return m.log
	}
	return logging.Global()
}

// vault returns the state for a vault, resolving its path. The fallback to
// the plain absolute path lets Release find state for a vault whose
// directory has since disappeared.
func (m *Manager) vault(vaultPath string) (*vaultState, error) {
	root, err := pathutil.ResolveVaultRoot(vaultPath)
	if err != nil {
		abs, absErr := filepath.Abs(vaultPath)
		if absErr != nil {
			return nil, err
		}
		m.mu.Lock()
		vs, ok := m.vaults[filepath.Clean(abs)]
		m.mu.Unlock()
		if ok {
			return vs, err
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.vaults[root]
	if !ok {
		vs = &vaultState{store: lockstore.New(root), policy: m.policy, state: StateIdle}
		if m.audit {
			vs.journal = audit.NewJournal(vs.store.MetaDir(), m.guardDir, m.identity.MachineID(), m.identity.Hostname())
		}
		m.vaults[root] = vs
	}
	return vs, nil
}

func (vs *vaultState) resolvePolicy() (model.LockPolicy, error) {
	if vs.policy != nil {
		return *vs.policy, nil
	}
	cfg, err := config.Load(vs.store.VaultRoot())
	if err != nil {
		return model.LockPolicy{}, err
	}
	p, err := cfg.Policy()
	if err != nil {
		return model.LockPolicy{}, err
	}
	vs.policy = &p
	return p, nil
}

// Acquire runs one read/decide/write cycle for the vault at vaultPath. It
// never waits for a foreign holder and never overrides one unless force is
// set. On success or already_held the heartbeat is running when it returns.
func (m *Manager) Acquire(ctx context.Context, vaultPath string, force bool) AcquireResult {
	vs, err := m.vault(vaultPath)
	if err != nil {
		return m.finish(nil, errorResult("invalid vault", err))
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.state = StateAcquiring

	policy, err := vs.resolvePolicy()
	if err != nil {
		return m.finish(vs, errorResult("load lock config", err))
	}

	guard, err := lockGuard(ctx, m.guardDir, vs.store.VaultRoot())
	if err != nil {
		return m.finish(vs, errorResult("lock vault", err))
	}
	defer guard.Unlock()

	vs.io.Lock()
	res := m.decide(vs, policy, force)
	vs.io.Unlock()

	if res.Granted() {
		m.ensureHeartbeat(vs, policy, *res.Record)
	}
	return m.finish(vs, res)
}

// decide must be called with vs.io held.
func (m *Manager) decide(vs *vaultState, policy model.LockPolicy, force bool) AcquireResult {
	log := m.logger().WithFields(map[string]any{"vault": vs.store.VaultRoot()})
	self := m.identity.MachineID()
	now := m.now().UTC()

	var res AcquireResult
	current, err := vs.store.Read()
	switch {
	case err == nil && current.OwnedBy(self):
		return AcquireResult{Outcome: OutcomeAlreadyHeld, Record: current}

	case err == nil && !force:
		stale := current.IsStale(now, policy.StaleThreshold)
		return AcquireResult{
			Outcome: OutcomeDenied,
			Holder:  current,
			IsStale: stale,
			Message: deniedMessage(current, now, stale),
		}

	case err == nil:
		res.Previous = current
		backup, berr := vs.store.Backup(current, now)
		if berr != nil {
			m.metrics.RecordBackupFailure()
			log.WarnErr("conflict backup failed, taking over anyway", berr, map[string]any{"holder_hostname": current.Hostname})
		} else {
			res.BackupPath = backup
		}

	case errors.Is(err, errclass.ErrLockNotFound):

	case errors.Is(err, errclass.ErrLockCorrupt):
		log.Warn("ignoring corrupt lock record", map[string]any{"error": err.Error()})

	default:
		return errorResult("read lock", err)
	}

	rec := &model.LockRecord{
		MachineID:  self,
		Hostname:   m.identity.Hostname(),
		ProcessID:  os.Getpid(),
		AppVersion: m.appVersion,
		LockedAt:   now,
		Heartbeat:  now,
	}
	if err := m.writeRecord(vs.store, rec); err != nil {
		if res.BackupPath != "" {
			if rmErr := os.Remove(res.BackupPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.WarnErr("remove conflict backup after failed takeover", rmErr, map[string]any{"backup": res.BackupPath})
			}
		}
		return errorResult("write lock", err)
	}

	if n, err := vs.store.SweepTemp(policy.TempMaxAge, now); err != nil {
		log.Debug("temp sweep failed", map[string]any{"error": err.Error()})
	} else if n > 0 {
		log.Info("removed orphaned lock temp files", map[string]any{"count": n})
	}

	if res.Previous != nil {
		m.metrics.RecordTakeover(metrics.TakeoverForced)
		log.Warn("forced vault lock takeover", map[string]any{
			"previous_machine":  res.Previous.MachineID,
			"previous_hostname": res.Previous.Hostname,
			"backup":            res.BackupPath,
		})
	}
	res.Outcome = OutcomeSuccess
	res.Record = rec
	return res
}

func deniedMessage(holder *model.LockRecord, now time.Time, stale bool) string {
	msg := fmt.Sprintf("vault is locked by %s (last heartbeat %s)",
		holder.Hostname, humanize.RelTime(holder.Heartbeat, now, "ago", "from now"))
	if stale {
		msg += "; the lock looks stale and can be taken over with force"
	}
	return msg
}

func errorResult(msg string, err error) AcquireResult {
	return AcquireResult{Outcome: OutcomeError, Message: fmt.Sprintf("%s: %v", msg, err), Err: err}
}

// ensureHeartbeat starts the maintainer unless one is already running.
// Called with vs.mu held.
func (m *Manager) ensureHeartbeat(vs *vaultState, policy model.LockPolicy, rec model.LockRecord) {
	if vs.hb != nil && vs.hb.running() {
		return
	}
	vs.hb = startHeartbeat(heartbeatConfig{
		store:     vs.store,
		io:        &vs.io,
		guardDir:  m.guardDir,
		record:    rec,
		machineID: m.identity.MachineID(),
		interval:  policy.HeartbeatInterval,
		now:       m.now,
		log:       m.logger(),
		metrics:   m.metrics,
		watch:     m.watch,
		journal:   vs.journal,
	})
}

func (m *Manager) finish(vs *vaultState, res AcquireResult) AcquireResult {
	m.metrics.RecordAcquire(string(res.Outcome))
	if vs != nil {
		switch res.Outcome {
		case OutcomeSuccess, OutcomeAlreadyHeld:
			vs.state = StateHeld
		case OutcomeDenied:
			vs.state = StateDenied
		default:
			vs.state = StateError
		}
	}

	fields := map[string]any{"outcome": res.Outcome}
	if res.Holder != nil {
		fields["holder_hostname"] = res.Holder.Hostname
		fields["is_stale"] = res.IsStale
	}
	if vs != nil {
		fields["vault"] = vs.store.VaultRoot()
		m.journalAcquire(vs, res)
	}
	if res.Outcome == OutcomeError {
		m.logger().ErrorErr("vault lock acquisition failed", res.Err, fields)
	} else {
		m.logger().Info("vault lock acquisition", fields)
	}
	return res
}

func (m *Manager) journalAcquire(vs *vaultState, res AcquireResult) {
	switch {
	case res.Outcome == OutcomeSuccess && res.Previous != nil:
		m.appendJournal(vs, audit.EventTakeover, map[string]any{
			"previous_machine":  res.Previous.MachineID,
			"previous_hostname": res.Previous.Hostname,
			"backup":            res.BackupPath,
		})
	case res.Outcome == OutcomeSuccess:
		m.appendJournal(vs, audit.EventAcquired, map[string]any{"pid": os.Getpid()})
	case res.Outcome == OutcomeDenied && res.Holder != nil:
		m.appendJournal(vs, audit.EventDenied, map[string]any{
			"holder_machine":  res.Holder.MachineID,
			"holder_hostname": res.Holder.Hostname,
			"is_stale":        res.IsStale,
		})
	}
}

// appendJournal records a lock event. Journal failures are logged only.
func (m *Manager) appendJournal(vs *vaultState, event audit.EventType, details map[string]any) {
	if vs.journal == nil {
		return
	}
	if _, err := vs.journal.Append(event, details); err != nil {
		m.logger().WarnErr("audit journal append failed", err, map[string]any{
			"vault": vs.store.VaultRoot(),
			"event": event,
		})
	}
}

// Release stops the heartbeat, waits for any in-flight heartbeat write and
// then removes the lock record. Releasing an absent lock is not an error. A
// record owned by another machine is left in place.
func (m *Manager) Release(ctx context.Context, vaultPath string) error {
	vs, err := m.vault(vaultPath)
	if vs == nil {
		if errors.Is(err, errclass.ErrVaultInvalid) {
			// no vault directory, so no lock file either
			return nil
		}
		return err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.hb != nil {
		vs.hb.stop()
		vs.hb = nil
	}
	vs.state = StateIdle
	if err != nil {
		// directory is gone; the heartbeat was all there was to stop
		return nil
	}

	guard, gerr := lockGuard(ctx, m.guardDir, vs.store.VaultRoot())
	if gerr != nil {
		m.metrics.RecordRelease(false)
		return fmt.Errorf("release lock: %w", gerr)
	}
	defer guard.Unlock()

	vs.io.Lock()
	defer vs.io.Unlock()

	log := m.logger().WithFields(map[string]any{"vault": vs.store.VaultRoot()})
	current, rerr := vs.store.Read()
	switch {
	case rerr == nil && !current.OwnedBy(m.identity.MachineID()):
		log.Info("lock belongs to another machine, leaving it in place", map[string]any{
			"holder_hostname": current.Hostname,
		})
		m.metrics.RecordRelease(true)
		return nil
	case rerr == nil, errors.Is(rerr, errclass.ErrLockCorrupt):
	case errors.Is(rerr, errclass.ErrLockNotFound):
		m.metrics.RecordRelease(true)
		return nil
	default:
		m.metrics.RecordRelease(false)
		return fmt.Errorf("release lock: %w", rerr)
	}

	if err := vs.store.Remove(); err != nil {
		m.metrics.RecordRelease(false)
		return fmt.Errorf("release lock: %w", err)
	}
	m.metrics.RecordRelease(true)
	m.appendJournal(vs, audit.EventReleased, nil)
	log.Info("vault lock released")
	return nil
}

// Detach stops maintaining the vault's lock without removing the record. The
// record ages like any other and a later Acquire from this machine finds it
// already held. Short-lived processes use this to hand the lock on.
func (m *Manager) Detach(vaultPath string) {
	vs, _ := m.vault(vaultPath)
	if vs == nil {
		return
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.hb != nil {
		vs.hb.stop()
		vs.hb = nil
	}
	vs.state = StateIdle
}

// Status reports the lock state of a vault as seen from this machine.
func (m *Manager) Status(vaultPath string) (model.LockState, *model.LockRecord, error) {
	vs, err := m.vault(vaultPath)
	if err != nil {
		return model.LockStateFree, nil, err
	}
	policy, err := m.statusPolicy(vs)
	if err != nil {
		return model.LockStateFree, nil, err
	}

	vs.io.Lock()
	rec, err := vs.store.Read()
	vs.io.Unlock()
	switch {
	case errors.Is(err, errclass.ErrLockNotFound):
		return model.LockStateFree, nil, nil
	case errors.Is(err, errclass.ErrLockCorrupt):
		return model.LockStateCorrupt, nil, nil
	case err != nil:
		return model.LockStateFree, nil, err
	case rec.OwnedBy(m.identity.MachineID()):
		return model.LockStateHeld, rec, nil
	case rec.IsStale(m.now(), policy.StaleThreshold):
		return model.LockStateStale, rec, nil
	default:
		return model.LockStateLocked, rec, nil
	}
}

func (m *Manager) statusPolicy(vs *vaultState) (model.LockPolicy, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.resolvePolicy()
}

// State reports this process's state machine position for a vault. A vault
// whose heartbeat stopped after a takeover reports StateIdle.
func (m *Manager) State(vaultPath string) State {
	vs, _ := m.vault(vaultPath)
	if vs == nil {
		return StateIdle
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.state == StateHeld && (vs.hb == nil || !vs.hb.running()) {
		vs.state = StateIdle
	}
	return vs.state
}

// Held reports whether this process is maintaining the vault's lock.
func (m *Manager) Held(vaultPath string) bool {
	return m.State(vaultPath) == StateHeld
}

// Close releases every vault this manager holds.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	states := make(map[string]*vaultState, len(m.vaults))
	for root, vs := range m.vaults {
		states[root] = vs
	}
	m.mu.Unlock()

	var errs []error
	for root, vs := range states {
		vs.mu.Lock()
		held := vs.hb != nil
		vs.mu.Unlock()
		if !held {
			continue
		}
		if err := m.Release(ctx, root); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
