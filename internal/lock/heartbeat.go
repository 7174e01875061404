package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vaultkit/vaultkit/internal/audit"
	"github.com/vaultkit/vaultkit/internal/lockstore"
	"github.com/vaultkit/vaultkit/pkg/errclass"
	"github.com/vaultkit/vaultkit/pkg/logging"
	"github.com/vaultkit/vaultkit/pkg/metrics"
	"github.com/vaultkit/vaultkit/pkg/model"
)

// heartbeat keeps the held lock record fresh until stopped or until another
// machine takes the lock over.
type heartbeat struct {
	store     *lockstore.Store
	io        *sync.Mutex
	guardDir  string
	machineID string
	interval  time.Duration
	now       func() time.Time
	log       *logging.Logger
	metrics   *metrics.Registry
	watch     bool
	journal   *audit.Journal

	rec model.LockRecord // guarded by io

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	lost   atomic.Bool
}

type heartbeatConfig struct {
	store     *lockstore.Store
	io        *sync.Mutex
	guardDir  string
	record    model.LockRecord
	machineID string
	interval  time.Duration
	now       func() time.Time
	log       *logging.Logger
	metrics   *metrics.Registry
	watch     bool
	journal   *audit.Journal
}

func startHeartbeat(cfg heartbeatConfig) *heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	h := &heartbeat{
		store:     cfg.store,
		io:        cfg.io,
		guardDir:  cfg.guardDir,
		machineID: cfg.machineID,
		interval:  cfg.interval,
		now:       cfg.now,
		log:       cfg.log,
		metrics:   cfg.metrics,
		watch:     cfg.watch,
		journal:   cfg.journal,
		rec:       cfg.record,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	h.metrics.HeldVaults.Inc()
	go h.run()
	return h
}

// running reports whether the maintainer goroutine is still alive.
func (h *heartbeat) running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// stop cancels the maintainer and waits for it to exit. No heartbeat write
// is issued after stop returns.
func (h *heartbeat) stop() {
	h.cancel()
	<-h.done
}

func (h *heartbeat) run() {
	defer close(h.done)
	defer h.metrics.HeldVaults.Dec()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if h.watch {
		if w, err := h.newWatcher(); err != nil {
			h.log.Debug("lock watch unavailable, relying on heartbeat ticks", map[string]any{"error": err.Error()})
		} else {
			defer w.Close()
			events, watchErrs = w.Events, w.Errors
		}
	}

	lockPath := filepath.Clean(h.store.LockPath())
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			if !h.tick() {
				return
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != lockPath || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if !h.verify() {
				return
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			h.log.Debug("lock watch error", map[string]any{"error": err.Error()})
		}
	}
}

func (h *heartbeat) newWatcher() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(h.store.MetaDir()); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// tick re-reads the on-disk owner and refreshes the heartbeat when it is
// still ours. It returns false once the lock has been taken over or the
// maintainer was stopped. Lock order matches Acquire: guard, then io.
func (h *heartbeat) tick() bool {
	guard, err := lockGuard(h.ctx, h.guardDir, h.store.VaultRoot())
	if err != nil {
		if h.ctx.Err() != nil {
			return false
		}
		h.log.WarnErr("heartbeat guard failed, retrying next interval", err, map[string]any{"vault": h.store.VaultRoot()})
		h.metrics.RecordHeartbeat(metrics.HeartbeatFailed)
		return true
	}
	defer guard.Unlock()

	h.io.Lock()
	defer h.io.Unlock()
	if h.ctx.Err() != nil {
		return false
	}

	next := h.rec
	result := metrics.HeartbeatWritten

	cur, err := h.store.Read()
	switch {
	case err == nil && !cur.OwnedBy(h.machineID):
		h.takenOver(cur)
		return false
	case err == nil:
		if cur.Heartbeat.After(next.Heartbeat) {
			next.Heartbeat = cur.Heartbeat
		}
	case errors.Is(err, errclass.ErrLockNotFound):
		h.log.Warn("lock record missing while held, restoring", map[string]any{"vault": h.store.VaultRoot()})
		result = metrics.HeartbeatRestored
	case errors.Is(err, errclass.ErrLockCorrupt):
		// Own writes are atomic, so a partial file is a foreign record
		// still arriving through the sync client.
		h.log.Warn("lock record unreadable while held, retrying next interval", map[string]any{
			"vault": h.store.VaultRoot(),
			"error": err.Error(),
		})
		h.metrics.RecordHeartbeat(metrics.HeartbeatFailed)
		return true
	default:
		h.log.WarnErr("heartbeat read failed, retrying next interval", err, map[string]any{"vault": h.store.VaultRoot()})
		h.metrics.RecordHeartbeat(metrics.HeartbeatFailed)
		return true
	}

	next.Touch(h.now())
	if err := h.store.WriteAtomic(&next); err != nil {
		h.log.WarnErr("heartbeat write failed, retrying next interval", err, map[string]any{"vault": h.store.VaultRoot()})
		h.metrics.RecordHeartbeat(metrics.HeartbeatFailed)
		return true
	}
	h.rec = next
	h.metrics.RecordHeartbeat(result)
	h.log.Debug("heartbeat refreshed", map[string]any{
		"vault":     h.store.VaultRoot(),
		"heartbeat": next.Heartbeat,
	})
	return true
}

// verify is a read-only ownership check triggered by filesystem events.
func (h *heartbeat) verify() bool {
	h.io.Lock()
	defer h.io.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	cur, err := h.store.Read()
	if err == nil && !cur.OwnedBy(h.machineID) {
		h.takenOver(cur)
		return false
	}
	return true
}

func (h *heartbeat) takenOver(cur *model.LockRecord) {
	h.lost.Store(true)
	h.metrics.RecordTakeover(metrics.TakeoverDetected)
	h.metrics.RecordHeartbeat(metrics.HeartbeatLost)
	h.log.Warn("vault lock taken over by another machine, heartbeat stopped", map[string]any{
		"vault":           h.store.VaultRoot(),
		"holder_machine":  cur.MachineID,
		"holder_hostname": cur.Hostname,
	})
	if h.journal == nil {
		return
	}
	if _, err := h.journal.Append(audit.EventTakenOver, map[string]any{
		"holder_machine":  cur.MachineID,
		"holder_hostname": cur.Hostname,
	}); err != nil {
		h.log.WarnErr("audit journal append failed", err, map[string]any{"vault": h.store.VaultRoot()})
	}
}

// record returns a copy of the last record written by this maintainer.
func (h *heartbeat) record() model.LockRecord {
	h.io.Lock()
	defer h.io.Unlock()
	return h.rec
}
