// Package metrics provides Prometheus metrics for the vault lock.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vaultkit/vaultkit/pkg/logging"
)

const namespace = "vaultkit"

// Heartbeat results.
const (
	HeartbeatWritten  = "written"
	HeartbeatRestored = "restored"
	HeartbeatFailed   = "failed"
	HeartbeatLost     = "lost"
)

// Takeover kinds.
const (
	TakeoverForced   = "forced"
	TakeoverDetected = "detected"
)

// Registry holds all vault lock metrics.
type Registry struct {
	AcquireTotal   *prometheus.CounterVec
	HeartbeatTotal *prometheus.CounterVec
	TakeoverTotal  *prometheus.CounterVec
	BackupFailures prometheus.Counter
	ReleaseTotal   *prometheus.CounterVec
	HeldVaults     prometheus.Gauge
}

// NewRegistry creates an unregistered set of collectors.
func NewRegistry() *Registry {
	return &Registry{
		AcquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquire_total",
			Help:      "Lock acquisition attempts by outcome.",
		}, []string{"outcome"}),
		HeartbeatTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "heartbeat_total",
			Help:      "Heartbeat ticks by result.",
		}, []string{"result"}),
		TakeoverTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "takeovers_total",
			Help:      "Forced takeovers performed and foreign takeovers detected.",
		}, []string{"kind"}),
		BackupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "backup_failures_total",
			Help:      "Conflict backups that could not be written before a takeover.",
		}),
		ReleaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "release_total",
			Help:      "Lock releases by result.",
		}, []string{"result"}),
		HeldVaults: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "held_vaults",
			Help:      "Vaults whose lock is currently maintained by this process.",
		}),
	}
}

// Collectors returns every collector in the registry.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.AcquireTotal, r.HeartbeatTotal, r.TakeoverTotal,
		r.BackupFailures, r.ReleaseTotal, r.HeldVaults,
	}
}

// Register registers all collectors with reg.
func (r *Registry) Register(reg prometheus.Registerer) error {
	for _, c := range r.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordAcquire records an acquisition outcome.
func (r *Registry) RecordAcquire(outcome string) {
	r.AcquireTotal.WithLabelValues(outcome).Inc()
}

// RecordHeartbeat records a heartbeat tick result.
func (r *Registry) RecordHeartbeat(result string) {
	r.HeartbeatTotal.WithLabelValues(result).Inc()
}

// RecordTakeover records a forced or detected takeover.
func (r *Registry) RecordTakeover(kind string) {
	r.TakeoverTotal.WithLabelValues(kind).Inc()
}

// RecordBackupFailure records a conflict backup failure.
func (r *Registry) RecordBackupFailure() {
	r.BackupFailures.Inc()
}

// RecordRelease records a release result.
func (r *Registry) RecordRelease(success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	r.ReleaseTotal.WithLabelValues(result).Inc()
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, registered with the
// Prometheus default registerer on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		defaultRegistry.registerOrWarn(prometheus.DefaultRegisterer, logging.Global())
	})
	return defaultRegistry
}

// registerOrWarn registers with reg and logs a failure. Unregistered
// collectors still count but are not exported.
func (r *Registry) registerOrWarn(reg prometheus.Registerer, log *logging.Logger) {
	if err := r.Register(reg); err != nil {
		log.WarnErr("register lock metrics", err)
	}
}
