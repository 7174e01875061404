package lock

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaultkit/vaultkit/internal/lockstore"
	"github.com/vaultkit/vaultkit/pkg/logging"
	"github.com/vaultkit/vaultkit/pkg/metrics"
	"github.com/vaultkit/vaultkit/pkg/model"
)

func newTestHeartbeat(t *testing.T, store *lockstore.Store, interval time.Duration) (*heartbeat, *metrics.Registry) {
	t.Helper()
	now := time.Now().UTC()
	reg := metrics.NewRegistry()
	hb := startHeartbeat(heartbeatConfig{
		store:    store,
		io:       &sync.Mutex{},
		guardDir: t.TempDir(),
		record: model.LockRecord{
			MachineID: "machine-self",
			Hostname:  "laptop",
			LockedAt:  now,
			Heartbeat: now,
		},
		machineID: "machine-self",
		interval:  interval,
		now:       time.Now,
		log:       logging.FromZap(zap.NewNop()),
		metrics:   reg,
	})
	t.Cleanup(hb.stop)
	return hb, reg
}

func TestHeartbeat_RetriesAfterWriteFailure(t *testing.T) {
	vault := t.TempDir()
	store := lockstore.New(vault)
	// the metadata dir is a file, so every read and write fails
	require.NoError(t, os.WriteFile(store.MetaDir(), []byte("x"), 0644))

	hb, reg := newTestHeartbeat(t, store, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.HeartbeatTotal.WithLabelValues(metrics.HeartbeatFailed)) >= 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, hb.running(), "transient failures must not drop the lock")

	// the medium recovers and the next tick restores the record
	require.NoError(t, os.Remove(store.MetaDir()))
	require.Eventually(t, func() bool {
		if testutil.ToFloat64(reg.HeartbeatTotal.WithLabelValues(metrics.HeartbeatRestored)) < 1 {
			return false
		}
		rec, err := store.Read()
		return err == nil && rec.MachineID == "machine-self"
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeat_LeavesPartialRecordAlone(t *testing.T) {
	vault := t.TempDir()
	store := lockstore.New(vault)
	hb, reg := newTestHeartbeat(t, store, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := store.Read()
		return err == nil
	}, time.Second, time.Millisecond)

	// a foreign takeover half-way through syncing
	partial := []byte(`{"machine_id": "machine-other", "hostname": "desk`)
	hb.io.Lock()
	err := os.WriteFile(store.LockPath(), partial, 0644)
	hb.io.Unlock()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.HeartbeatTotal.WithLabelValues(metrics.HeartbeatFailed)) >= 2
	}, time.Second, time.Millisecond)

	data, err := os.ReadFile(store.LockPath())
	require.NoError(t, err)
	assert.Equal(t, partial, data)
	assert.True(t, hb.running())
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.HeartbeatTotal.WithLabelValues(metrics.HeartbeatRestored)))
}

func TestHeartbeat_StopIsFinal(t *testing.T) {
	vault := t.TempDir()
	store := lockstore.New(vault)
	hb, reg := newTestHeartbeat(t, store, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := store.Read()
		return err == nil
	}, time.Second, time.Millisecond)

	hb.stop()
	assert.False(t, hb.running())
	assert.False(t, hb.tick(), "tick after stop must not write")
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.HeldVaults))

	require.NoError(t, store.Remove())
	time.Sleep(20 * time.Millisecond)
	assert.NoFileExists(t, store.LockPath())
}

func TestHeartbeat_MonotonicRecord(t *testing.T) {
	vault := t.TempDir()
	store := lockstore.New(vault)
	hb, _ := newTestHeartbeat(t, store, 5*time.Millisecond)

	var last time.Time
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		rec := hb.record()
		assert.False(t, rec.Heartbeat.Before(last))
		assert.False(t, rec.Heartbeat.Before(rec.LockedAt))
		last = rec.Heartbeat
	}
}

func TestHeartbeat_DetectsTakeover(t *testing.T) {
	vault := t.TempDir()
	store := lockstore.New(vault)
	hb, reg := newTestHeartbeat(t, store, 5*time.Millisecond)

	now := time.Now().UTC()
	require.NoError(t, store.WriteAtomic(&model.LockRecord{
		MachineID: "machine-other",
		Hostname:  "desktop",
		LockedAt:  now,
		Heartbeat: now,
	}))

	require.Eventually(t, func() bool { return !hb.running() }, time.Second, time.Millisecond)
	assert.True(t, hb.lost.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.TakeoverTotal.WithLabelValues(metrics.TakeoverDetected)))

	rec, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, "machine-other", rec.MachineID)
}
