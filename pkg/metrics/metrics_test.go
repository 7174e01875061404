package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultkit/vaultkit/pkg/metrics"
)

func TestRegistry_Register(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := metrics.NewRegistry()
	require.NoError(t, m.Register(reg))

	// double registration is rejected
	assert.Error(t, m.Register(reg))
}

func TestRegistry_Record(t *testing.T) {
	m := metrics.NewRegistry()

	m.RecordAcquire("success")
	m.RecordAcquire("success")
	m.RecordAcquire("denied")
	m.RecordHeartbeat(metrics.HeartbeatWritten)
	m.RecordTakeover(metrics.TakeoverForced)
	m.RecordBackupFailure()
	m.RecordRelease(true)
	m.RecordRelease(false)
	m.HeldVaults.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AcquireTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcquireTotal.WithLabelValues("denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeartbeatTotal.WithLabelValues(metrics.HeartbeatWritten)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TakeoverTotal.WithLabelValues(metrics.TakeoverForced)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackupFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReleaseTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeldVaults))
}

func TestDefault_Singleton(t *testing.T) {
	assert.Same(t, metrics.Default(), metrics.Default())
}
