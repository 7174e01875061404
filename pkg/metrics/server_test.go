package metrics_test

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultkit/vaultkit/pkg/metrics"
)

func TestServer_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry()
	require.NoError(t, m.Register(reg))
	m.HeldVaults.Inc()
	m.RecordAcquire("success")

	srv, err := metrics.Listen("127.0.0.1:0", reg)
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "vaultkit_lock_held_vaults 1")
	assert.Contains(t, string(body), `vaultkit_lock_acquire_total{outcome="success"} 1`)
}

func TestServer_ListenError(t *testing.T) {
	_, err := metrics.Listen("256.0.0.1:0", prometheus.NewRegistry())
	assert.Error(t, err)
}
