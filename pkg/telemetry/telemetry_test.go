package telemetry

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	internaltelemetry "github.com/sushant-115/gxactdb/internal/telemetry"
)

// TestNew_Disabled hands out no-op instruments and a no-op shutdown.
func TestNew_Disabled(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	assert.Nil(t, tel.MeterProvider)
	assert.Empty(t, tel.MetricsAddr)

	m, err := internaltelemetry.NewTwoPhaseMetrics(tel.Meter)
	require.NoError(t, err)
	m.PreparedCounter.Add(context.Background(), 1)
	require.NoError(t, shutdown(context.Background()))
}

// TestNew_ServesMetrics exports the coordinator instruments on /metrics.
func TestNew_ServesMetrics(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gxactdb-test"})
	require.NoError(t, err)
	defer shutdown(context.Background())

	m, err := internaltelemetry.NewTwoPhaseMetrics(tel.Meter)
	require.NoError(t, err)
	m.PreparedCounter.Add(context.Background(), 3)
	m.ActiveUpDownCounter.Add(context.Background(), 2)

	resp, err := http.Get("http://" + tel.MetricsAddr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gxactdb_twophase_prepared")
	assert.Contains(t, string(body), "gxactdb_twophase_active")
}
