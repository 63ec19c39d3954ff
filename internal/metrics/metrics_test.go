package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Connection("semantic", 3)
	m.Connection("semantic", 2)
	m.Connection("force", 0)
	m.Batch("recovered")
	m.Retry()
	m.Retry()
	m.Run("ok", 2*time.Second)
	m.Deadlock(120, 2)
	m.Crystal("CREATE", "prng")
	m.Oracle("similarity", "rate_limited")
	m.Heuristic(4)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("semantic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("recovered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetriesTotal))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.Orphans))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Severity))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CrystalOpsTotal.WithLabelValues("CREATE", "prng")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.HeuristicLink))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Connection("semantic", 1)
		m.Batch("completed")
		m.Retry()
		m.Run("ok", time.Second)
		m.Deadlock(1, 0)
		m.Purged(1)
		m.Heuristic(1)
		m.Crystal("NONE", "prng")
		m.Oracle("propose", "ok")
	})
}
