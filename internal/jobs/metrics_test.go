package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("recon:emit").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("recon:emit").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("recon:emit", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("recon:emit", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("recon:emit")))
}

func TestReconCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveEmission("inserted", 3)
	m.ObserveEmission("inserted", 0)
	m.ObserveMatch("fuzzy", 2)
	m.ObserveMatch("", 5)

	require.Equal(t, 3.0, testutil.ToFloat64(m.emissions.WithLabelValues("inserted")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.matches.WithLabelValues("fuzzy")))
	require.Equal(t, 5.0, testutil.ToFloat64(m.matches.WithLabelValues("pending")))

	var nilMetrics *Metrics
	nilMetrics.ObserveEmission("inserted", 1)
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
