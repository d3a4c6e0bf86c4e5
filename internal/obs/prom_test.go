package obs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromMeterCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMeter(reg)

	m.Counter("test_requests_total", 1, Label{Key: "method", Value: "GET"})
	m.Counter("test_requests_total", 2, Label{Key: "method", Value: "GET"})
	m.Counter("test_requests_total", 1, Label{Key: "method", Value: "POST"})

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)

	cv := m.counters["test_requests_total"]
	require.NotNil(t, cv)
	get, err := cv.GetMetricWithLabelValues("GET")
	require.NoError(t, err)
	assert.Equal(t, float64(3), testutil.ToFloat64(get))
}

func TestPromMeterHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMeter(reg)

	m.Histogram("test_latency_ms", 5)
	m.Histogram("test_latency_ms", 50)

	n, err := testutil.GatherAndCount(reg, "test_latency_ms")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPromMeterSurvivesDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPromMeter(reg)
	b := NewPromMeter(reg)

	a.Counter("shared_total", 1)
	b.Counter("shared_total", 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, Debug, ParseLevel("debug"))
	assert.Equal(t, Warn, ParseLevel("WARNING"))
	assert.Equal(t, Error, ParseLevel(" error "))
	assert.Equal(t, Info, ParseLevel("bogus"))
}
