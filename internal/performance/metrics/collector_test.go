package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/performance/sampler"
)

func TestCollector(t *testing.T) {
	agg := metrics.NewAggregator()
	agg.SetActiveVUs(7)
	agg.Record(sampler.Sample{Duration: 40 * time.Millisecond, Success: true})
	agg.Record(sampler.Sample{Duration: time.Second, Success: false})

	c := metrics.NewCollector(agg, "surge")

	// vus gauge plus one metric per built-in series
	assert.Equal(t, 1+len(metrics.BuiltinNames()), testutil.CollectAndCount(c))

	expected := `
# HELP surge_vus Current number of active virtual users.
# TYPE surge_vus gauge
surge_vus 7
# HELP surge_http_reqs_total Counter http_reqs.
# TYPE surge_http_reqs_total counter
surge_http_reqs_total 2
# HELP surge_http_req_failed_ratio Rate http_req_failed.
# TYPE surge_http_req_failed_ratio gauge
surge_http_req_failed_ratio 0.5
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"surge_vus", "surge_http_reqs_total", "surge_http_req_failed_ratio")
	assert.NoError(t, err)
}

func TestCollector_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	agg := metrics.NewAggregator()
	require.NoError(t, reg.Register(metrics.NewCollector(agg, "surge")))

	// a series created after registration is still gathered
	agg.Counter("custom").Add(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["surge_custom_total"])
	assert.True(t, names["surge_http_req_duration_seconds"])
}
