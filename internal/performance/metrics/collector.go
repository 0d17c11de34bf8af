package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes an Aggregator to Prometheus. Values are read on scrape;
// nothing is duplicated on the write path.
//
// Series can be created while a run is in progress, so the collector is
// unchecked: Describe sends no descriptors.
type Collector struct {
	agg       *Aggregator
	namespace string
	vus       *prometheus.Desc
}

// NewCollector creates a collector for agg. Metric names are prefixed with
// namespace.
func NewCollector(agg *Aggregator, namespace string) *Collector {
	return &Collector{
		agg:       agg,
		namespace: namespace,
		vus: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "vus"),
			"Current number of active virtual users.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.vus, prometheus.GaugeValue, float64(c.agg.ActiveVUs()))

	for name, st := range c.agg.Snapshot() {
		switch st.Kind {
		case Trend:
			desc := prometheus.NewDesc(
				prometheus.BuildFQName(c.namespace, "", name+"_seconds"),
				"Trend "+name+".",
				nil, nil,
			)
			quantiles := map[float64]float64{
				0.5:  st.P50.Seconds(),
				0.9:  st.P90.Seconds(),
				0.95: st.P95.Seconds(),
				0.99: st.P99.Seconds(),
			}
			sum := st.Mean.Seconds() * float64(st.Count)
			ch <- prometheus.MustNewConstSummary(desc, uint64(st.Count), sum, quantiles)

		case Rate:
			desc := prometheus.NewDesc(
				prometheus.BuildFQName(c.namespace, "", name+"_ratio"),
				"Rate "+name+".",
				nil, nil,
			)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, st.Rate)

		case Counter:
			desc := prometheus.NewDesc(
				prometheus.BuildFQName(c.namespace, "", name+"_total"),
				"Counter "+name+".",
				nil, nil,
			)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(st.Value))
		}
	}
}
