package metrics

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Kind is the aggregation a series performs.
type Kind int

const (
	// Trend aggregates durations into a histogram.
	Trend Kind = iota
	// Rate tracks the fraction of non-zero observations.
	Rate
	// Counter sums values and reports a per-second rate.
	Counter
)

func (k Kind) String() string {
	switch k {
	case Trend:
		return "trend"
	case Rate:
		return "rate"
	case Counter:
		return "counter"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// HistogramConfig bounds the values a trend series can hold. Values outside
// the range are clamped.
type HistogramConfig struct {
	// Min is the minimum recordable value in microseconds (default: 1)
	Min int64

	// Max is the maximum recordable value in microseconds (default: 3600000000 = 1 hour)
	Max int64

	// SigFigs is the number of significant figures (default: 3)
	SigFigs int
}

// DefaultHistogramConfig keeps reported quantiles within 0.1% of the exact
// value between 1µs and 1h.
func DefaultHistogramConfig() HistogramConfig {
	return HistogramConfig{
		Min:     1,
		Max:     3600000000,
		SigFigs: 3,
	}
}

// Series is a named, append-only metric. All methods are safe for
// concurrent use.
type Series struct {
	name string
	kind Kind
	cfg  HistogramConfig

	// HDR RecordValue is not thread-safe
	hist   *hdrhistogram.Histogram
	histMu sync.Mutex

	count   atomic.Int64
	nonZero atomic.Int64
	sum     atomic.Int64
}

func newSeries(name string, kind Kind, cfg HistogramConfig) *Series {
	s := &Series{name: name, kind: kind, cfg: cfg}
	if kind == Trend {
		s.hist = hdrhistogram.New(cfg.Min, cfg.Max, cfg.SigFigs)
	}
	return s
}

// Name returns the series name.
func (s *Series) Name() string { return s.name }

// Kind returns the series kind.
func (s *Series) Kind() Kind { return s.kind }

// AddDuration records one observation on a trend series.
func (s *Series) AddDuration(d time.Duration) {
	s.mustBe(Trend)

	micros := d.Microseconds()
	if micros < s.cfg.Min {
		micros = s.cfg.Min
	}
	if micros > s.cfg.Max {
		micros = s.cfg.Max
	}

	s.histMu.Lock()
	_ = s.hist.RecordValue(micros)
	s.histMu.Unlock()

	s.count.Add(1)
	s.sum.Add(micros)
}

// AddBool records one observation on a rate series; true counts as
// non-zero.
func (s *Series) AddBool(v bool) {
	s.mustBe(Rate)
	s.count.Add(1)
	if v {
		s.nonZero.Add(1)
	}
}

// Add increments a counter series by n.
func (s *Series) Add(n int64) {
	s.mustBe(Counter)
	s.count.Add(1)
	s.sum.Add(n)
}

// Stats returns an immutable snapshot of the series. elapsed is used for
// the per-second rate of counters.
func (s *Series) Stats(elapsed time.Duration) Stats {
	st := Stats{Name: s.name, Kind: s.kind}

	switch s.kind {
	case Trend:
		s.histMu.Lock()
		frozen := hdrhistogram.Import(s.hist.Export())
		s.histMu.Unlock()

		st.Count = frozen.TotalCount()
		if st.Count > 0 {
			st.Min = micros(frozen.Min())
			st.Max = micros(frozen.Max())
			st.Mean = time.Duration(frozen.Mean() * float64(time.Microsecond))
			st.StdDev = time.Duration(frozen.StdDev() * float64(time.Microsecond))
			st.P50 = micros(frozen.ValueAtQuantile(50))
			st.P90 = micros(frozen.ValueAtQuantile(90))
			st.P95 = micros(frozen.ValueAtQuantile(95))
			st.P99 = micros(frozen.ValueAtQuantile(99))
			st.hist = frozen
		}
		if secs := elapsed.Seconds(); secs > 0 {
			st.Rate = float64(st.Count) / secs
		}

	case Rate:
		st.Count = s.count.Load()
		st.NonZero = s.nonZero.Load()
		if st.Count > 0 {
			st.Rate = float64(st.NonZero) / float64(st.Count)
		}

	case Counter:
		st.Count = s.count.Load()
		st.Value = s.sum.Load()
		if secs := elapsed.Seconds(); secs > 0 {
			st.Rate = float64(st.Value) / secs
		}
	}

	return st
}

func (s *Series) mustBe(kind Kind) {
	if s.kind != kind {
		panic(fmt.Sprintf("metrics: series %q is a %s, not a %s", s.name, s.kind, kind))
	}
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

// Stats is a point-in-time view of one series.
//
// For trends Count is the number of observations and Rate is observations
// per second. For rates Rate is NonZero/Count. For counters Value is the
// running total and Rate is Value per second.
type Stats struct {
	Name    string        `json:"name"`
	Kind    Kind          `json:"kind"`
	Count   int64         `json:"count"`
	NonZero int64         `json:"nonZero,omitempty"`
	Value   int64         `json:"value,omitempty"`
	Rate    float64       `json:"rate"`
	Min     time.Duration `json:"min,omitempty"`
	Max     time.Duration `json:"max,omitempty"`
	Mean    time.Duration `json:"mean,omitempty"`
	StdDev  time.Duration `json:"stdDev,omitempty"`
	P50     time.Duration `json:"p50,omitempty"`
	P90     time.Duration `json:"p90,omitempty"`
	P95     time.Duration `json:"p95,omitempty"`
	P99     time.Duration `json:"p99,omitempty"`

	hist *hdrhistogram.Histogram
}

// HasData reports whether the series had at least one observation.
func (s Stats) HasData() bool {
	return s.Count > 0
}

// Percentile returns the value at quantile q (0-100) of a trend. It reads
// the frozen copy taken with the snapshot, so concurrent recording does not
// affect it.
func (s Stats) Percentile(q float64) time.Duration {
	if s.hist == nil {
		return 0
	}
	q = math.Max(0, math.Min(100, q))
	return micros(s.hist.ValueAtQuantile(q))
}
