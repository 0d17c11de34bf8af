package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/surge/internal/performance/sampler"
)

// Built-in series recorded for every run.
const (
	HTTPReqs          = "http_reqs"
	HTTPReqFailed     = "http_req_failed"
	HTTPReqDuration   = "http_req_duration"
	Iterations        = "iterations"
	IterationDuration = "iteration_duration"
	ResponseTime      = "response_time"
)

var builtins = map[string]Kind{
	HTTPReqs:          Counter,
	HTTPReqFailed:     Rate,
	HTTPReqDuration:   Trend,
	Iterations:        Counter,
	IterationDuration: Trend,
	ResponseTime:      Trend,
}

// BuiltinKind returns the kind of a built-in series.
func BuiltinKind(name string) (Kind, bool) {
	k, ok := builtins[name]
	return k, ok
}

// BuiltinNames returns the built-in series names in sorted order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Aggregator owns the named series of a run.
//
// # Thread Safety
//
// Recording is safe from any number of goroutines. Series lookup takes a
// read lock; the series themselves use atomics plus a per-series mutex
// around the histogram, so a write never waits on a snapshot for longer
// than one histogram copy.
type Aggregator struct {
	series   map[string]*Series
	seriesMu sync.RWMutex

	cfg HistogramConfig

	// cached built-ins for the hot path
	reqs, failed, duration, respTime, iters, iterDuration *Series

	activeVUs atomic.Int32
	startTime atomic.Int64
	endTime   atomic.Int64
}

// NewAggregator creates an aggregator with the default histogram bounds.
func NewAggregator() *Aggregator {
	return NewAggregatorWithConfig(DefaultHistogramConfig())
}

// NewAggregatorWithConfig creates an aggregator with custom histogram bounds.
func NewAggregatorWithConfig(cfg HistogramConfig) *Aggregator {
	a := &Aggregator{
		series: make(map[string]*Series),
		cfg:    cfg,
	}
	a.reqs = a.Counter(HTTPReqs)
	a.failed = a.Rate(HTTPReqFailed)
	a.duration = a.Trend(HTTPReqDuration)
	a.respTime = a.Trend(ResponseTime)
	a.iters = a.Counter(Iterations)
	a.iterDuration = a.Trend(IterationDuration)
	a.MarkStart(time.Now())
	return a
}

// Trend returns the trend series with the given name, creating it if needed.
// It panics if name already exists with a different kind.
func (a *Aggregator) Trend(name string) *Series { return a.getOrCreate(name, Trend) }

// Rate returns the rate series with the given name, creating it if needed.
func (a *Aggregator) Rate(name string) *Series { return a.getOrCreate(name, Rate) }

// Counter returns the counter series with the given name, creating it if needed.
func (a *Aggregator) Counter(name string) *Series { return a.getOrCreate(name, Counter) }

func (a *Aggregator) getOrCreate(name string, kind Kind) *Series {
	a.seriesMu.RLock()
	s, ok := a.series[name]
	a.seriesMu.RUnlock()

	if !ok {
		a.seriesMu.Lock()
		if s, ok = a.series[name]; !ok {
			s = newSeries(name, kind, a.cfg)
			a.series[name] = s
		}
		a.seriesMu.Unlock()
	}

	s.mustBe(kind)
	return s
}

// Record writes one request sample into the built-in series. Only
// successful samples contribute to http_req_duration, so an endpoint that
// never answers leaves the latency trend empty. response_time takes every
// sample that got a response, whatever its status or check outcome.
func (a *Aggregator) Record(s sampler.Sample) {
	a.reqs.Add(1)
	a.failed.AddBool(!s.Success)
	if s.Success {
		a.duration.AddDuration(s.Duration)
	}
	if s.StatusCode != 0 {
		a.respTime.AddDuration(s.Duration)
	}
}

// RecordIteration counts a completed iteration and its duration.
func (a *Aggregator) RecordIteration(d time.Duration) {
	a.iters.Add(1)
	a.iterDuration.AddDuration(d)
}

// MarkStart sets the reference time for per-second rates.
func (a *Aggregator) MarkStart(t time.Time) {
	a.startTime.Store(t.UnixNano())
	a.endTime.Store(0)
}

// MarkEnd freezes the window used for per-second rates.
func (a *Aggregator) MarkEnd(t time.Time) {
	a.endTime.Store(t.UnixNano())
}

// Elapsed returns the time between MarkStart and MarkEnd, or now if the
// window is still open.
func (a *Aggregator) Elapsed() time.Duration {
	start := time.Unix(0, a.startTime.Load())
	if end := a.endTime.Load(); end != 0 {
		return time.Unix(0, end).Sub(start)
	}
	return time.Since(start)
}

// SetActiveVUs updates the active VU gauge.
func (a *Aggregator) SetActiveVUs(count int) {
	a.activeVUs.Store(int32(count))
}

// ActiveVUs returns the active VU gauge.
func (a *Aggregator) ActiveVUs() int {
	return int(a.activeVUs.Load())
}

// Has reports whether a series exists.
func (a *Aggregator) Has(name string) bool {
	a.seriesMu.RLock()
	defer a.seriesMu.RUnlock()
	_, ok := a.series[name]
	return ok
}

// Names returns all series names in sorted order.
func (a *Aggregator) Names() []string {
	a.seriesMu.RLock()
	names := make([]string, 0, len(a.series))
	for name := range a.series {
		names = append(names, name)
	}
	a.seriesMu.RUnlock()

	sort.Strings(names)
	return names
}

// Stats returns the snapshot of one series.
func (a *Aggregator) Stats(name string) (Stats, bool) {
	a.seriesMu.RLock()
	s, ok := a.series[name]
	a.seriesMu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return s.Stats(a.Elapsed()), true
}

// Snapshot returns stats for every series. The result is not affected by
// later recording.
func (a *Aggregator) Snapshot() map[string]Stats {
	a.seriesMu.RLock()
	all := make([]*Series, 0, len(a.series))
	for _, s := range a.series {
		all = append(all, s)
	}
	a.seriesMu.RUnlock()

	elapsed := a.Elapsed()
	out := make(map[string]Stats, len(all))
	for _, s := range all {
		out[s.name] = s.Stats(elapsed)
	}
	return out
}
