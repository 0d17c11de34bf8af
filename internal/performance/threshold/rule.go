// Package threshold parses pass/fail criteria such as "p(95)<500" and
// evaluates them against metric snapshots.
package threshold

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// StatKind selects which statistic of a series a rule compares.
type StatKind int

const (
	StatAvg StatKind = iota
	StatMin
	StatMax
	StatMed
	StatPercentile
	StatRate
	StatCount
)

// Stat is a statistic selector. Quantile is only set for StatPercentile.
type Stat struct {
	Kind     StatKind
	Quantile float64
}

func (s Stat) String() string {
	switch s.Kind {
	case StatAvg:
		return "avg"
	case StatMin:
		return "min"
	case StatMax:
		return "max"
	case StatMed:
		return "med"
	case StatPercentile:
		return "p(" + strconv.FormatFloat(s.Quantile, 'f', -1, 64) + ")"
	case StatRate:
		return "rate"
	case StatCount:
		return "count"
	default:
		return "unknown"
	}
}

// isDuration reports whether the statistic is measured in time units.
func (s Stat) isDuration() bool {
	switch s.Kind {
	case StatAvg, StatMin, StatMax, StatMed, StatPercentile:
		return true
	}
	return false
}

// Op is a comparison operator.
type Op string

const (
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
	OpEqual        Op = "=="
	OpNotEqual     Op = "!="
)

func (o Op) compare(actual, limit float64) bool {
	switch o {
	case OpLess:
		return actual < limit
	case OpLessEqual:
		return actual <= limit
	case OpGreater:
		return actual > limit
	case OpGreaterEqual:
		return actual >= limit
	case OpEqual:
		return actual == limit
	case OpNotEqual:
		return actual != limit
	default:
		return false
	}
}

// Rule is one parsed threshold. Duration statistics compare in
// milliseconds.
type Rule struct {
	Metric     string
	Expression string
	Stat       Stat
	Op         Op
	Value      float64

	// AbortOnFail stops the run as soon as the rule fails during periodic
	// evaluation.
	AbortOnFail bool

	// DelayAbortEval suppresses aborting until this much of the run has
	// elapsed.
	DelayAbortEval time.Duration
}

var exprPattern = regexp.MustCompile(
	`^(?:p\(\s*(\d+(?:\.\d+)?)\s*\)|p(\d+(?:\.\d+)?)|(avg|min|max|med|rate|count))\s*(<=|>=|==|!=|<|>)\s*(\S+)$`,
)

// Parse parses an expression such as "p(95)<500", "p95 < 500ms",
// "avg<200", "rate<0.01" or "count>100" for the named metric. Plain numbers
// on duration statistics are milliseconds.
func Parse(metric, expr string) (Rule, error) {
	trimmed := strings.TrimSpace(expr)
	m := exprPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return Rule{}, fmt.Errorf("invalid threshold expression %q", expr)
	}

	rule := Rule{
		Metric:     metric,
		Expression: trimmed,
		Op:         Op(m[4]),
	}

	switch {
	case m[1] != "" || m[2] != "":
		q := m[1]
		if q == "" {
			q = m[2]
		}
		quantile, err := strconv.ParseFloat(q, 64)
		if err != nil || quantile < 0 || quantile > 100 {
			return Rule{}, fmt.Errorf("invalid percentile in %q: must be between 0 and 100", expr)
		}
		rule.Stat = Stat{Kind: StatPercentile, Quantile: quantile}
	default:
		rule.Stat = Stat{Kind: statKinds[m[3]]}
	}

	value, err := parseValue(m[5], rule.Stat.isDuration())
	if err != nil {
		return Rule{}, fmt.Errorf("invalid threshold value in %q: %w", expr, err)
	}
	rule.Value = value

	return rule, nil
}

var statKinds = map[string]StatKind{
	"avg":   StatAvg,
	"min":   StatMin,
	"max":   StatMax,
	"med":   StatMed,
	"rate":  StatRate,
	"count": StatCount,
}

func parseValue(s string, duration bool) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	if !duration {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%q is neither a number of milliseconds nor a duration", s)
	}
	return toMillis(d), nil
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Supports reports whether the rule's statistic exists for a series kind.
func (r Rule) Supports(kind metrics.Kind) bool {
	switch kind {
	case metrics.Trend:
		return r.Stat.Kind != StatRate
	case metrics.Rate, metrics.Counter:
		return r.Stat.Kind == StatRate || r.Stat.Kind == StatCount
	}
	return false
}

// Known returns the kind of a metric thresholds may reference.
func Known(metric string) (metrics.Kind, bool) {
	return metrics.BuiltinKind(metric)
}

// Evaluate compares the rule against a snapshot of its metric. It has no
// side effects.
func (r Rule) Evaluate(st metrics.Stats) Result {
	res := Result{
		Metric:     r.Metric,
		Expression: r.Expression,
	}

	if !st.HasData() {
		res.Status = StatusNoData
		res.Message = "insufficient data: no observations recorded"
		return res
	}
	if !r.Supports(st.Kind) {
		res.Status = StatusFail
		res.Message = fmt.Sprintf("%s is not available on %s metric %s", r.Stat, st.Kind, r.Metric)
		return res
	}

	res.Actual = r.actual(st)
	if r.Op.compare(res.Actual, r.Value) {
		res.Status = StatusPass
	} else {
		res.Status = StatusFail
		res.Message = fmt.Sprintf("%s is %s, threshold: %s %s",
			r.Stat, r.format(res.Actual), r.Op, r.format(r.Value))
	}
	return res
}

func (r Rule) actual(st metrics.Stats) float64 {
	switch r.Stat.Kind {
	case StatAvg:
		return toMillis(st.Mean)
	case StatMin:
		return toMillis(st.Min)
	case StatMax:
		return toMillis(st.Max)
	case StatMed:
		return toMillis(st.P50)
	case StatPercentile:
		return toMillis(st.Percentile(r.Stat.Quantile))
	case StatRate:
		return st.Rate
	case StatCount:
		if st.Kind == metrics.Counter {
			return float64(st.Value)
		}
		if st.Kind == metrics.Rate {
			return float64(st.NonZero)
		}
		return float64(st.Count)
	}
	return 0
}

func (r Rule) format(v float64) string {
	if r.Stat.isDuration() {
		return time.Duration(v * float64(time.Millisecond)).String()
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}
