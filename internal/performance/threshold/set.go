package threshold

import (
	"time"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// Status is the outcome of one rule.
type Status string

const (
	StatusPass   Status = "pass"
	StatusFail   Status = "fail"
	StatusNoData Status = "no_data"
)

// Result is the evaluation of one rule. Actual is in milliseconds for
// duration statistics.
type Result struct {
	Metric     string  `json:"metric"`
	Expression string  `json:"expression"`
	Status     Status  `json:"status"`
	Actual     float64 `json:"actual"`
	Message    string  `json:"message,omitempty"`
}

// Verdict combines every rule. The run passes only if every rule passes;
// a rule without data fails the run.
type Verdict struct {
	Passed  bool     `json:"passed"`
	Results []Result `json:"results"`
	Failed  int      `json:"failed"`
	NoData  int      `json:"noData"`
}

// Set is an ordered collection of rules.
type Set struct {
	rules []Rule
}

// NewSet creates a set from rules, keeping their order.
func NewSet(rules ...Rule) *Set {
	return &Set{rules: append([]Rule(nil), rules...)}
}

// Rules returns a copy of the rules.
func (s *Set) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Len returns the number of rules.
func (s *Set) Len() int {
	return len(s.rules)
}

// Evaluate evaluates every rule against snapshot. A metric missing from the
// snapshot is reported as no_data.
func (s *Set) Evaluate(snapshot map[string]metrics.Stats) Verdict {
	v := Verdict{
		Passed:  true,
		Results: make([]Result, 0, len(s.rules)),
	}

	for _, rule := range s.rules {
		res := rule.Evaluate(snapshot[rule.Metric])
		switch res.Status {
		case StatusFail:
			v.Failed++
			v.Passed = false
		case StatusNoData:
			v.NoData++
			v.Passed = false
		}
		v.Results = append(v.Results, res)
	}

	return v
}

// ShouldAbort reports the first abort-on-fail rule that currently fails
// and whose delay has elapsed. Rules without data never abort.
func (s *Set) ShouldAbort(snapshot map[string]metrics.Stats, elapsed time.Duration) (Result, bool) {
	for _, rule := range s.rules {
		if !rule.AbortOnFail || elapsed < rule.DelayAbortEval {
			continue
		}
		res := rule.Evaluate(snapshot[rule.Metric])
		if res.Status == StatusFail {
			return res, true
		}
	}
	return Result{}, false
}
