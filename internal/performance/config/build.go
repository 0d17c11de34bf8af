package config

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/sampler"
	"github.com/wesleyorama2/surge/internal/performance/threshold"
)

// The accessors below assume Validate has succeeded; they still return
// errors rather than panicking on malformed values.

// Plan converts the configured stages into a load plan.
func (c *TestConfig) Plan() (*performance.Plan, error) {
	stages := make([]performance.Stage, 0, len(c.Stages))
	for i, s := range c.Stages {
		d, err := s.Duration.Parse()
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		stages = append(stages, performance.Stage{Duration: d, Target: s.Target, Name: s.Name})
	}
	return performance.NewPlan(stages)
}

// PacingPolicy converts the pacing section.
func (c *TestConfig) PacingPolicy() (performance.Pacing, error) {
	if c.Pacing == nil {
		return performance.Pacing{Type: performance.PacingNone}, nil
	}

	p := performance.Pacing{Type: performance.PacingType(c.Pacing.Type)}
	if p.Type == "" {
		p.Type = performance.PacingNone
	}

	var err error
	if p.Duration, err = c.Pacing.Duration.Parse(); err != nil {
		return p, fmt.Errorf("pacing duration: %w", err)
	}
	if p.Min, err = c.Pacing.Min.Parse(); err != nil {
		return p, fmt.Errorf("pacing min: %w", err)
	}
	if p.Max, err = c.Pacing.Max.Parse(); err != nil {
		return p, fmt.Errorf("pacing max: %w", err)
	}
	return p, p.Validate()
}

// Request converts the target section into a sampler request. The
// configured user agent is added unless a User-Agent header is set.
func (c *TestConfig) Request() (sampler.Request, error) {
	timeout, err := c.Target.Timeout.Parse()
	if err != nil {
		return sampler.Request{}, fmt.Errorf("target timeout: %w", err)
	}

	headers := make(map[string]string, len(c.Target.Headers)+1)
	hasUA := false
	for k, v := range c.Target.Headers {
		headers[k] = v
		if http.CanonicalHeaderKey(k) == "User-Agent" {
			hasUA = true
		}
	}
	if !hasUA && c.Options.UserAgent != "" {
		headers["User-Agent"] = c.Options.UserAgent
	}

	checks := make([]sampler.Check, 0, len(c.Target.Checks))
	for _, ch := range c.Target.Checks {
		checks = append(checks, sampler.Check{Path: ch.Path, Equals: string(ch.Equals)})
	}

	return sampler.Request{
		Method:       c.Target.Method,
		URL:          c.Target.URL,
		Headers:      headers,
		Body:         c.Target.Body,
		Timeout:      timeout,
		ExpectStatus: append([]int(nil), c.Target.ExpectStatus...),
		Checks:       checks,
	}, nil
}

// ThresholdSet parses every threshold into a set. Metrics are visited in
// name order so results are reported deterministically.
func (c *TestConfig) ThresholdSet() (*threshold.Set, error) {
	metricNames := make([]string, 0, len(c.Thresholds))
	for name := range c.Thresholds {
		metricNames = append(metricNames, name)
	}
	sort.Strings(metricNames)

	var rules []threshold.Rule
	for _, metric := range metricNames {
		for _, tc := range c.Thresholds[metric] {
			rule, err := threshold.Parse(metric, tc.Threshold)
			if err != nil {
				return nil, err
			}
			delay, err := tc.DelayAbortEval.Parse()
			if err != nil {
				return nil, fmt.Errorf("threshold %q delayAbortEval: %w", tc.Threshold, err)
			}
			rule.AbortOnFail = tc.AbortOnFail
			rule.DelayAbortEval = delay
			rules = append(rules, rule)
		}
	}
	return threshold.NewSet(rules...), nil
}

// GracefulStopDuration returns the end-of-test drain deadline.
func (c *TestConfig) GracefulStopDuration() (time.Duration, error) {
	return c.GracefulStop.Parse()
}

// GracefulRampDownDuration returns the deadline for VUs retired by a
// ramp-down. Zero means no deadline.
func (c *TestConfig) GracefulRampDownDuration() (time.Duration, error) {
	return c.GracefulRampDown.Parse()
}

// EvaluationInterval returns how often abort thresholds are checked.
func (c *TestConfig) EvaluationInterval() (time.Duration, error) {
	return c.Options.EvaluationInterval.Parse()
}
