package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/wesleyorama2/surge/internal/performance/threshold"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a *ValidationErrors containing every problem
// found.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	validateTarget(&c.Target, errs)
	validateStages(c.Stages, errs)

	if c.Pacing != nil {
		validatePacing("pacing", c.Pacing, errs)
	}

	validateNonNegativeDuration("gracefulRampDown", c.GracefulRampDown, errs)
	validateNonNegativeDuration("gracefulStop", c.GracefulStop, errs)

	validateThresholds(c.Thresholds, errs)
	validateOptions(&c.Options, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// validateTarget validates the request under test.
func validateTarget(t *TargetConfig, errs *ValidationErrors) {
	const prefix = "target"

	if t.URL == "" {
		errs.Add(prefix+".url", "url is required")
	} else if u, err := url.Parse(t.URL); err != nil {
		errs.Add(prefix+".url", fmt.Sprintf("invalid URL: %v", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs.Add(prefix+".url", fmt.Sprintf("url must be absolute with scheme http or https, got %q", t.URL))
	} else if u.Host == "" {
		errs.Add(prefix+".url", "url must include a host")
	}

	if t.Method != "" && !validMethods[strings.ToUpper(t.Method)] {
		errs.Add(prefix+".method", fmt.Sprintf("invalid HTTP method: %s", t.Method))
	}

	if t.Timeout != "" {
		if d, err := t.Timeout.Parse(); err != nil {
			errs.Add(prefix+".timeout", fmt.Sprintf("invalid timeout: %v", err))
		} else if d <= 0 {
			errs.Add(prefix+".timeout", "timeout must be greater than 0")
		}
	}

	for i, code := range t.ExpectStatus {
		if code < 100 || code > 599 {
			errs.Add(fmt.Sprintf("%s.expectStatus[%d]", prefix, i), fmt.Sprintf("invalid status code: %d", code))
		}
	}

	for i, check := range t.Checks {
		if strings.TrimSpace(check.Path) == "" {
			errs.Add(fmt.Sprintf("%s.checks[%d].path", prefix, i), "path is required")
		}
	}
}

// validateStages validates the ramp profile as a whole.
func validateStages(stages []StageConfig, errs *ValidationErrors) {
	if len(stages) == 0 {
		errs.Add("stages", "at least one stage is required")
		return
	}

	var total time.Duration
	valid := true
	for i, stage := range stages {
		d, ok := validateStage(fmt.Sprintf("stages[%d]", i), &stage, errs)
		valid = valid && ok
		total += d
	}

	if valid && total <= 0 {
		errs.Add("stages", "total duration of all stages must be greater than 0")
	}
}

// validateStage validates a single stage configuration.
func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) (time.Duration, bool) {
	ok := true
	var d time.Duration

	if stage.Duration == "" {
		errs.Add(prefix+".duration", "duration is required")
		ok = false
	} else if parsed, err := stage.Duration.Parse(); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
		ok = false
	} else if parsed < 0 {
		errs.Add(prefix+".duration", "duration cannot be negative")
		ok = false
	} else {
		d = parsed
	}

	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
		ok = false
	}

	return d, ok
}

// validatePacing validates pacing configuration.
func validatePacing(prefix string, pacing *PacingConfig, errs *ValidationErrors) {
	validTypes := map[string]bool{
		"none": true, "constant": true, "random": true,
	}

	if pacing.Type != "" && !validTypes[pacing.Type] {
		errs.Add(prefix+".type", fmt.Sprintf("invalid pacing type: %s", pacing.Type))
	}

	switch pacing.Type {
	case "constant":
		if pacing.Duration == "" {
			errs.Add(prefix+".duration", "duration is required for constant pacing")
		} else if d, err := pacing.Duration.Parse(); err != nil {
			errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
		} else if d < 0 {
			errs.Add(prefix+".duration", "duration cannot be negative")
		}

	case "random":
		minDur, minOK := requiredDuration(prefix+".min", "min is required for random pacing", pacing.Min, errs)
		maxDur, maxOK := requiredDuration(prefix+".max", "max is required for random pacing", pacing.Max, errs)

		if minOK && maxOK && minDur > maxDur {
			errs.Add(prefix, "min must be less than or equal to max")
		}
	}
}

func requiredDuration(field, missing string, value Duration, errs *ValidationErrors) (time.Duration, bool) {
	if value == "" {
		errs.Add(field, missing)
		return 0, false
	}
	d, err := value.Parse()
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration: %v", err))
		return 0, false
	}
	if d < 0 {
		errs.Add(field, "duration cannot be negative")
		return 0, false
	}
	return d, true
}

func validateNonNegativeDuration(field string, value Duration, errs *ValidationErrors) {
	if value == "" {
		return
	}
	d, err := value.Parse()
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration: %v", err))
		return
	}
	if d < 0 {
		errs.Add(field, "duration cannot be negative")
	}
}

// validateThresholds checks every expression parses and names a metric
// that exists with a statistic its kind supports.
func validateThresholds(thresholds map[string][]ThresholdConfig, errs *ValidationErrors) {
	metricNames := make([]string, 0, len(thresholds))
	for name := range thresholds {
		metricNames = append(metricNames, name)
	}
	sort.Strings(metricNames)

	for _, metric := range metricNames {
		kind, known := threshold.Known(metric)
		if !known {
			errs.Add("thresholds."+metric, fmt.Sprintf("unknown metric: %s", metric))
			continue
		}

		for i, tc := range thresholds[metric] {
			field := fmt.Sprintf("thresholds.%s[%d]", metric, i)

			rule, err := threshold.Parse(metric, tc.Threshold)
			if err != nil {
				errs.Add(field, err.Error())
				continue
			}
			if !rule.Supports(kind) {
				errs.Add(field, fmt.Sprintf("%s is not available on %s metric %s", rule.Stat, kind, metric))
			}

			validateNonNegativeDuration(field+".delayAbortEval", tc.DelayAbortEval, errs)
		}
	}
}

func validateOptions(o *OptionsConfig, errs *ValidationErrors) {
	if o.MaxRPS < 0 {
		errs.Add("options.maxRPS", "maxRPS cannot be negative")
	}

	if o.EvaluationInterval != "" {
		if d, err := o.EvaluationInterval.Parse(); err != nil {
			errs.Add("options.evaluationInterval", fmt.Sprintf("invalid duration: %v", err))
		} else if d <= 0 {
			errs.Add("options.evaluationInterval", "evaluationInterval must be greater than 0")
		}
	}
}
