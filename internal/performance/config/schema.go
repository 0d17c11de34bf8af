// Package config provides configuration parsing and validation for load tests.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TestConfig is the root configuration for a load test.
//
// Example YAML:
//
//	name: homepage
//	target:
//	  url: http://localhost:8080/
//	  expectStatus: [200]
//	stages:
//	  - {duration: 10s, target: 50}
//	  - {duration: 10s, target: 50}
//	  - {duration: 5s, target: 0}
//	pacing: {type: constant, duration: 100ms}
//	thresholds:
//	  http_req_duration: ["p(95)<500"]
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Target is the request every iteration performs
	Target TargetConfig `json:"target" yaml:"target"`

	// Stages defines the VU ramp profile
	Stages []StageConfig `json:"stages" yaml:"stages"`

	// Pacing controls time between iterations of one VU
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`

	// GracefulRampDown is how long a VU removed by a ramp-down may finish
	// its iteration. Empty or "0s" waits for the iteration to complete.
	GracefulRampDown Duration `json:"gracefulRampDown,omitempty" yaml:"gracefulRampDown,omitempty"`

	// GracefulStop is how long VUs may finish when the test ends or is
	// cancelled
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Thresholds define pass/fail criteria keyed by metric name
	Thresholds map[string][]ThresholdConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Options for test execution
	Options OptionsConfig `json:"options,omitempty" yaml:"options,omitempty"`
}

// TargetConfig defines the HTTP request under test.
type TargetConfig struct {
	// URL is the absolute http or https URL
	URL string `json:"url" yaml:"url"`

	// Method is the HTTP method (GET, POST, PUT, DELETE, etc.)
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// Headers are sent with every request
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is the request body
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// Timeout bounds a single request (e.g., "10s")
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ExpectStatus lists the status codes counted as success
	ExpectStatus []int `json:"expectStatus,omitempty" yaml:"expectStatus,omitempty"`

	// Checks validate fields of a JSON response body
	Checks []CheckConfig `json:"checks,omitempty" yaml:"checks,omitempty"`
}

// CheckConfig validates one field of a JSON response body.
type CheckConfig struct {
	// Path is a gjson path (e.g., "data.items.#")
	Path string `json:"path" yaml:"path"`

	// Equals is the expected value; omit to only require the path to exist
	Equals Scalar `json:"equals,omitempty" yaml:"equals,omitempty"`
}

// Scalar is a string that also accepts bare JSON numbers and booleans, so
// `equals: 3` reads the same from YAML and JSON.
type Scalar string

// UnmarshalJSON implements json.Unmarshaler.
func (s *Scalar) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = Scalar(str)
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v.(type) {
	case float64, bool:
		*s = Scalar(string(b))
		return nil
	}
	return fmt.Errorf("expected a string, number or boolean, got %s", string(b))
}

// Duration is a duration setting such as "30s" or "2m". A bare integer,
// quoted or not, is a number of seconds.
type Duration string

// Parse converts d with ParseDurationString.
func (d Duration) Parse() (time.Duration, error) {
	return ParseDurationString(string(d))
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*d = Duration(str)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected a duration string or whole seconds, got %s", string(b))
	}
	*d = Duration(strconv.FormatInt(n, 10))
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a duration", node.Line)
	}
	*d = Duration(node.Value)
	return nil
}

// StageConfig defines a single stage of the ramp.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration Duration `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// PacingConfig controls pacing between iterations.
type PacingConfig struct {
	// Type is the pacing strategy: "none", "constant", "random"
	Type string `json:"type" yaml:"type"`

	// Duration is the wait time for constant pacing
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min is the minimum wait time for random pacing
	Min Duration `json:"min,omitempty" yaml:"min,omitempty"`

	// Max is the maximum wait time for random pacing
	Max Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// ThresholdConfig is one pass/fail criterion. In YAML and JSON it is either
// a bare expression string or an object:
//
//	http_req_failed:
//	  - "rate<0.05"
//	  - threshold: "rate<0.01"
//	    abortOnFail: true
//	    delayAbortEval: 10s
type ThresholdConfig struct {
	Threshold      string `json:"threshold" yaml:"threshold"`
	AbortOnFail    bool   `json:"abortOnFail,omitempty" yaml:"abortOnFail,omitempty"`
	DelayAbortEval Duration `json:"delayAbortEval,omitempty" yaml:"delayAbortEval,omitempty"`
}

type thresholdObject ThresholdConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *ThresholdConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*t = ThresholdConfig{Threshold: node.Value}
		return nil
	}
	var obj thresholdObject
	if err := node.Decode(&obj); err != nil {
		return err
	}
	*t = ThresholdConfig(obj)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *ThresholdConfig) UnmarshalJSON(b []byte) error {
	var expr string
	if err := json.Unmarshal(b, &expr); err == nil {
		*t = ThresholdConfig{Threshold: expr}
		return nil
	}
	var obj thresholdObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("threshold must be a string or an object: %w", err)
	}
	*t = ThresholdConfig(obj)
	return nil
}

// OptionsConfig controls test execution behavior.
type OptionsConfig struct {
	// MaxRPS caps the combined request rate of all VUs (0 = unlimited)
	MaxRPS float64 `json:"maxRPS,omitempty" yaml:"maxRPS,omitempty"`

	// EvaluationInterval is how often abort-on-fail thresholds are checked
	EvaluationInterval Duration `json:"evaluationInterval,omitempty" yaml:"evaluationInterval,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
}
