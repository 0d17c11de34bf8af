package config

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is reported in the default User-Agent. It is set at build time.
var Version = "0.1.0"

// Defaults applied by ApplyDefaults.
const (
	DefaultMethod             = http.MethodGet
	DefaultTimeout            = "30s"
	DefaultGracefulStop       = "30s"
	DefaultEvaluationInterval = "1s"
)

// DefaultUserAgent is sent when no user agent is configured.
func DefaultUserAgent() string {
	return "surge/" + Version
}

// LoadConfig loads a test configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
//
// The document is checked against the configuration schema before decoding.
// Semantic checks are left to Validate.
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data, path)
}

// ParseConfig parses configuration data.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	if err := ValidateStructure(data); err != nil {
		return nil, err
	}

	var config TestConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		// Try YAML by default
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config (unknown format %s): %w", ext, err)
		}
	}

	return &config, nil
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
//
// An empty string is zero.
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	// Try standard Go duration parsing first
	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	// Try parsing as integer seconds
	var seconds int
	var rest string
	if n, _ := fmt.Sscanf(s, "%d%s", &seconds, &rest); n == 1 {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ApplyDefaults fills unset optional fields.
func ApplyDefaults(config *TestConfig) {
	if config.Name == "" {
		config.Name = "surge"
	}

	if config.Target.Method == "" {
		config.Target.Method = DefaultMethod
	}
	config.Target.Method = strings.ToUpper(config.Target.Method)
	if len(config.Target.ExpectStatus) == 0 {
		config.Target.ExpectStatus = []int{http.StatusOK}
	}
	if config.Target.Timeout == "" {
		config.Target.Timeout = DefaultTimeout
	}

	if config.Pacing == nil {
		config.Pacing = &PacingConfig{Type: "none"}
	}
	if config.Pacing.Type == "" {
		config.Pacing.Type = "none"
	}

	if config.GracefulStop == "" {
		config.GracefulStop = DefaultGracefulStop
	}

	if config.Options.EvaluationInterval == "" {
		config.Options.EvaluationInterval = DefaultEvaluationInterval
	}
	if config.Options.UserAgent == "" {
		config.Options.UserAgent = DefaultUserAgent()
	}
}
