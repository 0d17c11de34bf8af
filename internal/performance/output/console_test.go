package output

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/engine"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/performance/threshold"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{1 * time.Second, "1.0s"},
		{1*time.Minute + 30*time.Second, "1m 30s"},
		{1*time.Hour + 2*time.Minute + 3*time.Second, "1h 02m 03s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatDuration(tt.duration)
			if result != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestFormatDurationShort(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{0, "0ms"},
		{500 * time.Microsecond, "500µs"},
		{50 * time.Millisecond, "50.00ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1.5m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatDurationShort(tt.duration)
			if result != tt.expected {
				t.Errorf("formatDurationShort(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		number   int64
		expected string
	}{
		{0, "0"},
		{100, "100"},
		{1000, "1,000"},
		{12345, "12,345"},
		{1234567, "1,234,567"},
		{-1500, "-1,500"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatNumber(tt.number)
			if result != tt.expected {
				t.Errorf("formatNumber(%d) = %q, want %q", tt.number, result, tt.expected)
			}
		})
	}
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"plain", "plain"},
		{"\033[32mgreen\033[0m", "green"},
		{"\033[1m\033[31mbold red\033[0m text", "bold red text"},
	}

	for _, tt := range tests {
		if got := stripANSI(tt.input); got != tt.expected {
			t.Errorf("stripANSI(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestRenderProgressBar(t *testing.T) {
	assert.Equal(t, "["+strings.Repeat(progressEmpty, 10)+"]", renderProgressBar(-1, 10))
	assert.Equal(t, "["+strings.Repeat(progressFilled, 5)+strings.Repeat(progressEmpty, 5)+"]", renderProgressBar(0.5, 10))
	assert.Equal(t, "["+strings.Repeat(progressFilled, 10)+"]", renderProgressBar(2, 10))
}

func sampleResult(passed bool) *engine.TestResult {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	res := &engine.TestResult{
		ID:        "4f1c2f4e-0000-4000-8000-000000000000",
		Name:      "homepage",
		StartTime: start,
		EndTime:   start.Add(25 * time.Second),
		Duration:  25 * time.Second,
		Passed:    passed,
		Metrics: map[string]metrics.Stats{
			metrics.HTTPReqs: {Name: metrics.HTTPReqs, Kind: metrics.Counter, Count: 1200, Value: 1200, Rate: 48},
			metrics.HTTPReqFailed: {Name: metrics.HTTPReqFailed, Kind: metrics.Rate, Count: 1200, NonZero: 12, Rate: 0.01},
			metrics.HTTPReqDuration: {
				Name: metrics.HTTPReqDuration, Kind: metrics.Trend, Count: 1188,
				Min: 48 * time.Millisecond, Max: 120 * time.Millisecond, Mean: 52 * time.Millisecond,
				P50: 51 * time.Millisecond, P90: 55 * time.Millisecond, P95: 60 * time.Millisecond, P99: 90 * time.Millisecond,
			},
		},
		Thresholds: []threshold.Result{
			{Metric: metrics.HTTPReqDuration, Expression: "p(95)<500", Status: threshold.StatusPass, Actual: 60},
		},
		Run: &performance.RunResult{State: performance.StateFinished, PeakVUs: 50, Iterations: 1200},
	}
	if !passed {
		res.Thresholds = append(res.Thresholds,
			threshold.Result{Metric: metrics.HTTPReqFailed, Expression: "rate<0.001", Status: threshold.StatusFail, Actual: 0.01, Message: "rate is 0.01, threshold: < 0.001"},
			threshold.Result{Metric: metrics.IterationDuration, Expression: "avg<100", Status: threshold.StatusNoData, Message: "insufficient data: no observations recorded"},
		)
	}
	return res
}

func TestPrintSummary_Passed(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})
	assert.False(t, c.IsTTY())

	c.PrintSummary(sampleResult(true))

	out := buf.String()
	assert.NotContains(t, out, "\033[", "colors must be off for non-terminal writers")
	assert.Contains(t, out, "homepage - Completed ✓")
	assert.Contains(t, out, "peak 50, 1,200 iterations")
	assert.Contains(t, out, "count=1,188 avg=")
	assert.Contains(t, out, "p(95)=60.00ms")
	assert.Contains(t, out, "1.00% (12 of 1,200)")
	assert.Contains(t, out, "✓ http_req_duration p(95)<500 (actual: 60.00ms)")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "PASSED"))
}

func TestPrintSummary_Failed(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})

	res := sampleResult(false)
	res.Degraded = true
	res.Run.ForcedStops = 3
	c.PrintSummary(res)

	out := buf.String()
	assert.Contains(t, out, "homepage - Failed ✗")
	assert.Contains(t, out, "✗ http_req_failed rate<0.001 (rate is 0.01, threshold: < 0.001)")
	assert.Contains(t, out, "? iteration_duration avg<100 (no data)")
	assert.Contains(t, out, "Degraded:   3 virtual users")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "FAILED"))
}

func TestPrintSummary_Quiet(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, Quiet: true})

	c.PrintHeader("homepage", "http://localhost/", mustPlan(t))
	c.Update(LiveStats{Progress: 0.5})
	c.PrintSummary(sampleResult(false))

	assert.Equal(t, "FAILED\n", buf.String())
}

func TestPrintSummary_ForceColors(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, ForceColors: true})

	c.PrintSummary(sampleResult(true))
	assert.Contains(t, buf.String(), "\033[")
}

func mustPlan(t *testing.T) *performance.Plan {
	t.Helper()
	plan, err := performance.NewPlan([]performance.Stage{
		{Duration: 10 * time.Second, Target: 50},
		{Duration: 10 * time.Second, Target: 50, Name: "hold"},
		{Duration: 5 * time.Second, Target: 0},
	})
	require.NoError(t, err)
	return plan
}

func TestPrintHeader(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})

	c.PrintHeader("homepage", "http://localhost:8080/", mustPlan(t))

	out := buf.String()
	assert.Contains(t, out, "homepage - Running")
	assert.Contains(t, out, "Duration:  25.0s, up to 50 VUs")
	assert.Contains(t, out, "stage 1: 10.0s to 50 VUs (ramp-up)")
	assert.Contains(t, out, "stage 2: 10.0s to 50 VUs (hold)")
	assert.Contains(t, out, "stage 3: 5.0s to 0 VUs (ramp-down)")
}

func TestUpdate(t *testing.T) {
	stats := LiveStats{
		Progress: 0.25, Elapsed: 5 * time.Second, Total: 20 * time.Second,
		ActiveVUs: 25, TargetVUs: 25,
		State: performance.StateRamping, Stage: 1, TotalStages: 3, Phase: performance.PhaseRampUp,
		Requests: 1500, RPS: 300, ErrorRate: 0.02, LatencyP95: 55 * time.Millisecond,
	}

	t.Run("non-terminal prints one line per update", func(t *testing.T) {
		var buf bytes.Buffer
		c := NewConsole(ConsoleConfig{Writer: &buf})
		c.Update(stats)
		c.Update(stats)

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		assert.True(t, strings.HasPrefix(lines[0], "[5.0s] "))
		assert.Contains(t, lines[0], "ramp-up 1/3")
		assert.Contains(t, lines[0], "VUs 25/25")
		assert.Contains(t, lines[0], "reqs 1,500")
		assert.Contains(t, lines[0], "errors 2.0%")
		assert.Contains(t, lines[0], "p95 55.00ms")
	})

	t.Run("terminal redraws in place", func(t *testing.T) {
		var buf bytes.Buffer
		c := NewConsole(ConsoleConfig{Writer: &buf, ForceTTY: true})
		c.Update(stats)
		c.Update(stats)

		out := buf.String()
		assert.Equal(t, 2, strings.Count(out, clearLine))
		assert.NotContains(t, out, "\n")

		c.PrintSummary(sampleResult(true))
		assert.Equal(t, 3, strings.Count(buf.String(), clearLine))
	})

	t.Run("draining", func(t *testing.T) {
		var buf bytes.Buffer
		c := NewConsole(ConsoleConfig{Writer: &buf})
		draining := stats
		draining.State = performance.StateDraining
		c.Update(draining)
		assert.Contains(t, buf.String(), "| draining |")
	})
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleResult(false)))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	assert.Equal(t, "homepage", decoded["name"])
	assert.Equal(t, false, decoded["passed"])

	ms := decoded["metrics"].(map[string]interface{})
	failed := ms[metrics.HTTPReqFailed].(map[string]interface{})
	assert.Equal(t, "rate", failed["kind"])

	ths := decoded["thresholds"].([]interface{})
	require.Len(t, ths, 3)
	assert.Equal(t, "no_data", ths[2].(map[string]interface{})["status"])

	run := decoded["run"].(map[string]interface{})
	assert.Equal(t, "finished", run["state"])

	assert.Error(t, WriteJSON(&buf, nil))
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "summary.json")
	require.NoError(t, WriteJSONFile(path, sampleResult(true)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"name": "homepage"`)
}
