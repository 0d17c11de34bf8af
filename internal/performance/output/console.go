// Package output renders live progress and the final summary of a load test.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/engine"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/performance/threshold"
)

const (
	// clearLine returns the cursor to column 0 and clears the line
	clearLine = "\r\033[2K"

	boxHorizontal = "━"

	progressFilled = "█"
	progressEmpty  = "░"

	markPass   = "✓"
	markFail   = "✗"
	markNoData = "?"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	// Progress tracking
	Progress float64 // 0.0 to 1.0
	Elapsed  time.Duration
	Total    time.Duration

	// VU stats
	ActiveVUs int
	TargetVUs int

	// Stage info
	State       performance.State
	Stage       int // 1-indexed
	TotalStages int
	Phase       performance.Phase

	// Request stats
	Requests  int64
	Errors    int64
	ErrorRate float64
	RPS       float64

	// Latency stats
	LatencyP95 time.Duration
	LatencyAvg time.Duration
}

// StatsFrom reads live statistics from a running engine.
func StatsFrom(eng *engine.Engine) LiveStats {
	sched := eng.Scheduler()
	plan := sched.Plan()
	elapsed := sched.Elapsed()
	target, stage := plan.TargetAt(elapsed)

	stats := LiveStats{
		Progress:    sched.Progress(),
		Elapsed:     elapsed,
		Total:       plan.TotalDuration(),
		ActiveVUs:   sched.ActiveVUs(),
		TargetVUs:   target,
		State:       sched.State(),
		Stage:       stage + 1,
		TotalStages: len(plan.Stages()),
		Phase:       plan.PhaseOf(stage),
	}

	snapshot := eng.Snapshot()
	if reqs, ok := snapshot[metrics.HTTPReqs]; ok {
		stats.Requests = reqs.Value
		stats.RPS = reqs.Rate
	}
	if failed, ok := snapshot[metrics.HTTPReqFailed]; ok {
		stats.Errors = failed.NonZero
		stats.ErrorRate = failed.Rate
	}
	if d, ok := snapshot[metrics.HTTPReqDuration]; ok {
		stats.LatencyP95 = d.P95
		stats.LatencyAvg = d.Mean
	}
	return stats
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer io.Writer
	Quiet  bool

	// ForceColors enables colors even when not writing to a terminal
	ForceColors bool

	// NoColor disables colors, overriding ForceColors
	NoColor bool

	// ForceTTY renders the single-line live display even when not writing
	// to a terminal
	ForceTTY bool
}

// Console manages console output during test execution. On a terminal the
// progress line is redrawn in place; otherwise each update is a new line.
type Console struct {
	writer    io.Writer
	isTTY     bool
	useColors bool
	quiet     bool

	mu       sync.Mutex
	liveLine bool

	cyan, bold, dim, green, yellow, red, magenta, blue *color.Color
}

// NewConsole creates a new console output handler.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	isTTY := cfg.ForceTTY || isTerminal(cfg.Writer)
	c := &Console{
		writer:    cfg.Writer,
		isTTY:     isTTY,
		useColors: !cfg.NoColor && (cfg.ForceColors || (isTTY && supportsColors())),
		quiet:     cfg.Quiet,
	}

	c.cyan = c.newColor(color.FgCyan)
	c.bold = c.newColor(color.Bold)
	c.dim = c.newColor(color.Faint)
	c.green = c.newColor(color.FgGreen)
	c.yellow = c.newColor(color.FgYellow)
	c.red = c.newColor(color.FgRed, color.Bold)
	c.magenta = c.newColor(color.FgMagenta)
	c.blue = c.newColor(color.FgBlue)
	return c
}

func (c *Console) newColor(attrs ...color.Attribute) *color.Color {
	col := color.New(attrs...)
	if c.useColors {
		col.EnableColor()
	} else {
		col.DisableColor()
	}
	return col
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the test header.
func (c *Console) PrintHeader(name, url string, plan *performance.Plan) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	c.writeln(c.cyan.Sprint(line))
	c.writeln(c.bold.Sprintf("%s - Running", name))
	c.writeln(c.cyan.Sprint(line))
	c.writeln(fmt.Sprintf("Target:    %s", url))
	c.writeln(fmt.Sprintf("Duration:  %s, up to %d VUs", formatDuration(plan.TotalDuration()), plan.MaxTarget()))
	for i, s := range plan.Stages() {
		label := s.Name
		if label == "" {
			label = string(plan.PhaseOf(i))
		}
		c.writeln(c.dim.Sprintf("  stage %d: %s to %d VUs (%s)", i+1, formatDuration(s.Duration), s.Target, label))
	}
	c.writeln("")
}

// Update renders one progress update. Terminals get a single line redrawn
// in place; other writers get one line per update.
func (c *Console) Update(stats LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := c.renderLiveStats(stats)
	if c.isTTY {
		c.write(clearLine + line)
		c.liveLine = true
		return
	}
	c.writeln(fmt.Sprintf("[%s] %s", formatDuration(stats.Elapsed), stripANSI(line)))
}

func (c *Console) renderLiveStats(stats LiveStats) string {
	errColor := c.green
	if stats.ErrorRate > 0.01 {
		errColor = c.yellow
	}
	if stats.ErrorRate > 0.05 {
		errColor = c.red
	}

	stage := fmt.Sprintf("%s %d/%d", stats.Phase, stats.Stage, stats.TotalStages)
	if stats.State == performance.StateDraining {
		stage = "draining"
	}

	return fmt.Sprintf("%s %s | %s | VUs %s/%d | reqs %s | %s rps | errors %s | p95 %s",
		c.green.Sprint(renderProgressBar(stats.Progress, 20)),
		c.bold.Sprintf("%3.0f%%", stats.Progress*100),
		c.magenta.Sprint(stage),
		c.cyan.Sprintf("%d", stats.ActiveVUs), stats.TargetVUs,
		c.cyan.Sprint(formatNumber(stats.Requests)),
		c.green.Sprintf("%.1f", stats.RPS),
		errColor.Sprintf("%.1f%%", stats.ErrorRate*100),
		c.blue.Sprint(formatDurationShort(stats.LatencyP95)))
}

// renderProgressBar renders a progress bar.
func renderProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	filled := int(progress * float64(width))
	empty := width - filled

	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, empty) + "]"
}

// PrintSummary prints the final test summary.
func (c *Console) PrintSummary(result *engine.TestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLine {
		c.write(clearLine)
		c.liveLine = false
	}

	if c.quiet {
		c.writeln(c.verdict(result.Passed))
		return
	}

	line := strings.Repeat(boxHorizontal, 56)
	status := c.green.Sprint("Completed " + markPass)
	if !result.Passed {
		status = c.red.Sprint("Failed " + markFail)
	}

	c.writeln("")
	c.writeln(c.cyan.Sprint(line))
	c.writeln(fmt.Sprintf("%s - %s", c.bold.Sprint(result.Name), status))
	c.writeln(c.cyan.Sprint(line))
	c.writeln("")

	c.writeln(fmt.Sprintf("Run:        %s", c.dim.Sprint(result.ID)))
	c.writeln(fmt.Sprintf("Duration:   %s", c.cyan.Sprint(formatDuration(result.Duration))))
	if result.Run != nil {
		c.writeln(fmt.Sprintf("VUs:        peak %s, %s iterations",
			c.cyan.Sprintf("%d", result.Run.PeakVUs),
			c.cyan.Sprint(formatNumber(result.Run.Iterations))))
	}
	if result.Aborted {
		c.writeln(c.red.Sprintf("Aborted:    %s", result.AbortReason))
	}
	if result.Cancelled {
		c.writeln(c.yellow.Sprint("Cancelled:  run was interrupted, results are partial"))
	}
	if result.Degraded {
		forced := int64(0)
		if result.Run != nil {
			forced = result.Run.ForcedStops
		}
		c.writeln(c.yellow.Sprintf("Degraded:   %d virtual users did not stop within the graceful stop period", forced))
	}
	c.writeln("")

	c.writeln(c.bold.Sprint("Metrics:"))
	names := make([]string, 0, len(result.Metrics))
	for name := range result.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.writeln("  " + c.formatMetric(result.Metrics[name]))
	}
	c.writeln("")

	if len(result.Thresholds) > 0 {
		c.writeln(c.bold.Sprint("Thresholds:"))
		for _, t := range result.Thresholds {
			c.writeln("  " + c.formatThreshold(t, result.Metrics[t.Metric]))
		}
		c.writeln("")
	}

	c.writeln(c.verdict(result.Passed))
}

func (c *Console) verdict(passed bool) string {
	if passed {
		return c.green.Sprint("PASSED")
	}
	return c.red.Sprint("FAILED")
}

func (c *Console) formatMetric(st metrics.Stats) string {
	name := fmt.Sprintf("%-20s", st.Name)
	switch st.Kind {
	case metrics.Trend:
		if !st.HasData() {
			return name + c.dim.Sprint("no data")
		}
		return name + fmt.Sprintf("count=%s avg=%s min=%s med=%s p(90)=%s p(95)=%s p(99)=%s max=%s",
			formatNumber(st.Count), formatDurationShort(st.Mean), formatDurationShort(st.Min), formatDurationShort(st.P50),
			formatDurationShort(st.P90), formatDurationShort(st.P95), formatDurationShort(st.P99),
			formatDurationShort(st.Max))
	case metrics.Rate:
		rateColor := c.green
		if st.Rate > 0 {
			rateColor = c.yellow
		}
		return name + fmt.Sprintf("%s (%s of %s)",
			rateColor.Sprintf("%.2f%%", st.Rate*100), formatNumber(st.NonZero), formatNumber(st.Count))
	default:
		return name + fmt.Sprintf("%s %s", formatNumber(st.Value), c.dim.Sprintf("%.1f/s", st.Rate))
	}
}

func (c *Console) formatThreshold(r threshold.Result, st metrics.Stats) string {
	var mark string
	switch r.Status {
	case threshold.StatusPass:
		mark = c.green.Sprint(markPass)
	case threshold.StatusNoData:
		mark = c.yellow.Sprint(markNoData)
	default:
		mark = c.red.Sprint(markFail)
	}

	text := fmt.Sprintf("%s %s %s", mark, r.Metric, r.Expression)
	switch r.Status {
	case threshold.StatusNoData:
		return text + c.yellow.Sprint(" (no data)")
	case threshold.StatusFail:
		if r.Message != "" {
			return text + c.red.Sprintf(" (%s)", r.Message)
		}
	}
	return text + c.dim.Sprintf(" (actual: %s)", formatActual(r, st))
}

// formatActual renders a threshold's observed value. Duration statistics
// are reported in milliseconds.
func formatActual(r threshold.Result, st metrics.Stats) string {
	stat := r.Expression
	if st.Kind == metrics.Trend && !strings.HasPrefix(stat, "count") {
		return formatDurationShort(time.Duration(r.Actual * float64(time.Millisecond)))
	}
	return fmt.Sprintf("%g", r.Actual)
}

// write writes to the output without a newline.
func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

// writeln writes to the output with a newline.
func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a latency.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
