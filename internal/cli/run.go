package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/performance/config"
	"github.com/wesleyorama2/surge/internal/performance/engine"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/performance/output"
)

// defaultStages is used in quick mode when --stages is not given.
const defaultStages = "30s:10"

func (a *app) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config]",
		Short: "Run a load test",
		Long: `Run a load test from a YAML or JSON configuration file, or build one from
flags. Flags override the matching settings of a configuration file.

Config file mode:
  surge run test.yaml

Quick mode:
  surge run --url https://api.example.com/health \
    --stages "30s:10,2m:10,30s:0" \
    --pacing 100ms \
    --threshold 'http_req_duration=p(95)<500' \
    --threshold 'http_req_failed=rate<0.01'

Exit codes: 0 passed, 1 error, 99 thresholds failed, 104 invalid
configuration, 105 interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			thresholds, _ := cmd.Flags().GetStringArray("threshold")
			return a.runTest(cmd.Context(), path, thresholds)
		},
	}

	f := cmd.Flags()
	f.String("url", "", "URL to test (quick mode, or overrides target.url)")
	f.StringP("method", "X", "", "HTTP method")
	f.String("stages", "", "Stages as 'duration:target,...', e.g. \"10s:50,10s:50,5s:0\"")
	f.String("pacing", "", "Wait between iterations: a duration, 'min-max' for random pacing, or 'none'")
	f.StringArray("threshold", nil, "Threshold as 'metric=expression', may be repeated")
	f.String("graceful-stop", "", "How long VUs may finish when the test ends")
	f.String("graceful-ramp-down", "", "How long VUs removed by a ramp-down may finish")
	f.Float64("max-rps", 0, "Cap the combined request rate of all VUs (0 = unlimited)")
	f.Bool("insecure", false, "Skip TLS certificate verification")
	f.String("summary-export", "", "Write the JSON summary to this file ('-' for stdout)")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address during the run, e.g. :9090")
	f.BoolP("quiet", "q", false, "Disable live progress output, show only the verdict")

	return cmd
}

// runTest is the body of `surge run`.
func (a *app) runTest(parent context.Context, path string, thresholds []string) error {
	cfg, err := a.buildConfig(path, thresholds)
	if err != nil {
		return err
	}

	logger, err := a.logger()
	if err != nil {
		return withCode(ExitError, err)
	}
	defer func() { _ = logger.Sync() }()

	eng, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		var verrs *config.ValidationErrors
		if errors.As(err, &verrs) {
			return withCode(ExitInvalidConfig, err)
		}
		return withCode(ExitError, err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := a.v.GetString("metrics-addr"); addr != "" {
		shutdown, err := serveMetrics(addr, eng.Aggregator(), logger)
		if err != nil {
			return withCode(ExitError, err)
		}
		defer shutdown()
	}

	console := output.NewConsole(output.ConsoleConfig{
		Writer:  a.stdout,
		Quiet:   a.v.GetBool("quiet"),
		NoColor: a.v.GetBool("no-color"),
	})
	console.PrintHeader(cfg.Name, cfg.Target.URL, eng.Scheduler().Plan())

	progressDone := make(chan struct{})
	progressStopped := make(chan struct{})
	go func() {
		defer close(progressStopped)
		interval := 5 * time.Second
		if console.IsTTY() {
			interval = 250 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-progressDone:
				return
			case <-ticker.C:
				if eng.IsRunning() {
					console.Update(output.StatsFrom(eng))
				}
			}
		}
	}()

	result, runErr := eng.Run(ctx)
	close(progressDone)
	<-progressStopped

	if runErr != nil {
		return withCode(ExitError, runErr)
	}

	console.PrintSummary(result)

	switch exportPath := a.v.GetString("summary-export"); exportPath {
	case "":
	case "-":
		if err := output.WriteJSON(a.stdout, result); err != nil {
			return withCode(ExitError, err)
		}
	default:
		if err := output.WriteJSONFile(exportPath, result); err != nil {
			return withCode(ExitError, err)
		}
	}

	switch {
	case result.Cancelled:
		return withCode(ExitAborted, nil)
	case !result.Passed:
		return withCode(ExitThresholdsFailed, nil)
	}
	return nil
}

// buildConfig loads path, or starts from an empty configuration in quick
// mode, and applies flag overrides.
func (a *app) buildConfig(path string, thresholds []string) (*config.TestConfig, error) {
	cfg := &config.TestConfig{}

	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return nil, withCode(ExitError, err)
			}
			return nil, withCode(ExitInvalidConfig, err)
		}
		cfg = loaded
	} else {
		if a.v.GetString("url") == "" {
			return nil, withCode(ExitInvalidConfig, fmt.Errorf("either a config file or --url is required"))
		}
		cfg.Name = "quick test"
		cfg.Description = fmt.Sprintf("Test generated from flags for %s", a.v.GetString("url"))
		if !a.v.IsSet("stages") {
			stages, _ := parseStages(defaultStages)
			cfg.Stages = stages
		}
	}

	if err := a.applyOverrides(cfg, thresholds); err != nil {
		return nil, withCode(ExitInvalidConfig, err)
	}
	return cfg, nil
}

func (a *app) applyOverrides(cfg *config.TestConfig, thresholds []string) error {
	v := a.v

	if v.IsSet("url") {
		cfg.Target.URL = v.GetString("url")
	}
	if v.IsSet("method") {
		cfg.Target.Method = v.GetString("method")
	}
	if v.IsSet("stages") {
		stages, err := parseStages(v.GetString("stages"))
		if err != nil {
			return fmt.Errorf("invalid stages format: %w", err)
		}
		cfg.Stages = stages
	}
	if v.IsSet("pacing") {
		pacing, err := parsePacing(v.GetString("pacing"))
		if err != nil {
			return fmt.Errorf("invalid pacing: %w", err)
		}
		cfg.Pacing = pacing
	}
	if len(thresholds) > 0 {
		parsed, err := parseThresholds(thresholds)
		if err != nil {
			return err
		}
		if cfg.Thresholds == nil {
			cfg.Thresholds = make(map[string][]config.ThresholdConfig)
		}
		for metric, list := range parsed {
			cfg.Thresholds[metric] = append(cfg.Thresholds[metric], list...)
		}
	}
	if v.IsSet("graceful-stop") {
		cfg.GracefulStop = config.Duration(v.GetString("graceful-stop"))
	}
	if v.IsSet("graceful-ramp-down") {
		cfg.GracefulRampDown = config.Duration(v.GetString("graceful-ramp-down"))
	}
	if v.IsSet("max-rps") {
		cfg.Options.MaxRPS = v.GetFloat64("max-rps")
	}
	if v.IsSet("insecure") {
		cfg.Options.InsecureSkipVerify = v.GetBool("insecure")
	}
	return nil
}

// parseStages parses stages from CLI format "30s:10,2m:10,30s:0".
func parseStages(stagesStr string) ([]config.StageConfig, error) {
	var stages []config.StageConfig

	parts := strings.Split(stagesStr, ",")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		colonIdx := strings.LastIndex(part, ":")
		if colonIdx == -1 {
			return nil, fmt.Errorf("stage %d: expected 'duration:target' format, got '%s'", i+1, part)
		}

		durationStr := part[:colonIdx]
		targetStr := part[colonIdx+1:]

		if _, err := config.ParseDurationString(durationStr); err != nil {
			return nil, fmt.Errorf("stage %d: invalid duration '%s': %w", i+1, durationStr, err)
		}

		target, err := strconv.Atoi(targetStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target '%s': %w", i+1, targetStr, err)
		}

		stages = append(stages, config.StageConfig{
			Duration: config.Duration(durationStr),
			Target:   target,
			Name:     fmt.Sprintf("stage-%d", i+1),
		})
	}

	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}

	return stages, nil
}

// parsePacing parses "100ms" (constant), "100ms-500ms" (random) or "none".
func parsePacing(s string) (*config.PacingConfig, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "none" || s == "0" {
		return &config.PacingConfig{Type: "none"}, nil
	}

	if minStr, maxStr, ok := strings.Cut(s, "-"); ok && minStr != "" {
		for _, d := range []string{minStr, maxStr} {
			if _, err := config.ParseDurationString(d); err != nil {
				return nil, err
			}
		}
		return &config.PacingConfig{Type: "random", Min: config.Duration(minStr), Max: config.Duration(maxStr)}, nil
	}

	if _, err := config.ParseDurationString(s); err != nil {
		return nil, err
	}
	return &config.PacingConfig{Type: "constant", Duration: config.Duration(s)}, nil
}

// parseThresholds parses repeated "metric=expression" flags.
func parseThresholds(flags []string) (map[string][]config.ThresholdConfig, error) {
	out := make(map[string][]config.ThresholdConfig)
	for _, f := range flags {
		metric, expr, ok := strings.Cut(f, "=")
		metric = strings.TrimSpace(metric)
		expr = strings.TrimSpace(expr)
		if !ok || metric == "" || expr == "" {
			return nil, fmt.Errorf("invalid threshold %q: expected 'metric=expression'", f)
		}
		out[metric] = append(out[metric], config.ThresholdConfig{Threshold: expr})
	}
	return out, nil
}

// serveMetrics exposes the aggregator to Prometheus until the returned
// function is called.
func serveMetrics(addr string, agg *metrics.Aggregator, logger *zap.Logger) (func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(agg, "surge"),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}
