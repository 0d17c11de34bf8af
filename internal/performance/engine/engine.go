// Package engine runs a configured load test from start to verdict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/config"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/performance/sampler"
	"github.com/wesleyorama2/surge/internal/performance/threshold"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("engine has already been started")

// Engine is the orchestrator for one load test.
//
// It coordinates:
//   - Configuration validation and conversion
//   - The scheduler driving virtual users through the plan
//   - Metrics aggregation
//   - Periodic abort checks and the final threshold verdict
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("test.yaml")
//	eng, _ := engine.New(cfg)
//	result, _ := eng.Run(context.Background())
//	fmt.Printf("Test passed: %v\n", result.Passed)
type Engine struct {
	cfg       *config.TestConfig
	logger    *zap.Logger
	agg       *metrics.Aggregator
	set       *threshold.Set
	scheduler *performance.Scheduler

	sampler      sampler.Sampler
	client       sampler.Doer
	evalInterval time.Duration
	tickInterval time.Duration

	started atomic.Bool
	running atomic.Bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSampler replaces the HTTP sampler built from the target section.
func WithSampler(s sampler.Sampler) Option {
	return func(e *Engine) { e.sampler = s }
}

// WithHTTPClient sets the client used by the HTTP sampler.
func WithHTTPClient(c sampler.Doer) Option {
	return func(e *Engine) { e.client = c }
}

// WithTickInterval overrides how often the scheduler re-evaluates the plan.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) { e.tickInterval = d }
}

// TestResult contains the complete test results.
type TestResult struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	// Passed is true only if every threshold passed and nothing aborted
	// the run
	Passed bool `json:"passed"`

	// Aborted is set when an abort-on-fail threshold stopped the run
	Aborted     bool   `json:"aborted"`
	AbortReason string `json:"abortReason,omitempty"`

	// Cancelled is set when the caller's context ended the run early
	Cancelled bool `json:"cancelled"`

	// Degraded is set when VUs did not finish within the graceful stop
	// deadline and their work was cancelled
	Degraded bool `json:"degraded"`

	Metrics    map[string]metrics.Stats `json:"metrics"`
	Thresholds []threshold.Result       `json:"thresholds,omitempty"`
	Run        *performance.RunResult   `json:"run"`
}

// New validates cfg and prepares an engine. Defaults are applied to cfg in
// place. Configuration problems are returned wrapping
// *config.ValidationErrors, before any load is generated.
func New(cfg *config.TestConfig, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		cfg: cfg,
		agg: metrics.NewAggregator(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}

	plan, err := cfg.Plan()
	if err != nil {
		return nil, err
	}
	pacing, err := cfg.PacingPolicy()
	if err != nil {
		return nil, err
	}
	if e.set, err = cfg.ThresholdSet(); err != nil {
		return nil, err
	}
	if e.evalInterval, err = cfg.EvaluationInterval(); err != nil {
		return nil, err
	}
	gracefulStop, err := cfg.GracefulStopDuration()
	if err != nil {
		return nil, err
	}
	gracefulRampDown, err := cfg.GracefulRampDownDuration()
	if err != nil {
		return nil, err
	}

	if e.sampler == nil {
		if e.sampler, err = e.httpSampler(); err != nil {
			return nil, err
		}
	}

	e.scheduler, err = performance.NewScheduler(performance.Config{
		Plan:             plan,
		Pacing:           pacing,
		GracefulRampDown: gracefulRampDown,
		GracefulStop:     gracefulStop,
		MaxRPS:           cfg.Options.MaxRPS,
		TickInterval:     e.tickInterval,
		Logger:           e.logger,
	}, e.sampler, e.agg)
	if err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) httpSampler() (sampler.Sampler, error) {
	req, err := e.cfg.Request()
	if err != nil {
		return nil, err
	}

	if e.client == nil {
		clientCfg := sampler.DefaultClientConfig()
		clientCfg.Timeout = req.Timeout
		clientCfg.InsecureSkipVerify = e.cfg.Options.InsecureSkipVerify
		if n := e.maxVUs(); n > clientCfg.MaxIdleConnsPerHost {
			clientCfg.MaxIdleConns = n
			clientCfg.MaxIdleConnsPerHost = n
		}
		e.client = sampler.NewHTTPClient(clientCfg)
	}

	return sampler.NewHTTPSampler(e.client, req)
}

// maxVUs is the largest stage target, used to size the idle
// connection pool so every VU can keep its connection.
func (e *Engine) maxVUs() int {
	peak := 0
	for _, s := range e.cfg.Stages {
		if s.Target > peak {
			peak = s.Target
		}
	}
	return peak
}

// Run executes the test and blocks until the verdict is known.
//
// Cancelling ctx stops the ramp and drains VUs within the graceful stop
// deadline; the partial results are still evaluated and returned.
func (e *Engine) Run(ctx context.Context) (*TestResult, error) {
	if !e.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	e.running.Store(true)
	defer e.running.Store(false)

	id := uuid.NewString()
	logger := e.logger.With(zap.String("run", id))
	logger.Info("starting load test",
		zap.String("name", e.cfg.Name),
		zap.String("url", e.cfg.Target.URL),
		zap.Duration("duration", e.scheduler.Plan().TotalDuration()),
		zap.Int("maxVUs", e.scheduler.Plan().MaxTarget()),
		zap.Int("thresholds", e.set.Len()))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var (
		runResult *performance.RunResult
		aborted   atomic.Pointer[threshold.Result]
	)
	finished := make(chan struct{})

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(finished)
		res, err := e.scheduler.Run(runCtx)
		if err != nil {
			return err
		}
		runResult = res
		return nil
	})

	if e.hasAbortRules() {
		g.Go(func() error {
			ticker := time.NewTicker(e.evalInterval)
			defer ticker.Stop()

			for {
				select {
				case <-finished:
					return nil
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					res, abort := e.set.ShouldAbort(e.agg.Snapshot(), e.agg.Elapsed())
					if !abort {
						continue
					}
					aborted.Store(&res)
					logger.Warn("threshold crossed, aborting run",
						zap.String("metric", res.Metric),
						zap.String("threshold", res.Expression),
						zap.String("reason", res.Message))
					cancelRun()
					return nil
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("run failed: %w", err)
	}

	snapshot := e.agg.Snapshot()
	verdict := e.set.Evaluate(snapshot)

	result := &TestResult{
		ID:          id,
		Name:        e.cfg.Name,
		Description: e.cfg.Description,
		StartTime:   runResult.StartTime,
		EndTime:     runResult.EndTime,
		Duration:    runResult.EndTime.Sub(runResult.StartTime),
		Passed:      verdict.Passed,
		Degraded:    runResult.Degraded,
		Metrics:     snapshot,
		Thresholds:  verdict.Results,
		Run:         runResult,
	}

	if res := aborted.Load(); res != nil {
		result.Aborted = true
		result.Passed = false
		result.AbortReason = fmt.Sprintf("%s %s: %s", res.Metric, res.Expression, res.Message)
	} else {
		result.Cancelled = runResult.Cancelled
	}

	logger.Info("load test finished",
		zap.Bool("passed", result.Passed),
		zap.Bool("aborted", result.Aborted),
		zap.Bool("cancelled", result.Cancelled),
		zap.Bool("degraded", result.Degraded),
		zap.Int64("iterations", runResult.Iterations),
		zap.Int("failedThresholds", verdict.Failed),
		zap.Int("noDataThresholds", verdict.NoData))

	return result, nil
}

func (e *Engine) hasAbortRules() bool {
	for _, r := range e.set.Rules() {
		if r.AbortOnFail {
			return true
		}
	}
	return false
}

// Config returns the validated configuration with defaults applied.
func (e *Engine) Config() *config.TestConfig {
	return e.cfg
}

// Aggregator returns the metrics aggregator, e.g. to export it.
func (e *Engine) Aggregator() *metrics.Aggregator {
	return e.agg
}

// Snapshot returns the current statistics of every series.
func (e *Engine) Snapshot() map[string]metrics.Stats {
	return e.agg.Snapshot()
}

// Progress returns the fraction of the plan completed (0.0 to 1.0).
func (e *Engine) Progress() float64 {
	return e.scheduler.Progress()
}

// Scheduler exposes the live scheduler state for display.
func (e *Engine) Scheduler() *performance.Scheduler {
	return e.scheduler
}

// IsRunning returns true if the test is currently running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}
