package performance_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/performance/sampler"
)

// sleepSampler succeeds after d unless its context is cancelled first.
func sleepSampler(d time.Duration) sampler.Sampler {
	return sampler.SamplerFunc(func(ctx context.Context) sampler.Sample {
		start := time.Now()
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
			return sampler.Sample{Timestamp: start, Duration: time.Since(start), Success: true, Reason: sampler.ReasonOK}
		case <-ctx.Done():
			return sampler.Sample{Timestamp: start, Duration: time.Since(start), Reason: sampler.ReasonInterrupted, Err: ctx.Err()}
		}
	})
}

func newScheduler(t *testing.T, cfg performance.Config, s sampler.Sampler) (*performance.Scheduler, *metrics.Aggregator) {
	t.Helper()
	agg := metrics.NewAggregator()
	sched, err := performance.NewScheduler(cfg, s, agg)
	require.NoError(t, err)
	return sched, agg
}

func TestNewScheduler_Invalid(t *testing.T) {
	plan := mustPlan(t, performance.Stage{Duration: time.Second, Target: 1})
	agg := metrics.NewAggregator()
	s := sleepSampler(0)

	_, err := performance.NewScheduler(performance.Config{}, s, agg)
	assert.Error(t, err)

	_, err = performance.NewScheduler(performance.Config{Plan: plan}, nil, agg)
	assert.Error(t, err)

	_, err = performance.NewScheduler(performance.Config{Plan: plan}, s, nil)
	assert.Error(t, err)

	_, err = performance.NewScheduler(performance.Config{Plan: plan, GracefulStop: -time.Second}, s, agg)
	assert.Error(t, err)
}

func TestScheduler_ConstantStagePacing(t *testing.T) {
	const (
		vus      = 3
		duration = time.Second
		pacing   = 100 * time.Millisecond
	)

	var mu sync.Mutex
	perVU := make(map[int]int)

	s := sampler.SamplerFunc(func(ctx context.Context) sampler.Sample {
		id, ok := performance.VUID(ctx)
		if ok {
			mu.Lock()
			perVU[id]++
			mu.Unlock()
		}
		return sampler.Sample{Timestamp: time.Now(), Duration: time.Millisecond, Success: true, Reason: sampler.ReasonOK}
	})

	sched, agg := newScheduler(t, performance.Config{
		Plan: mustPlan(t,
			performance.Stage{Duration: 0, Target: vus},
			performance.Stage{Duration: duration, Target: vus},
		),
		Pacing:       performance.Pacing{Type: performance.PacingConstant, Duration: pacing},
		GracefulStop: time.Second,
	}, s)

	result, err := sched.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, performance.StateFinished, result.State)
	assert.False(t, result.Degraded)
	assert.Equal(t, vus, result.PeakVUs)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, perVU, vus)

	want := int(duration / pacing)
	for id, n := range perVU {
		if n < want-1 || n > want+1 {
			t.Errorf("VU %d ran %d iterations, want %d±1", id, n, want)
		}
	}

	snap := agg.Snapshot()
	assert.Equal(t, result.Iterations, snap[metrics.Iterations].Value)
	assert.Equal(t, result.Iterations, snap[metrics.HTTPReqs].Value)
}

func TestScheduler_RampStaysWithinBounds(t *testing.T) {
	plan := mustPlan(t,
		performance.Stage{Duration: 400 * time.Millisecond, Target: 8},
		performance.Stage{Duration: 200 * time.Millisecond, Target: 8},
		performance.Stage{Duration: 400 * time.Millisecond, Target: 0},
	)

	sched, _ := newScheduler(t, performance.Config{
		Plan:         plan,
		Pacing:       performance.Pacing{Type: performance.PacingConstant, Duration: 10 * time.Millisecond},
		TickInterval: 10 * time.Millisecond,
		GracefulStop: time.Second,
	}, sleepSampler(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		maxSeen  atomic.Int32
		outside  atomic.Bool
		sawStage atomic.Int32
	)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := sched.ActiveVUs()
				if n < 0 || n > plan.MaxTarget() {
					outside.Store(true)
				}
				if int32(n) > maxSeen.Load() {
					maxSeen.Store(int32(n))
				}
				if sched.State() == performance.StateRamping && sched.Stage() > int(sawStage.Load()) {
					sawStage.Store(int32(sched.Stage()))
				}
			}
		}
	}()

	result, err := sched.Run(ctx)
	cancel()
	require.NoError(t, err)

	assert.False(t, outside.Load(), "active VUs left [0, max(targets)]")
	assert.Equal(t, 8, result.PeakVUs)
	assert.GreaterOrEqual(t, maxSeen.Load(), int32(6))
	assert.Equal(t, int32(2), sawStage.Load())
	assert.Equal(t, 0, sched.ActiveVUs())
	assert.Equal(t, 1.0, sched.Progress())
}

func TestScheduler_RampDownIsGraceful(t *testing.T) {
	// one VU whose iteration outlives the ramp-down; without a ramp-down
	// deadline it must finish rather than be interrupted
	sched, agg := newScheduler(t, performance.Config{
		Plan: mustPlan(t,
			performance.Stage{Duration: 0, Target: 1},
			performance.Stage{Duration: 50 * time.Millisecond, Target: 1},
			performance.Stage{Duration: 0, Target: 0},
			performance.Stage{Duration: 400 * time.Millisecond, Target: 0},
		),
		TickInterval: 10 * time.Millisecond,
		GracefulStop: time.Second,
	}, sleepSampler(250*time.Millisecond))

	result, err := sched.Run(context.Background())
	require.NoError(t, err)

	snap := agg.Snapshot()
	assert.Equal(t, int64(1), result.Iterations)
	assert.Equal(t, 0.0, snap[metrics.HTTPReqFailed].Rate)
	assert.Zero(t, result.ForcedStops)
	assert.False(t, result.Degraded)
}

func TestScheduler_GracefulRampDownDeadline(t *testing.T) {
	sched, agg := newScheduler(t, performance.Config{
		Plan: mustPlan(t,
			performance.Stage{Duration: 0, Target: 1},
			performance.Stage{Duration: 50 * time.Millisecond, Target: 1},
			performance.Stage{Duration: 0, Target: 0},
			performance.Stage{Duration: 400 * time.Millisecond, Target: 0},
		),
		TickInterval:     10 * time.Millisecond,
		GracefulRampDown: 50 * time.Millisecond,
		GracefulStop:     time.Second,
	}, sleepSampler(5*time.Second))

	result, err := sched.Run(context.Background())
	require.NoError(t, err)

	snap := agg.Snapshot()
	assert.Equal(t, int64(1), result.ForcedStops)
	assert.Equal(t, int64(0), result.Iterations)
	assert.Equal(t, int64(1), snap[metrics.HTTPReqs].Value)
	assert.Equal(t, 1.0, snap[metrics.HTTPReqFailed].Rate, "interrupted sample counts as an error")
	assert.False(t, result.Degraded, "ramp-down interruption is not a drain timeout")
}

func TestScheduler_GracefulStopTimeout(t *testing.T) {
	sched, agg := newScheduler(t, performance.Config{
		Plan:         mustPlan(t, performance.Stage{Duration: 0, Target: 2}, performance.Stage{Duration: 50 * time.Millisecond, Target: 2}),
		GracefulStop: 50 * time.Millisecond,
	}, sleepSampler(5*time.Second))

	start := time.Now()
	result, err := sched.Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, result.Degraded)
	assert.Equal(t, int64(2), result.ForcedStops)
	assert.Equal(t, int64(2), agg.Snapshot()[metrics.HTTPReqs].Value)
}

func TestScheduler_ContextCancelDrains(t *testing.T) {
	sched, agg := newScheduler(t, performance.Config{
		Plan:         mustPlan(t, performance.Stage{Duration: 0, Target: 4}, performance.Stage{Duration: time.Minute, Target: 4}),
		GracefulStop: 2 * time.Second,
	}, sleepSampler(100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(250*time.Millisecond, cancel)

	start := time.Now()
	result, err := sched.Run(ctx)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, result.Cancelled)
	assert.False(t, result.Degraded, "in-flight iterations finish within the grace period")
	assert.Zero(t, result.ForcedStops)
	assert.Equal(t, 0.0, agg.Snapshot()[metrics.HTTPReqFailed].Rate)
	assert.Positive(t, result.Iterations)
}

func TestScheduler_RunTwice(t *testing.T) {
	sched, _ := newScheduler(t, performance.Config{
		Plan: mustPlan(t, performance.Stage{Duration: 20 * time.Millisecond, Target: 1}),
	}, sleepSampler(0))

	_, err := sched.Run(context.Background())
	require.NoError(t, err)

	_, err = sched.Run(context.Background())
	assert.True(t, errors.Is(err, performance.ErrAlreadyRunning))
}

func TestScheduler_StateTransitions(t *testing.T) {
	sched, _ := newScheduler(t, performance.Config{
		Plan:         mustPlan(t, performance.Stage{Duration: 0, Target: 1}, performance.Stage{Duration: 200 * time.Millisecond, Target: 1}),
		GracefulStop: time.Second,
	}, sleepSampler(time.Millisecond))

	assert.Equal(t, performance.StateNotStarted, sched.State())
	assert.Equal(t, 0.0, sched.Progress())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = sched.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return sched.State() == performance.StateRamping
	}, time.Second, 5*time.Millisecond)

	<-done
	assert.Equal(t, performance.StateFinished, sched.State())
}

func TestScheduler_GracefulStopZeroIdleVUs(t *testing.T) {
	sched, agg := newScheduler(t, performance.Config{
		Plan:         mustPlan(t, performance.Stage{Duration: 0, Target: 4}, performance.Stage{Duration: 200 * time.Millisecond, Target: 4}),
		Pacing:       performance.Pacing{Type: performance.PacingConstant, Duration: 2 * time.Second},
		TickInterval: 10 * time.Millisecond,
	}, sleepSampler(time.Millisecond))

	result, err := sched.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(4), result.Iterations)
	assert.Zero(t, result.ForcedStops, "pacing VUs have nothing in flight")
	assert.False(t, result.Degraded)
	assert.Equal(t, 0.0, agg.Snapshot()[metrics.HTTPReqFailed].Rate)
}

func TestScheduler_MaxRPS(t *testing.T) {
	sched, agg := newScheduler(t, performance.Config{
		Plan:         mustPlan(t, performance.Stage{Duration: 0, Target: 20}, performance.Stage{Duration: 500 * time.Millisecond, Target: 20}),
		MaxRPS:       10,
		TickInterval: 10 * time.Millisecond,
		GracefulStop: 100 * time.Millisecond,
	}, sleepSampler(time.Millisecond))

	result, err := sched.Run(context.Background())
	require.NoError(t, err)

	snap := agg.Snapshot()
	reqs := snap[metrics.HTTPReqs].Value
	// burst of one plus 10/s over half a second
	assert.GreaterOrEqual(t, reqs, int64(4))
	assert.LessOrEqual(t, reqs, int64(8))
	assert.Equal(t, reqs, result.Iterations)

	assert.Equal(t, 0.0, snap[metrics.HTTPReqFailed].Rate, "VUs waiting for a token are not failures")
	assert.Zero(t, result.ForcedStops)
	assert.False(t, result.Degraded)
}

func TestNewScheduler_NegativeMaxRPS(t *testing.T) {
	_, err := performance.NewScheduler(performance.Config{
		Plan:   mustPlan(t, performance.Stage{Duration: time.Second, Target: 1}),
		MaxRPS: -1,
	}, sleepSampler(0), metrics.NewAggregator())
	assert.Error(t, err)
}
