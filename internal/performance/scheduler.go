package performance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/performance/sampler"
)

// State is the scheduler lifecycle.
type State int32

const (
	StateNotStarted State = iota
	StateRamping
	StateDraining
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRamping:
		return "ramping"
	case StateDraining:
		return "draining"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("scheduler has already been started")

const (
	// DefaultTickInterval is how often the controller re-evaluates the plan.
	DefaultTickInterval = 100 * time.Millisecond

	// abandonAfter bounds the wait for VUs after their work was cancelled.
	abandonAfter = 5 * time.Second
)

// Config configures a Scheduler.
type Config struct {
	Plan   *Plan
	Pacing Pacing

	// GracefulRampDown is how long a VU retired by a ramp-down may keep
	// working before its iteration is cancelled. Zero waits indefinitely.
	GracefulRampDown time.Duration

	// GracefulStop is how long VUs get to finish when the plan ends or the
	// run is cancelled. Zero cancels in-flight work immediately.
	GracefulStop time.Duration

	// MaxRPS caps the combined iteration start rate of all VUs. Zero is
	// unlimited.
	MaxRPS float64

	// TickInterval defaults to DefaultTickInterval.
	TickInterval time.Duration

	Logger *zap.Logger
}

// RunResult summarizes a finished run.
type RunResult struct {
	State       State     `json:"state"`
	Degraded    bool      `json:"degraded"`
	Cancelled   bool      `json:"cancelled"`
	ForcedStops int64     `json:"forcedStops"`
	Iterations  int64     `json:"iterations"`
	PeakVUs     int       `json:"peakVUs"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
}

// Scheduler drives the VU pool through a plan.
//
// # Thread Safety
//
// Run must be called once. State, Stage, ActiveVUs and Progress may be
// called from any goroutine while Run is in progress.
type Scheduler struct {
	cfg     Config
	sampler sampler.Sampler
	agg     *metrics.Aggregator
	logger  *zap.Logger
	limiter *rate.Limiter

	started atomic.Bool
	state   atomic.Int32
	stage   atomic.Int32

	startNanos atomic.Int64
	endNanos   atomic.Int64

	// hard-cancel root for every VU; detached from the caller's ctx so a
	// cancelled run still gets its grace period
	hardCtx    context.Context
	hardCancel context.CancelFunc

	active []*VirtualUser
	live   map[int]*VirtualUser
	vusMu  sync.Mutex
	nextID int
	wg     sync.WaitGroup

	retireDone chan struct{}
	retireWg   sync.WaitGroup

	iterations atomic.Int64
	forced     atomic.Int64
	activeVUs  atomic.Int32
	peakVUs    atomic.Int32
}

// NewScheduler creates a scheduler that records samples from s into agg.
func NewScheduler(cfg Config, s sampler.Sampler, agg *metrics.Aggregator) (*Scheduler, error) {
	if cfg.Plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	if s == nil {
		return nil, fmt.Errorf("sampler is required")
	}
	if agg == nil {
		return nil, fmt.Errorf("aggregator is required")
	}
	if err := cfg.Pacing.Validate(); err != nil {
		return nil, err
	}
	if cfg.GracefulRampDown < 0 || cfg.GracefulStop < 0 {
		return nil, fmt.Errorf("graceful timeouts must not be negative")
	}
	if cfg.MaxRPS < 0 {
		return nil, fmt.Errorf("max rps must not be negative")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	sched := &Scheduler{
		cfg:        cfg,
		sampler:    s,
		agg:        agg,
		logger:     cfg.Logger,
		live:       make(map[int]*VirtualUser),
		retireDone: make(chan struct{}),
	}
	if cfg.MaxRPS > 0 {
		sched.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1)
	}
	return sched, nil
}

// Run executes the plan and blocks until every VU has exited or been
// abandoned. Cancelling ctx ends the ramp early and starts the drain; the
// run still reports its partial results.
func (s *Scheduler) Run(ctx context.Context) (*RunResult, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	s.hardCtx, s.hardCancel = context.WithCancel(context.WithoutCancel(ctx))
	defer s.hardCancel()

	start := time.Now()
	s.startNanos.Store(start.UnixNano())
	s.agg.MarkStart(start)
	s.state.Store(int32(StateRamping))

	s.logger.Debug("run started",
		zap.Duration("duration", s.cfg.Plan.TotalDuration()),
		zap.Int("maxVUs", s.cfg.Plan.MaxTarget()),
		zap.Int("stages", len(s.cfg.Plan.stages)))

	cancelled := s.ramp(ctx, start)

	s.state.Store(int32(StateDraining))
	degraded := s.drain()
	close(s.retireDone)
	s.retireWg.Wait()

	end := time.Now()
	s.endNanos.Store(end.UnixNano())
	s.agg.MarkEnd(end)
	s.agg.SetActiveVUs(0)
	s.activeVUs.Store(0)
	s.state.Store(int32(StateFinished))

	s.logger.Debug("run finished",
		zap.Duration("elapsed", end.Sub(start)),
		zap.Int64("iterations", s.iterations.Load()),
		zap.Bool("degraded", degraded),
		zap.Bool("cancelled", cancelled))

	return &RunResult{
		State:       StateFinished,
		Degraded:    degraded,
		Cancelled:   cancelled,
		ForcedStops: s.forced.Load(),
		Iterations:  s.iterations.Load(),
		PeakVUs:     int(s.peakVUs.Load()),
		StartTime:   start,
		EndTime:     end,
	}, nil
}

// ramp runs the controller loop until the plan ends or ctx is cancelled.
// It reports whether the run was cancelled.
func (s *Scheduler) ramp(ctx context.Context, start time.Time) bool {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	timer := time.NewTimer(s.cfg.Plan.TotalDuration())
	defer timer.Stop()

	s.adjust(0)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("run cancelled, draining virtual users", zap.Error(ctx.Err()))
			return true
		case <-timer.C:
			return false
		case <-ticker.C:
			s.adjust(time.Since(start))
		}
	}
}

func (s *Scheduler) adjust(elapsed time.Duration) {
	target, idx := s.cfg.Plan.TargetAt(elapsed)

	if prev := s.stage.Swap(int32(idx)); prev != int32(idx) || elapsed == 0 {
		st := s.cfg.Plan.stages[idx]
		s.logger.Debug("stage started",
			zap.Int("stage", idx),
			zap.String("name", st.Name),
			zap.String("phase", string(s.cfg.Plan.PhaseOf(idx))),
			zap.Int("target", st.Target))
	}

	s.scaleTo(target)
}

// scaleTo spawns VUs or retires the newest ones until target are active.
func (s *Scheduler) scaleTo(target int) {
	s.vusMu.Lock()
	defer s.vusMu.Unlock()

	for len(s.active) < target {
		s.nextID++
		vu := newVirtualUser(s.nextID, s.hardCtx)
		s.active = append(s.active, vu)
		s.live[vu.ID] = vu
		s.wg.Add(1)
		go s.runVU(vu)
	}

	for len(s.active) > target {
		last := len(s.active) - 1
		vu := s.active[last]
		s.active[last] = nil
		s.active = s.active[:last]
		s.retire(vu)
	}

	n := len(s.active)
	s.activeVUs.Store(int32(n))
	s.agg.SetActiveVUs(n)
	if int32(n) > s.peakVUs.Load() {
		s.peakVUs.Store(int32(n))
	}
}

// retire stops vu gracefully. With a ramp-down deadline, a VU still busy
// when it passes has its iteration cancelled.
func (s *Scheduler) retire(vu *VirtualUser) {
	vu.RequestStop()
	if s.cfg.GracefulRampDown <= 0 {
		return
	}

	s.retireWg.Add(1)
	go func() {
		defer s.retireWg.Done()

		timer := time.NewTimer(s.cfg.GracefulRampDown)
		defer timer.Stop()

		select {
		case <-vu.Done():
		case <-s.retireDone:
		case <-timer.C:
			if vu.forceStop() {
				s.forced.Add(1)
				s.logger.Debug("graceful ramp-down exceeded, interrupted virtual user",
					zap.Int("vu", vu.ID),
					zap.Duration("gracefulRampDown", s.cfg.GracefulRampDown))
			}
		}
	}()
}

// drain stops every VU and waits up to GracefulStop. It reports whether
// work had to be cancelled or abandoned.
func (s *Scheduler) drain() bool {
	s.vusMu.Lock()
	for _, vu := range s.live {
		vu.RequestStop()
	}
	s.active = nil
	s.activeVUs.Store(0)
	s.vusMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if waitFor(done, s.cfg.GracefulStop) {
		return false
	}

	// VUs that are pacing or waiting for a token have nothing in flight;
	// cancelling them is not a degradation.
	s.vusMu.Lock()
	interrupted := 0
	for _, vu := range s.live {
		if vu.forceStop() {
			interrupted++
		}
	}
	s.vusMu.Unlock()
	s.forced.Add(int64(interrupted))
	s.hardCancel()

	degraded := interrupted > 0
	if degraded {
		s.logger.Warn("graceful stop timeout exceeded, cancelled in-flight iterations",
			zap.Duration("gracefulStop", s.cfg.GracefulStop),
			zap.Int("vus", interrupted))
	}

	if !waitFor(done, abandonAfter) {
		s.logger.Error("virtual users did not exit after cancellation, abandoning them",
			zap.Duration("waited", abandonAfter))
		degraded = true
	}
	return degraded
}

func waitFor(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// runVU is the iteration loop of one VU: sample, record, pace.
func (s *Scheduler) runVU(vu *VirtualUser) {
	defer s.wg.Done()
	defer func() {
		s.vusMu.Lock()
		delete(s.live, vu.ID)
		s.vusMu.Unlock()
	}()
	defer vu.markStopped()

	for {
		if vu.stopRequested() || !s.acquire(vu) || !vu.beginIteration() {
			return
		}

		start := time.Now()
		sample := s.sampler.Sample(vu.ctx)
		s.agg.Record(sample)
		if sample.Reason != sampler.ReasonInterrupted {
			s.agg.RecordIteration(time.Since(start))
			s.iterations.Add(1)
		}
		vu.endIteration()

		if !s.pace(vu) {
			return
		}
	}
}

// acquire waits for a token from the request cap. The wait is a suspension
// point like pacing: a stop request ends it without starting an iteration.
func (s *Scheduler) acquire(vu *VirtualUser) bool {
	if s.limiter == nil {
		return true
	}

	r := s.limiter.Reserve()
	if !r.OK() {
		return false
	}
	delay := r.Delay()
	if delay <= 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-vu.stopCh:
	case <-vu.ctx.Done():
	}
	r.Cancel()
	return false
}

// pace waits out the pacing delay. It returns false if the VU was stopped
// while waiting.
func (s *Scheduler) pace(vu *VirtualUser) bool {
	delay := s.cfg.Pacing.Delay()
	if delay <= 0 {
		return !vu.stopRequested()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-vu.stopCh:
		return false
	case <-vu.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Stage returns the index of the stage being ramped. It is only meaningful
// while State is StateRamping.
func (s *Scheduler) Stage() int {
	return int(s.stage.Load())
}

// ActiveVUs returns the number of VUs counted against the current target.
// Retiring VUs finishing their last iteration are not included.
func (s *Scheduler) ActiveVUs() int {
	return int(s.activeVUs.Load())
}

// Iterations returns the number of completed iterations so far.
func (s *Scheduler) Iterations() int64 {
	return s.iterations.Load()
}

// Elapsed returns the time since Run started, frozen once it finishes.
func (s *Scheduler) Elapsed() time.Duration {
	start := s.startNanos.Load()
	if start == 0 {
		return 0
	}
	if end := s.endNanos.Load(); end != 0 {
		return time.Duration(end - start)
	}
	return time.Since(time.Unix(0, start))
}

// Progress returns the fraction of the plan completed (0.0 to 1.0).
func (s *Scheduler) Progress() float64 {
	switch s.State() {
	case StateNotStarted:
		return 0
	case StateDraining, StateFinished:
		return 1
	}

	progress := float64(s.Elapsed()) / float64(s.cfg.Plan.TotalDuration())
	if progress > 1 {
		progress = 1
	}
	return progress
}

// Plan returns the plan being executed.
func (s *Scheduler) Plan() *Plan {
	return s.cfg.Plan
}
