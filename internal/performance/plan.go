package performance

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Stage is one segment of the load profile. The VU count moves linearly from
// the previous stage's target (0 before the first stage) to Target over
// Duration. A zero Duration jumps to Target immediately.
//
// Example:
//
//	stages:
//	  - duration: 30s
//	    target: 10     # Ramp from 0 to 10 VUs over 30s
//	  - duration: 2m
//	    target: 10     # Stay at 10 VUs for 2 minutes
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type Stage struct {
	Duration time.Duration `json:"duration"`
	Target   int           `json:"target"`
	Name     string        `json:"name,omitempty"`
}

// Phase describes what the VU count does during a stage.
type Phase string

const (
	PhaseRampUp   Phase = "ramp-up"
	PhaseSteady   Phase = "steady"
	PhaseRampDown Phase = "ramp-down"
)

// Plan is a validated, immutable list of stages.
type Plan struct {
	stages []Stage
	total  time.Duration
	max    int
}

var (
	// ErrNoStages is returned for an empty plan.
	ErrNoStages = errors.New("plan has no stages")
	// ErrZeroDuration is returned when all stages together take no time.
	ErrZeroDuration = errors.New("plan total duration must be greater than zero")
)

// NewPlan validates stages and builds a plan.
func NewPlan(stages []Stage) (*Plan, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}

	p := &Plan{stages: append([]Stage(nil), stages...)}
	for i, s := range p.stages {
		if s.Duration < 0 {
			return nil, fmt.Errorf("stage %d: duration must not be negative, got %s", i, s.Duration)
		}
		if s.Target < 0 {
			return nil, fmt.Errorf("stage %d: target must not be negative, got %d", i, s.Target)
		}
		p.total += s.Duration
		if s.Target > p.max {
			p.max = s.Target
		}
	}
	if p.total <= 0 {
		return nil, ErrZeroDuration
	}

	return p, nil
}

// Stages returns a copy of the stages.
func (p *Plan) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

// TotalDuration is the sum of all stage durations.
func (p *Plan) TotalDuration() time.Duration { return p.total }

// MaxTarget is the highest target of any stage.
func (p *Plan) MaxTarget() int { return p.max }

// TargetAt returns the interpolated VU target at elapsed and the index of
// the stage it falls in. Past the end it returns the last target and the
// last index. Zero-duration stages take effect at their start instant.
func (p *Plan) TargetAt(elapsed time.Duration) (int, int) {
	if elapsed < 0 {
		elapsed = 0
	}

	var stageStart time.Duration
	prevTarget := 0

	for i, stage := range p.stages {
		if stage.Duration == 0 {
			prevTarget = stage.Target
			continue
		}

		stageEnd := stageStart + stage.Duration
		if elapsed < stageEnd {
			progress := float64(elapsed-stageStart) / float64(stage.Duration)
			target := float64(prevTarget) + float64(stage.Target-prevTarget)*progress
			return int(math.Round(target)), i
		}

		prevTarget = stage.Target
		stageStart = stageEnd
	}

	last := len(p.stages) - 1
	return p.stages[last].Target, last
}

// PhaseOf classifies stage i by comparing its target with the one before.
func (p *Plan) PhaseOf(i int) Phase {
	if i < 0 || i >= len(p.stages) {
		return PhaseSteady
	}
	prev := 0
	if i > 0 {
		prev = p.stages[i-1].Target
	}
	switch target := p.stages[i].Target; {
	case target > prev:
		return PhaseRampUp
	case target < prev:
		return PhaseRampDown
	default:
		return PhaseSteady
	}
}
