package performance

import (
	"fmt"
	"math/rand"
	"time"
)

// PacingType controls the wait between iterations of one VU.
type PacingType string

const (
	PacingNone     PacingType = "none"
	PacingConstant PacingType = "constant"
	PacingRandom   PacingType = "random"
)

// Pacing is the inter-iteration delay policy.
type Pacing struct {
	Type     PacingType    `json:"type"`
	Duration time.Duration `json:"duration,omitempty"`
	Min      time.Duration `json:"min,omitempty"`
	Max      time.Duration `json:"max,omitempty"`
}

// Validate checks the durations required by the pacing type.
func (p Pacing) Validate() error {
	switch p.Type {
	case "", PacingNone:
		return nil
	case PacingConstant:
		if p.Duration < 0 {
			return fmt.Errorf("constant pacing duration must not be negative")
		}
	case PacingRandom:
		if p.Min < 0 || p.Max < 0 {
			return fmt.Errorf("random pacing bounds must not be negative")
		}
		if p.Min > p.Max {
			return fmt.Errorf("random pacing min (%s) must not exceed max (%s)", p.Min, p.Max)
		}
	default:
		return fmt.Errorf("unknown pacing type %q", p.Type)
	}
	return nil
}

// Delay returns the wait before the next iteration. Random pacing draws
// uniformly from [Min, Max).
func (p Pacing) Delay() time.Duration {
	switch p.Type {
	case PacingConstant:
		return p.Duration
	case PacingRandom:
		diff := p.Max - p.Min
		if diff > 0 {
			return p.Min + time.Duration(rand.Int63n(int64(diff)))
		}
		return p.Min
	default:
		return 0
	}
}
