package llmgo

import (
	"math"

	"github.com/pkg/errors"
)

// Scheduler produces the learning rate for each optimizer update. Step is the number of updates
// the scheduler has been advanced by.
type Scheduler struct {
	Kind        string
	BaseLR      float64
	WarmupSteps int
	TotalSteps  int
	Step        int
}

// NewScheduler accepts "cosine", "linear", "constant" and "constant_with_warmup".
func NewScheduler(kind string, baseLR float64, warmupSteps, totalSteps int) (*Scheduler, error) {
	switch kind {
	case "cosine", "linear", "constant", "constant_with_warmup":
	default:
		return nil, errors.Errorf("unknown lr scheduler type %q", kind)
	}
	return &Scheduler{Kind: kind, BaseLR: baseLR, WarmupSteps: warmupSteps, TotalSteps: totalSteps}, nil
}

// LR is the learning rate for the next update.
func (s *Scheduler) LR() float64 {
	return s.BaseLR * s.factor(s.Step)
}

// Advance moves the schedule forward by one update.
func (s *Scheduler) Advance() {
	s.Step++
}

func (s *Scheduler) factor(step int) float64 {
	if s.Kind == "constant" {
		return 1
	}
	// Linear warmup
	if step < s.WarmupSteps {
		return float64(step) / float64(max(1, s.WarmupSteps))
	}
	decaySteps := float64(max(1, s.TotalSteps-s.WarmupSteps))
	progress := float64(step-s.WarmupSteps) / decaySteps
	switch s.Kind {
	case "cosine":
		return max(0, 0.5*(1.0+math.Cos(math.Pi*progress)))
	case "linear":
		return max(0, 1-progress)
	}
	return 1
}
