package bracket

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/BracketGo/internal/config"
	"github.com/cjeanneret/BracketGo/internal/hw/exposure"
)

var (
	// ErrEmptyPlan is returned for a plan with no steps.
	ErrEmptyPlan = errors.New("bracket: plan has no steps")
	// ErrAlreadyRunning is returned when Run is called while a sequence
	// is in flight. The second call mutates nothing.
	ErrAlreadyRunning = errors.New("bracket: a sequence is already running")
)

// Step is one exposure in the bracket: a target offset from baseline,
// the settle tolerance, and the settle timeout. All three are
// caller-supplied plan parameters, never sequencer constants.
type Step struct {
	OffsetEV      exposure.EV
	ToleranceEV   exposure.EV
	SettleTimeout time.Duration
}

// Plan is an ordered, non-empty bracket. Order is capture order.
// Immutable once a sequence starts.
type Plan struct {
	Steps        []Step
	PollInterval time.Duration // settle readback poll interval
}

// NewPlan validates and builds a plan. The step slice is copied so
// later caller mutation cannot reach a running sequence.
func NewPlan(steps []Step, pollInterval time.Duration) (*Plan, error) {
	if len(steps) == 0 {
		return nil, ErrEmptyPlan
	}
	for i, s := range steps {
		if s.ToleranceEV < 0 {
			return nil, fmt.Errorf("bracket: step %d: tolerance must be >= 0, got %g", i, float64(s.ToleranceEV))
		}
		if s.SettleTimeout < 0 {
			return nil, fmt.Errorf("bracket: step %d: settle timeout must be >= 0, got %v", i, s.SettleTimeout)
		}
	}
	cp := make([]Step, len(steps))
	copy(cp, steps)
	return &Plan{Steps: cp, PollInterval: pollInterval}, nil
}

// PlanFromConfig builds the default plan from the configured offsets,
// tolerance and timeout.
func PlanFromConfig(cfg *config.Config) (*Plan, error) {
	steps := make([]Step, 0, len(cfg.Bracket.OffsetsEV))
	for _, ev := range cfg.Bracket.OffsetsEV {
		steps = append(steps, Step{
			OffsetEV:      exposure.EV(ev),
			ToleranceEV:   exposure.EV(cfg.Bracket.ToleranceEV),
			SettleTimeout: cfg.SettleTimeout(),
		})
	}
	return NewPlan(steps, cfg.PollInterval())
}
