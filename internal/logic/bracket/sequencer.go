package bracket

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/hw/camera"
	"github.com/cjeanneret/BracketGo/internal/hw/exposure"
	"github.com/cjeanneret/BracketGo/internal/logic/settle"
	"github.com/cjeanneret/BracketGo/internal/store"
)

// Sequencer drives a bracket plan across the exposure controller, the
// settle detector, the frame source and the asset store. One run at a
// time: a second Run while one is in flight fails with
// ErrAlreadyRunning.
type Sequencer struct {
	exp    exposure.Controller
	cam    camera.FrameSource
	assets *store.Store

	running    atomic.Bool
	onProgress func(Progress)
}

// NewSequencer wires the pipeline together.
func NewSequencer(exp exposure.Controller, cam camera.FrameSource, assets *store.Store) *Sequencer {
	return &Sequencer{exp: exp, cam: cam, assets: assets}
}

// OnProgress registers the progress observer. Set it before Run; the
// callback receives value snapshots from the run's goroutine.
func (s *Sequencer) OnProgress(fn func(Progress)) {
	s.onProgress = fn
}

// Running reports whether a sequence is in flight.
func (s *Sequencer) Running() bool {
	return s.running.Load()
}

func (s *Sequencer) progress(i, total int, phase Phase) {
	if s.onProgress != nil {
		s.onProgress(Progress{StepIndex: i, TotalSteps: total, Phase: phase})
	}
}

// Run executes the plan and returns the Result exactly once. The result
// always enumerates an outcome per step that reached persistence or
// failed, in plan order; steps never reached are absent. The original
// exposure mode is restored on every exit path after a successful
// snapshot, including cancellation and fatal abort.
func (s *Sequencer) Run(ctx context.Context, plan *Plan) (*Result, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, ErrEmptyPlan
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Store(false)

	total := len(plan.Steps)
	debug.Section("Starting Bracket Sequence")
	debug.Plan(total, float64(plan.Steps[0].ToleranceEV))

	s.progress(0, total, PhaseStarting)
	mode, err := s.exp.SnapshotMode()
	if err != nil {
		// The device was never touched: no restore, nothing to leak.
		debug.Error(err)
		return &Result{
			Status:      StatusAborted,
			AbortReason: fmt.Errorf("snapshot exposure mode: %w", err),
		}, nil
	}

	res := &Result{}
	cancelled := false
	var abortReason error

	for i, step := range plan.Steps {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		s.progress(i, total, PhaseStepping)
		debug.Apply(i, float64(step.OffsetEV))
		if err := s.exp.Apply(step.OffsetEV); err != nil {
			if errors.Is(err, exposure.ErrUnavailable) {
				// The device is gone: abort the remaining plan.
				abortReason = err
				break
			}
			// Transient: one bad step does not sacrifice the bracket.
			debug.Error(err)
			res.Outcomes = append(res.Outcomes, StepOutcome{
				Index:    i,
				TargetEV: step.OffsetEV,
				Err:      err,
			})
			continue
		}

		s.progress(i, total, PhaseSettling)
		out := settle.Await(ctx, s.exp.Readback, step.OffsetEV, step.ToleranceEV, step.SettleTimeout, plan.PollInterval)
		if out.Disposition == settle.Cancelled {
			cancelled = true
			break
		}
		if out.Disposition == settle.TimedOut {
			// A usable-but-imperfect frame beats a dropped step:
			// capture at whatever exposure was actually reached.
			debug.Live("Step %d: settle timed out at %+.2f EV, capturing anyway", i, float64(out.Readback))
		}

		s.progress(i, total, PhaseCapturing)
		frame, err := s.cam.Capture(ctx, camera.CaptureRequest{StepIndex: i, AppliedEV: out.Readback})
		if err != nil {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			debug.Error(err)
			res.Outcomes = append(res.Outcomes, StepOutcome{
				Index:     i,
				TargetEV:  step.OffsetEV,
				AppliedEV: out.Readback,
				Settle:    out.Disposition,
				Err:       fmt.Errorf("capture: %w", err),
			})
			continue
		}
		debug.Shot(i, float64(out.Readback))

		s.progress(i, total, PhasePersisting)
		// A submitted frame is always awaited, cancellation or not: its
		// identifier must never be silently dropped.
		sr := <-s.assets.Submit(frame).Done()
		res.Outcomes = append(res.Outcomes, StepOutcome{
			Index:     i,
			TargetEV:  step.OffsetEV,
			AppliedEV: out.Readback,
			Settle:    out.Disposition,
			AssetID:   sr.ID,
			Err:       sr.Err,
		})
	}

	s.progress(total, total, PhaseRestoring)
	res.RestoreErr = s.exp.RestoreMode(mode)
	if res.RestoreErr != nil {
		debug.Error(fmt.Errorf("restore exposure mode: %w", res.RestoreErr))
	}

	switch {
	case abortReason != nil:
		res.Status = StatusAborted
		res.AbortReason = abortReason
	case cancelled:
		res.Status = StatusCancelled
	case res.SavedCount() == total:
		res.Status = StatusCompleted
	default:
		res.Status = StatusPartial
	}

	s.progress(total, total, PhaseDone)
	debug.Summary(debug.Fmt("Bracket %s: %d/%d frames saved", res.Status, res.SavedCount(), total))
	return res, nil
}
