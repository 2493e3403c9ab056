package settle

import (
	"context"
	"math"
	"time"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/hw/exposure"
)

// Disposition says how a settle wait ended.
type Disposition int

const (
	// Converged: the readback came within tolerance of the target.
	Converged Disposition = iota
	// TimedOut: the deadline passed first. Readback holds the last sample.
	TimedOut
	// Cancelled: the context was cancelled at a poll boundary.
	Cancelled
)

func (d Disposition) String() string {
	switch d {
	case Converged:
		return "converged"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the immutable result of one settle wait.
type Outcome struct {
	Disposition Disposition
	Readback    exposure.EV // last sampled readback
	Elapsed     time.Duration
}

// Await polls read until it is within tol of target, the deadline
// computed once at entry passes, or ctx is cancelled. The first sample
// is taken immediately; between samples exactly one timer is in flight,
// reused across iterations, and it is stopped on every exit path. The
// context is checked before each sample, so cancellation is observed at
// poll boundaries rather than mid-sleep drift.
func Await(ctx context.Context, read func() exposure.EV, target, tol exposure.EV, maxWait, poll time.Duration) Outcome {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	start := time.Now()
	deadline := start.Add(maxWait)

	timer := time.NewTimer(poll)
	defer timer.Stop()

	var last exposure.EV
	for {
		if ctx.Err() != nil {
			return Outcome{Disposition: Cancelled, Readback: last, Elapsed: time.Since(start)}
		}

		last = read()
		debug.Sample(float64(last), float64(target))
		if math.Abs(float64(last-target)) <= float64(tol) {
			return Outcome{Disposition: Converged, Readback: last, Elapsed: time.Since(start)}
		}
		if !time.Now().Before(deadline) {
			return Outcome{Disposition: TimedOut, Readback: last, Elapsed: time.Since(start)}
		}

		timer.Reset(poll)
		select {
		case <-ctx.Done():
			return Outcome{Disposition: Cancelled, Readback: last, Elapsed: time.Since(start)}
		case <-timer.C:
		}
	}
}
