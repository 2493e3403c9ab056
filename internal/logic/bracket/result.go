package bracket

import (
	"github.com/cjeanneret/BracketGo/internal/hw/exposure"
	"github.com/cjeanneret/BracketGo/internal/logic/settle"
)

// Status summarizes how a bracket run ended.
type Status int

const (
	// StatusCompleted: every step captured and saved.
	StatusCompleted Status = iota
	// StatusPartial: the plan ran to its end but at least one step
	// failed or was skipped.
	StatusPartial
	// StatusCancelled: cancellation was observed before the plan
	// finished.
	StatusCancelled
	// StatusAborted: a fatal condition (device unavailable, mode
	// snapshot failure) cut the plan short.
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusPartial:
		return "partial"
	case StatusCancelled:
		return "cancelled"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// StepOutcome records what happened to one plan step. AssetID is set
// only when the save completed successfully; Err explains a skipped or
// failed step.
type StepOutcome struct {
	Index     int
	TargetEV  exposure.EV
	AppliedEV exposure.EV // exposure actually reached when captured
	Settle    settle.Disposition
	AssetID   string
	Err       error
}

// Saved reports whether this step produced a durable asset.
func (o StepOutcome) Saved() bool {
	return o.Err == nil && o.AssetID != ""
}

// Result is the terminal artifact of a run: per-step outcomes in plan
// order (steps never reached are absent), the overall status, and the
// restore disposition. Immutable once returned.
type Result struct {
	Outcomes    []StepOutcome
	Status      Status
	AbortReason error // set only for StatusAborted
	RestoreErr  error // mode restore failure; recorded, never fatal
}

// SavedCount returns how many steps produced durable assets.
func (r *Result) SavedCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Saved() {
			n++
		}
	}
	return n
}

// Phase names the sequencer's current activity for progress snapshots.
type Phase string

const (
	PhaseStarting   Phase = "starting"
	PhaseStepping   Phase = "stepping"
	PhaseSettling   Phase = "settling"
	PhaseCapturing  Phase = "capturing"
	PhasePersisting Phase = "persisting"
	PhaseRestoring  Phase = "restoring"
	PhaseDone       Phase = "done"
)

// Progress is a read-only snapshot pushed to observers. It is a value
// copy; no live sequencer state escapes through it.
type Progress struct {
	StepIndex  int
	TotalSteps int
	Phase      Phase
}
