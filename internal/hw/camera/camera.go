package camera

import (
	"context"
	"time"

	"github.com/cjeanneret/BracketGo/internal/hw/exposure"
)

// Frame is one captured still: the opaque payload plus the capture
// metadata the bracket pipeline attaches. Ownership transfers to the
// asset store when the frame is submitted for persistence.
type Frame struct {
	Data      []byte
	Format    string // file extension without dot, e.g. "jpg", "pgm"
	TakenAt   time.Time
	AppliedEV exposure.EV // exposure actually reached when the shutter fired
	StepIndex int         // position in the bracket plan
}

// CaptureRequest carries the per-step metadata stamped onto the frame.
type CaptureRequest struct {
	StepIndex int
	AppliedEV exposure.EV
}

// FrameSource is the high-level interface used by the rest of the
// application. One call yields exactly one frame or one error, never
// both and never more than one. No internal retry: a failed capture is
// the caller's problem to record.
type FrameSource interface {
	Capture(ctx context.Context, req CaptureRequest) (*Frame, error)
}
