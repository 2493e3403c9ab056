package exposure

import "errors"

// EV is an exposure offset in EV stops, relative to the metered baseline.
type EV float64

// Mode is a snapshot of the camera's exposure state before a bracket run
// takes the wheel over. It is captured once at sequence start and handed
// back to RestoreMode once at the end.
type Mode struct {
	Auto   bool // body's auto-exposure had control
	BiasEV EV   // compensation offset that was dialed in
}

var (
	// ErrBusy means the controller could not accept a new target right
	// now (previous adjustment still in flight). Transient: the caller
	// may skip the step and continue.
	ErrBusy = errors.New("exposure: device busy")
	// ErrUnavailable means the device is gone (session stopped, hardware
	// shut down). Fatal for the rest of a bracket run.
	ErrUnavailable = errors.New("exposure: device unavailable")
)

// Controller applies exposure targets to the camera and reports the
// current readback. Apply is non-blocking: it requests the change and
// returns; convergence is observed through Readback, which may lag the
// true hardware state by one observation interval.
type Controller interface {
	Apply(target EV) error
	Readback() EV
	SnapshotMode() (Mode, error)
	RestoreMode(Mode) error
}
