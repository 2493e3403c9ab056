package exposure

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/hw/dial"
)

// DialController drives exposure through the stepper-coupled
// compensation wheel. It is the intermediate layer between the bracket
// logic and the low-level dial drive: the first Apply engages the
// clutch, subsequent ones retarget the wheel, and RestoreMode returns
// the wheel to its snapshotted position and gives it back to the body.
type DialController struct {
	dial        *dial.Dial
	restoreWait time.Duration

	mu          sync.Mutex
	engaged     bool
	unavailable bool
}

// NewDialController wraps a dial drive. restoreWait bounds how long
// RestoreMode waits for the wheel to travel back; if 0, defaults to 5s.
func NewDialController(d *dial.Dial, restoreWait time.Duration) *DialController {
	if restoreWait <= 0 {
		restoreWait = 5 * time.Second
	}
	return &DialController{dial: d, restoreWait: restoreWait}
}

// Apply requests a new exposure target. Non-blocking: the wheel seeks in
// the background and Readback reports its progress.
func (c *DialController) Apply(target EV) error {
	c.mu.Lock()
	if c.unavailable {
		c.mu.Unlock()
		return ErrUnavailable
	}
	engaged := c.engaged
	c.mu.Unlock()

	if !engaged {
		if err := c.dial.EngageClutch(); err != nil {
			return fmt.Errorf("%w: engage clutch: %v", ErrUnavailable, err)
		}
		c.mu.Lock()
		c.engaged = true
		c.mu.Unlock()
	}

	err := c.dial.SeekEV(float64(target))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dial.ErrMoving):
		return ErrBusy
	case errors.Is(err, dial.ErrClosed):
		return ErrUnavailable
	default:
		return err
	}
}

// Readback reports the wheel's current offset. Lags the target while the
// motor is still turning.
func (c *DialController) Readback() EV {
	return EV(c.dial.PositionEV())
}

// SnapshotMode captures the wheel position before the run takes over.
func (c *DialController) SnapshotMode() (Mode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return Mode{}, ErrUnavailable
	}
	return Mode{Auto: true, BiasEV: EV(c.dial.PositionEV())}, nil
}

// RestoreMode seeks the wheel back to the snapshotted offset, waits for
// the travel to finish, then releases the clutch so the body's
// auto-exposure owns the wheel again. Attempted even after the device
// went unavailable: releasing the clutch is what un-sticks the camera.
func (c *DialController) RestoreMode(m Mode) error {
	defer func() {
		c.mu.Lock()
		c.engaged = false
		c.mu.Unlock()
	}()

	// Let any in-flight seek finish before retargeting.
	if err := c.dial.WaitIdle(c.restoreWait); err != nil {
		_ = c.dial.DisengageClutch()
		return fmt.Errorf("restore exposure mode: %w", err)
	}
	if err := c.dial.SeekEV(float64(m.BiasEV)); err != nil && !errors.Is(err, dial.ErrClosed) {
		_ = c.dial.DisengageClutch()
		return fmt.Errorf("restore exposure mode: %w", err)
	}
	if err := c.dial.WaitIdle(c.restoreWait); err != nil {
		_ = c.dial.DisengageClutch()
		return fmt.Errorf("restore exposure mode: %w", err)
	}
	if err := c.dial.DisengageClutch(); err != nil {
		return fmt.Errorf("restore exposure mode: release clutch: %w", err)
	}
	debug.Verbose("Exposure: wheel restored to %+.2f EV, clutch released", float64(m.BiasEV))
	return nil
}

// MarkUnavailable is the device-session-stopped hook: every later Apply
// or SnapshotMode fails with ErrUnavailable.
func (c *DialController) MarkUnavailable() {
	c.mu.Lock()
	c.unavailable = true
	c.mu.Unlock()
}
