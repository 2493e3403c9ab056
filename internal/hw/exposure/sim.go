package exposure

import (
	"math"
	"sync"
	"time"
)

// SimController is a software stand-in for the dial rig, for development
// on PC and for tests. The readback converges toward the applied target
// as a first-order system: each observation advances the simulated wheel
// by 1-exp(-dt/tau) of the remaining distance.
type SimController struct {
	mu      sync.Mutex
	tau     time.Duration
	target  EV
	current EV
	last    time.Time
	closed  bool
}

// NewSimController creates a simulated controller. tau is the
// convergence time constant; if 0, defaults to 100ms.
func NewSimController(tau time.Duration) *SimController {
	if tau <= 0 {
		tau = 100 * time.Millisecond
	}
	return &SimController{tau: tau, last: time.Now()}
}

// advance moves the simulated wheel toward the target based on the time
// elapsed since the previous observation. Callers hold c.mu.
func (c *SimController) advance() {
	now := time.Now()
	dt := now.Sub(c.last)
	c.last = now
	if dt <= 0 {
		return
	}
	f := 1 - math.Exp(-dt.Seconds()/c.tau.Seconds())
	c.current += EV(f * float64(c.target-c.current))
}

func (c *SimController) Apply(target EV) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrUnavailable
	}
	c.advance()
	c.target = target
	return nil
}

func (c *SimController) Readback() EV {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	return c.current
}

func (c *SimController) SnapshotMode() (Mode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Mode{}, ErrUnavailable
	}
	c.advance()
	return Mode{Auto: true, BiasEV: c.current}, nil
}

// RestoreMode snaps the simulated wheel straight back to the snapshot.
func (c *SimController) RestoreMode(m Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = m.BiasEV
	c.current = m.BiasEV
	c.last = time.Now()
	return nil
}

// MarkUnavailable makes every later Apply or SnapshotMode fail, like a
// stopped device session.
func (c *SimController) MarkUnavailable() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
