package dial

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/hw/gpio"
)

var (
	// ErrMoving is returned by SeekEV when a previous seek is still running.
	ErrMoving = errors.New("dial: seek already in progress")
	// ErrClosed is returned once the dial has been shut down.
	ErrClosed = errors.New("dial: closed")
)

// Config holds the hardware configuration for the exposure dial drive.
// The dial is a stepper motor coupled to the camera body's exposure
// compensation wheel through a clutch. Engaging the clutch overrides the
// body's own control of the wheel.
type Config struct {
	StepPin    int
	DirPin     int
	EnablePin  int           // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	ClutchPin  int           // clutch solenoid pin. 0 = always coupled. Active HIGH.
	StepsPerEV int           // microsteps for 1.0 EV of wheel travel
	StepDelay  time.Duration // delay per half-cycle of STEP pulse. Total step = 2*StepDelay.
}

// Dial drives the exposure compensation wheel. Seeks run in the
// background; PositionEV reports where the wheel currently is, which
// lags the requested target while the motor is moving.
type Dial struct {
	gpio  gpio.Driver
	cfg   Config
	delay time.Duration

	mu       sync.Mutex
	posSteps int
	moving   bool
	closed   bool
	idle     chan struct{} // closed when the in-flight seek finishes
}

// NewDial creates a new exposure dial controller.
// cfg.StepDelay: if 0, defaults to 1ms. cfg.StepsPerEV: if 0, defaults to 40.
func NewDial(g gpio.Driver, cfg Config) *Dial {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 1 * time.Millisecond
	}
	if cfg.StepsPerEV <= 0 {
		cfg.StepsPerEV = 40
	}

	d := &Dial{
		gpio:  g,
		cfg:   cfg,
		delay: delay,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}
	if cfg.ClutchPin > 0 {
		_ = g.SetupPin(cfg.ClutchPin, gpio.Output)
		_ = g.WritePin(cfg.ClutchPin, gpio.Low) // decoupled until engaged
	}

	return d
}

// SeekEV starts moving the wheel toward the target EV offset and returns
// immediately. A second seek while one is in flight fails with ErrMoving.
func (d *Dial) SeekEV(targetEV float64) error {
	target := int(math.Round(targetEV * float64(d.cfg.StepsPerEV)))

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.moving {
		d.mu.Unlock()
		return ErrMoving
	}
	delta := target - d.posSteps
	if delta == 0 {
		d.mu.Unlock()
		return nil
	}
	d.moving = true
	d.idle = make(chan struct{})
	d.mu.Unlock()

	debug.Printf("Dial: seeking %+.2f EV (%d steps)", targetEV, delta)
	go d.run(delta)
	return nil
}

// run executes the seek on its own goroutine, one pulse at a time, so the
// position readback advances while the motor turns. A close request stops
// the move at the next step boundary.
func (d *Dial) run(delta int) {
	defer func() {
		d.mu.Lock()
		d.moving = false
		close(d.idle)
		d.mu.Unlock()
	}()

	var dirLevel gpio.Level
	inc := 1
	if delta > 0 {
		dirLevel = gpio.High
	} else {
		dirLevel = gpio.Low
		inc = -1
		delta = -delta
	}
	if err := d.gpio.WritePin(d.cfg.DirPin, dirLevel); err != nil {
		debug.Error(err)
		return
	}

	for i := 0; i < delta; i++ {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		if err := d.stepPulse(); err != nil {
			debug.Error(err)
			return
		}

		d.mu.Lock()
		d.posSteps += inc
		d.mu.Unlock()
	}
}

func (d *Dial) stepPulse() error {
	if err := d.gpio.WritePin(d.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(d.delay)
	if err := d.gpio.WritePin(d.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(d.delay)
	return nil
}

// PositionEV returns the wheel's current offset in EV. While a seek is in
// flight this lags the requested target.
func (d *Dial) PositionEV() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.posSteps) / float64(d.cfg.StepsPerEV)
}

// Moving reports whether a seek is in flight.
func (d *Dial) Moving() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.moving
}

// WaitIdle blocks until the in-flight seek finishes, or the timeout
// elapses. Returns nil immediately when the dial is idle.
func (d *Dial) WaitIdle(timeout time.Duration) error {
	d.mu.Lock()
	if !d.moving {
		d.mu.Unlock()
		return nil
	}
	idle := d.idle
	d.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-idle:
		return nil
	case <-t.C:
		return errors.New("dial: timeout waiting for seek to finish")
	}
}

// EngageClutch couples the motor to the exposure wheel, overriding the
// body's auto-exposure control of it.
func (d *Dial) EngageClutch() error {
	if d.cfg.ClutchPin <= 0 {
		return nil
	}
	return d.gpio.WritePin(d.cfg.ClutchPin, gpio.High)
}

// DisengageClutch releases the wheel back to the camera body.
func (d *Dial) DisengageClutch() error {
	if d.cfg.ClutchPin <= 0 {
		return nil
	}
	return d.gpio.WritePin(d.cfg.ClutchPin, gpio.Low)
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motor holds position.
func (d *Dial) Enable() error {
	if d.cfg.EnablePin <= 0 {
		return nil
	}
	return d.gpio.WritePin(d.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motor freewheels,
// no holding torque. Use during capture to reduce vibration.
func (d *Dial) Disable() error {
	if d.cfg.EnablePin <= 0 {
		return nil
	}
	return d.gpio.WritePin(d.cfg.EnablePin, gpio.High)
}

// Close stops any in-flight seek at the next step boundary, releases the
// clutch and disables the driver. The dial rejects further seeks.
func (d *Dial) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	_ = d.WaitIdle(time.Second)
	_ = d.DisengageClutch()
	return d.Disable()
}
