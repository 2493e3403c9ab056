package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/hw/gpio"
)

// NikonRemote is a FrameSource for a Nikon body wired through the 3-pin
// remote connector, tethered over USB:
// - GND: connected to Raspberry Pi ground
// - FOCUS: autofocus (activate by setting to LOW)
// - SHUTTER: trigger (activate by setting to LOW)
//
// Trigger sequence:
// 1. FOCUS to LOW (activates autofocus)
// 2. Wait for autofocus to complete
// 3. SHUTTER to LOW (triggers the shot)
// 4. Hold for a moment
// 5. Set SHUTTER and FOCUS back to HIGH
//
// The image itself arrives through the tether daemon, which drops the
// file into the hotfolder; Capture waits for the new file and returns
// its bytes.
type NikonRemote struct {
	gpio         gpio.Driver
	focusPin     int
	shutterPin   int
	focusDelay   time.Duration // time for autofocus
	shutterDelay time.Duration // shutter hold time
	hotfolder    string        // directory watched for the tethered image
	frameWait    time.Duration // how long to wait for the file to land
}

const hotfolderPoll = 200 * time.Millisecond

// NewNikonRemote creates a GPIO-triggered, hotfolder-collected source.
// frameWait bounds the wait for the tethered file; if 0, defaults to 10s.
func NewNikonRemote(g gpio.Driver, focusPin, shutterPin int, focusDelay, shutterDelay time.Duration, hotfolder string, frameWait time.Duration) *NikonRemote {
	// Configure pins as outputs
	_ = g.SetupPin(focusPin, gpio.Output)
	_ = g.SetupPin(shutterPin, gpio.Output)

	// By default, lines are HIGH (inactive)
	_ = g.WritePin(focusPin, gpio.High)
	_ = g.WritePin(shutterPin, gpio.High)

	if frameWait <= 0 {
		frameWait = 10 * time.Second
	}

	return &NikonRemote{
		gpio:         g,
		focusPin:     focusPin,
		shutterPin:   shutterPin,
		focusDelay:   focusDelay,
		shutterDelay: shutterDelay,
		hotfolder:    hotfolder,
		frameWait:    frameWait,
	}
}

// Capture triggers one shot and collects the tethered file.
func (n *NikonRemote) Capture(ctx context.Context, req CaptureRequest) (*Frame, error) {
	before, err := n.listHotfolder()
	if err != nil {
		return nil, fmt.Errorf("capture: scan hotfolder: %w", err)
	}

	if err := n.trigger(); err != nil {
		return nil, fmt.Errorf("capture: trigger: %w", err)
	}

	path, err := n.awaitNewFile(ctx, before)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capture: read tethered file: %w", err)
	}
	debug.Shot(req.StepIndex, float64(req.AppliedEV))

	return &Frame{
		Data:      data,
		Format:    strings.TrimPrefix(filepath.Ext(path), "."),
		TakenAt:   time.Now(),
		AppliedEV: req.AppliedEV,
		StepIndex: req.StepIndex,
	}, nil
}

// trigger runs the FOCUS/SHUTTER pulse sequence.
func (n *NikonRemote) trigger() error {
	debug.Printf("Camera: triggering shot (focus=%d, shutter=%d)", n.focusPin, n.shutterPin)

	// 1. Activate FOCUS (autofocus)
	if err := n.gpio.WritePin(n.focusPin, gpio.Low); err != nil {
		return err
	}

	// 2. Wait for autofocus to complete
	debug.Verbose("Camera: waiting for autofocus (%v)", n.focusDelay)
	time.Sleep(n.focusDelay)

	// 3. Activate SHUTTER (trigger)
	if err := n.gpio.WritePin(n.shutterPin, gpio.Low); err != nil {
		// Release FOCUS on error
		_ = n.gpio.WritePin(n.focusPin, gpio.High)
		return err
	}

	// 4. Hold shutter
	time.Sleep(n.shutterDelay)

	// 5. Release SHUTTER then FOCUS
	if err := n.gpio.WritePin(n.shutterPin, gpio.High); err != nil {
		return err
	}
	return n.gpio.WritePin(n.focusPin, gpio.High)
}

// awaitNewFile polls the hotfolder for a file that was not there before
// the trigger, then waits for its size to stop growing (the tether
// daemon writes in chunks).
func (n *NikonRemote) awaitNewFile(ctx context.Context, before map[string]struct{}) (string, error) {
	deadline := time.Now().Add(n.frameWait)
	timer := time.NewTimer(hotfolderPoll)
	defer timer.Stop()

	var candidate string
	var lastSize int64 = -1
	for {
		if candidate == "" {
			names, err := n.listHotfolder()
			if err != nil {
				return "", fmt.Errorf("capture: scan hotfolder: %w", err)
			}
			for name := range names {
				if _, ok := before[name]; !ok {
					candidate = filepath.Join(n.hotfolder, name)
					break
				}
			}
		}
		if candidate != "" {
			info, err := os.Stat(candidate)
			if err == nil && info.Size() > 0 && info.Size() == lastSize {
				return candidate, nil
			}
			if err == nil {
				lastSize = info.Size()
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("capture: no tethered file within %v", n.frameWait)
		}

		timer.Reset(hotfolderPoll)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (n *NikonRemote) listHotfolder() (map[string]struct{}, error) {
	entries, err := os.ReadDir(n.hotfolder)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names[e.Name()] = struct{}{}
	}
	return names, nil
}
