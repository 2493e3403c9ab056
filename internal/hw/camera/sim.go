package camera

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/BracketGo/internal/hw/exposure"
)

// SimSource produces deterministic synthetic frames for development and
// tests: a small grayscale PGM whose brightness follows the applied EV,
// so a bracket run yields visibly darker and brighter frames.
type SimSource struct {
	width, height int
	shotDelay     time.Duration
}

// NewSimSource creates a synthetic frame source. shotDelay simulates
// shutter plus transfer time and is interruptible through the context.
func NewSimSource(shotDelay time.Duration) *SimSource {
	return &SimSource{width: 64, height: 48, shotDelay: shotDelay}
}

func (s *SimSource) Capture(ctx context.Context, req CaptureRequest) (*Frame, error) {
	if s.shotDelay > 0 {
		t := time.NewTimer(s.shotDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	return &Frame{
		Data:      s.render(req.AppliedEV),
		Format:    "pgm",
		TakenAt:   time.Now(),
		AppliedEV: req.AppliedEV,
		StepIndex: req.StepIndex,
	}, nil
}

// render builds the PGM payload. Mid-gray at 0 EV, doubling per stop.
func (s *SimSource) render(ev exposure.EV) []byte {
	gray := 128.0 * math.Pow(2, float64(ev))
	if gray > 255 {
		gray = 255
	}
	if gray < 0 {
		gray = 0
	}
	g := byte(gray)

	header := fmt.Sprintf("P5\n%d %d\n255\n", s.width, s.height)
	data := make([]byte, 0, len(header)+s.width*s.height)
	data = append(data, header...)
	for i := 0; i < s.width*s.height; i++ {
		data = append(data, g)
	}
	return data
}
