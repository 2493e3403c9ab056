package bracket

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/BracketGo/internal/hw/camera"
	"github.com/cjeanneret/BracketGo/internal/hw/exposure"
	"github.com/cjeanneret/BracketGo/internal/logic/settle"
	"github.com/cjeanneret/BracketGo/internal/store"
)

// stepBehavior scripts the fake controller for one Apply call.
type stepBehavior struct {
	applyErr error
	lagEV    exposure.EV // readback stays this far from target; 0 = instant convergence
}

// fakeExposure is a scriptable exposure controller.
type fakeExposure struct {
	mu          sync.Mutex
	behaviors   map[int]stepBehavior // keyed by Apply call number
	calls       int
	target      exposure.EV
	lag         exposure.EV
	snapshotErr error
	restoreErr  error
	snapshots   int
	restores    int
	restoredTo  exposure.Mode
}

func (f *fakeExposure) Apply(target exposure.EV) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.behaviors[f.calls]
	f.calls++
	if b.applyErr != nil {
		return b.applyErr
	}
	f.target = target
	f.lag = b.lagEV
	return nil
}

func (f *fakeExposure) Readback() exposure.EV {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target - f.lag
}

func (f *fakeExposure) SnapshotMode() (exposure.Mode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	if f.snapshotErr != nil {
		return exposure.Mode{}, f.snapshotErr
	}
	return exposure.Mode{Auto: true, BiasEV: 0.25}, nil
}

func (f *fakeExposure) RestoreMode(m exposure.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	f.restoredTo = m
	return f.restoreErr
}

func (f *fakeExposure) restoreCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restores
}

// fakeCamera yields one synthetic frame per call, with scriptable
// per-step failures.
type fakeCamera struct {
	mu     sync.Mutex
	shots  int
	failAt map[int]error
}

func (c *fakeCamera) Capture(ctx context.Context, req camera.CaptureRequest) (*camera.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failAt[req.StepIndex]; ok {
		return nil, err
	}
	c.shots++
	return &camera.Frame{
		Data:      []byte(fmt.Sprintf("frame-%d", req.StepIndex)),
		Format:    "jpg",
		TakenAt:   time.Now(),
		AppliedEV: req.AppliedEV,
		StepIndex: req.StepIndex,
	}, nil
}

func testPlan(t *testing.T, offsets ...float64) *Plan {
	t.Helper()
	steps := make([]Step, 0, len(offsets))
	for _, ev := range offsets {
		steps = append(steps, Step{
			OffsetEV:      exposure.EV(ev),
			ToleranceEV:   0.1,
			SettleTimeout: time.Second,
		})
	}
	p, err := NewPlan(steps, time.Millisecond)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	return p
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Scenario A: all steps settle and save.
func TestRun_AllStepsSaved(t *testing.T) {
	exp := &fakeExposure{behaviors: map[int]stepBehavior{}}
	cam := &fakeCamera{}
	seq := NewSequencer(exp, cam, testStore(t))

	res, err := seq.Run(context.Background(), testPlan(t, -2, 0, 2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %v, want completed", res.Status)
	}
	if len(res.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(res.Outcomes))
	}
	for i, o := range res.Outcomes {
		if o.Index != i {
			t.Errorf("outcome %d has index %d, want plan order", i, o.Index)
		}
		if !o.Saved() {
			t.Errorf("outcome %d not saved: %v", i, o.Err)
		}
		if o.Settle != settle.Converged {
			t.Errorf("outcome %d settle = %v, want converged", i, o.Settle)
		}
	}
	if res.Outcomes[0].AppliedEV != -2 || res.Outcomes[2].AppliedEV != 2 {
		t.Errorf("applied EVs = %v/%v, want -2/+2",
			res.Outcomes[0].AppliedEV, res.Outcomes[2].AppliedEV)
	}
	if exp.restoreCount() != 1 {
		t.Errorf("restores = %d, want exactly 1", exp.restoreCount())
	}
	if exp.restoredTo.BiasEV != 0.25 {
		t.Errorf("restored mode bias = %v, want snapshotted 0.25", exp.restoredTo.BiasEV)
	}
}

// Scenario B: step 0 times out settling but still captures and saves,
// recording the exposure actually reached, not the requested target.
func TestRun_SettleTimeoutStillCaptures(t *testing.T) {
	exp := &fakeExposure{behaviors: map[int]stepBehavior{
		0: {lagEV: 0.5}, // readback never gets within the 0.1 EV tolerance
	}}
	cam := &fakeCamera{}
	seq := NewSequencer(exp, cam, testStore(t))

	steps := []Step{
		{OffsetEV: -2, ToleranceEV: 0.1, SettleTimeout: 30 * time.Millisecond},
		{OffsetEV: 0, ToleranceEV: 0.1, SettleTimeout: time.Second},
	}
	plan, err := NewPlan(steps, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	res, err := seq.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %v, want completed", res.Status)
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(res.Outcomes))
	}
	if res.Outcomes[0].Settle != settle.TimedOut {
		t.Errorf("step 0 settle = %v, want timed_out", res.Outcomes[0].Settle)
	}
	if !res.Outcomes[0].Saved() {
		t.Errorf("step 0 should still save after settle timeout: %v", res.Outcomes[0].Err)
	}
	if res.Outcomes[0].AppliedEV != -2.5 {
		t.Errorf("step 0 applied = %v, want last readback -2.5, not target -2", res.Outcomes[0].AppliedEV)
	}
	if res.Outcomes[1].Settle != settle.Converged || !res.Outcomes[1].Saved() {
		t.Errorf("step 1 = %+v, want converged and saved", res.Outcomes[1])
	}
}

// Scenario C: cancellation while step 1 of 3 is settling.
func TestRun_CancelledWhileSettling(t *testing.T) {
	exp := &fakeExposure{behaviors: map[int]stepBehavior{
		1: {lagEV: 1.0}, // step 1 never converges, so it sits in settling
	}}
	cam := &fakeCamera{}
	seq := NewSequencer(exp, cam, testStore(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seq.OnProgress(func(p Progress) {
		if p.StepIndex == 1 && p.Phase == PhaseSettling {
			cancel()
		}
	})

	steps := []Step{
		{OffsetEV: -2, ToleranceEV: 0.1, SettleTimeout: time.Second},
		{OffsetEV: 0, ToleranceEV: 0.1, SettleTimeout: time.Minute},
		{OffsetEV: 2, ToleranceEV: 0.1, SettleTimeout: time.Second},
	}
	plan, err := NewPlan(steps, time.Millisecond)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	res, err := seq.Run(ctx, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCancelled {
		t.Errorf("status = %v, want cancelled", res.Status)
	}
	if len(res.Outcomes) != 1 {
		t.Fatalf("outcomes = %d, want only step 0", len(res.Outcomes))
	}
	if res.Outcomes[0].Index != 0 || !res.Outcomes[0].Saved() {
		t.Errorf("step 0 outcome = %+v, want saved", res.Outcomes[0])
	}
	if exp.restoreCount() != 1 {
		t.Errorf("restores = %d, want 1 (mode restored despite cancellation)", exp.restoreCount())
	}
}

// Scenario D: device unavailable on step 1 of 3.
func TestRun_DeviceUnavailableAborts(t *testing.T) {
	exp := &fakeExposure{behaviors: map[int]stepBehavior{
		1: {applyErr: exposure.ErrUnavailable},
	}}
	cam := &fakeCamera{}
	seq := NewSequencer(exp, cam, testStore(t))

	res, err := seq.Run(context.Background(), testPlan(t, -2, 0, 2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusAborted {
		t.Errorf("status = %v, want aborted", res.Status)
	}
	if !errors.Is(res.AbortReason, exposure.ErrUnavailable) {
		t.Errorf("abort reason = %v, want ErrUnavailable", res.AbortReason)
	}
	if len(res.Outcomes) != 1 || !res.Outcomes[0].Saved() {
		t.Errorf("outcomes = %+v, want step 0 saved", res.Outcomes)
	}
	if exp.restoreCount() != 1 {
		t.Errorf("restores = %d, want 1 (restore attempted after abort)", exp.restoreCount())
	}
}

func TestRun_BusyStepSkippedPlanContinues(t *testing.T) {
	exp := &fakeExposure{behaviors: map[int]stepBehavior{
		1: {applyErr: exposure.ErrBusy},
	}}
	cam := &fakeCamera{}
	seq := NewSequencer(exp, cam, testStore(t))

	res, err := seq.Run(context.Background(), testPlan(t, -2, 0, 2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusPartial {
		t.Errorf("status = %v, want partial", res.Status)
	}
	if len(res.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3 (busy step recorded, not dropped)", len(res.Outcomes))
	}
	if !errors.Is(res.Outcomes[1].Err, exposure.ErrBusy) {
		t.Errorf("step 1 err = %v, want ErrBusy", res.Outcomes[1].Err)
	}
	if !res.Outcomes[0].Saved() || !res.Outcomes[2].Saved() {
		t.Error("steps 0 and 2 should still save")
	}
}

func TestRun_CaptureFailureSkipsPersistence(t *testing.T) {
	exp := &fakeExposure{behaviors: map[int]stepBehavior{}}
	cam := &fakeCamera{failAt: map[int]error{1: errors.New("mirror lockup fault")}}
	st := testStore(t)
	seq := NewSequencer(exp, cam, st)

	res, err := seq.Run(context.Background(), testPlan(t, -2, 0, 2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusPartial {
		t.Errorf("status = %v, want partial", res.Status)
	}
	if res.Outcomes[1].Err == nil || res.Outcomes[1].AssetID != "" {
		t.Errorf("step 1 = %+v, want failed with no asset", res.Outcomes[1])
	}

	// Only the two captured frames reach the store.
	entries, err := os.ReadDir(st.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("assets on disk = %d, want 2", len(entries))
	}
}

func TestRun_SnapshotFailureAbortsWithoutRestore(t *testing.T) {
	exp := &fakeExposure{
		behaviors:   map[int]stepBehavior{},
		snapshotErr: errors.New("body not responding"),
	}
	seq := NewSequencer(exp, &fakeCamera{}, testStore(t))

	res, err := seq.Run(context.Background(), testPlan(t, 0))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusAborted {
		t.Errorf("status = %v, want aborted", res.Status)
	}
	if len(res.Outcomes) != 0 {
		t.Errorf("outcomes = %d, want 0 (device never touched)", len(res.Outcomes))
	}
	if exp.restoreCount() != 0 {
		t.Errorf("restores = %d, want 0 (nothing to restore)", exp.restoreCount())
	}
}

func TestRun_RestoreFailureRecordedNotFatal(t *testing.T) {
	exp := &fakeExposure{
		behaviors:  map[int]stepBehavior{},
		restoreErr: errors.New("clutch stuck"),
	}
	seq := NewSequencer(exp, &fakeCamera{}, testStore(t))

	res, err := seq.Run(context.Background(), testPlan(t, -2, 0, 2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RestoreErr == nil {
		t.Error("restore failure must be recorded")
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %v, want completed (restore failure is non-fatal)", res.Status)
	}
	if res.SavedCount() != 3 {
		t.Errorf("saved = %d, want all 3 results kept", res.SavedCount())
	}
}

// blockingCamera holds the capture until released, to keep a run in
// flight.
type blockingCamera struct {
	release chan struct{}
}

func (c *blockingCamera) Capture(ctx context.Context, req camera.CaptureRequest) (*camera.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.release:
	}
	return &camera.Frame{Data: []byte("x"), Format: "jpg", StepIndex: req.StepIndex}, nil
}

func TestRun_SecondInvocationRejected(t *testing.T) {
	exp := &fakeExposure{behaviors: map[int]stepBehavior{}}
	cam := &blockingCamera{release: make(chan struct{})}
	seq := NewSequencer(exp, cam, testStore(t))

	done := make(chan *Result, 1)
	go func() {
		res, _ := seq.Run(context.Background(), testPlan(t, 0))
		done <- res
	}()

	// Wait until the first run is inside the blocked capture.
	deadline := time.Now().Add(5 * time.Second)
	for !seq.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !seq.Running() {
		t.Fatal("first run never started")
	}

	if _, err := seq.Run(context.Background(), testPlan(t, 0)); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}

	close(cam.release)
	select {
	case res := <-done:
		if res.Status != StatusCompleted {
			t.Errorf("first run status = %v, want completed", res.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first run never finished")
	}

	// The guard clears: a new run is accepted afterwards.
	if _, err := seq.Run(context.Background(), testPlan(t, 0)); err != nil {
		t.Errorf("run after completion: %v", err)
	}
}

func TestRun_EmptyPlanRejected(t *testing.T) {
	seq := NewSequencer(&fakeExposure{behaviors: map[int]stepBehavior{}}, &fakeCamera{}, testStore(t))
	if _, err := seq.Run(context.Background(), nil); !errors.Is(err, ErrEmptyPlan) {
		t.Errorf("Run(nil) = %v, want ErrEmptyPlan", err)
	}
	if _, err := seq.Run(context.Background(), &Plan{}); !errors.Is(err, ErrEmptyPlan) {
		t.Errorf("Run(empty) = %v, want ErrEmptyPlan", err)
	}
}

func TestRun_CancelledBeforeFirstStep(t *testing.T) {
	exp := &fakeExposure{behaviors: map[int]stepBehavior{}}
	seq := NewSequencer(exp, &fakeCamera{}, testStore(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := seq.Run(ctx, testPlan(t, -2, 0, 2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCancelled {
		t.Errorf("status = %v, want cancelled", res.Status)
	}
	if len(res.Outcomes) != 0 {
		t.Errorf("outcomes = %d, want 0", len(res.Outcomes))
	}
	if exp.restoreCount() != 1 {
		t.Errorf("restores = %d, want 1", exp.restoreCount())
	}
}

func TestRun_ProgressPhaseSequence(t *testing.T) {
	seq := NewSequencer(&fakeExposure{behaviors: map[int]stepBehavior{}}, &fakeCamera{}, testStore(t))

	var mu sync.Mutex
	var phases []Phase
	seq.OnProgress(func(p Progress) {
		mu.Lock()
		phases = append(phases, p.Phase)
		mu.Unlock()
	})

	if _, err := seq.Run(context.Background(), testPlan(t, 0)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []Phase{PhaseStarting, PhaseStepping, PhaseSettling, PhaseCapturing, PhasePersisting, PhaseRestoring, PhaseDone}
	mu.Lock()
	defer mu.Unlock()
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phase %d = %v, want %v", i, phases[i], want[i])
		}
	}
}

func TestStatus_String(t *testing.T) {
	cases := []struct {
		s    Status
		want string
	}{
		{StatusCompleted, "completed"},
		{StatusPartial, "partial"},
		{StatusCancelled, "cancelled"},
		{StatusAborted, "aborted"},
		{Status(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}
