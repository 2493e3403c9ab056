package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/cjeanneret/BracketGo/internal/logic/bracket"
)

// Overrides holds bracket parameters that can override config defaults.
type Overrides struct {
	OffsetsEV       []float64 `json:"offsets_ev"`
	ToleranceEV     float64   `json:"tolerance_ev"`
	SettleTimeoutMs int       `json:"settle_timeout_ms"`
}

// ValidateOverrides checks a run request before it reaches hardware.
func ValidateOverrides(o Overrides) error {
	if len(o.OffsetsEV) == 0 {
		return fmt.Errorf("offsets_ev must list at least one step")
	}
	for i, ev := range o.OffsetsEV {
		if math.IsNaN(ev) || ev < -5 || ev > 5 {
			return fmt.Errorf("offsets_ev[%d] must be between -5 and +5 EV, got %g", i, ev)
		}
	}
	if o.ToleranceEV < 0 {
		return fmt.Errorf("tolerance_ev must be >= 0")
	}
	if o.SettleTimeoutMs < 0 || o.SettleTimeoutMs > 60000 {
		return fmt.Errorf("settle_timeout_ms must be between 0 and 60000")
	}
	return nil
}

// RunBracketFunc runs a bracket sequence with the given overrides.
// It is called from the POST /run handler in a goroutine.
type RunBracketFunc func(ctx context.Context, overrides Overrides) (*bracket.Result, error)

// FormConfig holds default values for the run form (from config).
type FormConfig struct {
	OffsetsEV       []float64 `json:"offsets_ev"`
	ToleranceEV     float64   `json:"tolerance_ev"`
	SettleTimeoutMs int       `json:"settle_timeout_ms"`
}

// StepView is the JSON shape of one step outcome.
type StepView struct {
	Index     int     `json:"index"`
	TargetEV  float64 `json:"target_ev"`
	AppliedEV float64 `json:"applied_ev"`
	Settle    string  `json:"settle"`
	AssetID   string  `json:"asset_id,omitempty"`
	Err       string  `json:"err,omitempty"`
}

// ResultView is the JSON shape of a finished run.
type ResultView struct {
	Status      string     `json:"status"`
	Saved       int        `json:"saved"`
	Total       int        `json:"total"`
	AbortReason string     `json:"abort_reason,omitempty"`
	RestoreErr  string     `json:"restore_err,omitempty"`
	FinishedAt  string     `json:"finished_at"`
	Steps       []StepView `json:"steps"`
}

func viewOf(res *bracket.Result, total int) *ResultView {
	v := &ResultView{
		Status:     res.Status.String(),
		Saved:      res.SavedCount(),
		Total:      total,
		FinishedAt: time.Now().Format(time.RFC3339),
	}
	if res.AbortReason != nil {
		v.AbortReason = res.AbortReason.Error()
	}
	if res.RestoreErr != nil {
		v.RestoreErr = res.RestoreErr.Error()
	}
	for _, o := range res.Outcomes {
		sv := StepView{
			Index:     o.Index,
			TargetEV:  float64(o.TargetEV),
			AppliedEV: float64(o.AppliedEV),
			Settle:    o.Settle.String(),
			AssetID:   o.AssetID,
		}
		if o.Err != nil {
			sv.Err = o.Err.Error()
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}

// maxRunBodyBytes caps the POST /run request body.
const maxRunBodyBytes = 1 << 20

// minRunInterval spaces out consecutive runs so a double-clicked form
// cannot fire the shutter twice.
const minRunInterval = 5 * time.Second

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	RunBracket   RunBracketFunc
	FormDefaults FormConfig
	runningMu    sync.Mutex
	running      bool
	lastStart    time.Time
	lastMu       sync.Mutex
	lastResult   *ResultView
	staticFS     fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If runBracket is nil, POST /run will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, runBracket RunBracketFunc, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		RunBracket:   runBracket,
		FormDefaults: formDefaults,
		staticFS:     staticFS,
	}
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleRun handles POST /run to start a bracket sequence.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var overrides Overrides
	body := http.MaxBytesReader(w, r.Body, maxRunBodyBytes)
	if err := json.NewDecoder(body).Decode(&overrides); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateOverrides(overrides); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.RunBracket == nil {
		http.Error(w, "bracket runner not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "a sequence is already in progress", http.StatusConflict)
		return
	}
	if since := time.Since(h.lastStart); since < minRunInterval {
		h.runningMu.Unlock()
		http.Error(w, "too soon after previous run", http.StatusTooManyRequests)
		return
	}
	h.running = true
	h.lastStart = time.Now()
	h.runningMu.Unlock()

	total := len(overrides.OffsetsEV)

	// Run in goroutine; clear running when done
	go func() {
		defer func() {
			h.runningMu.Lock()
			h.running = false
			h.runningMu.Unlock()
		}()

		ctx := context.Background()
		res, err := h.RunBracket(ctx, overrides)
		if err != nil {
			h.Broadcaster.Broadcast("error", "Bracket failed to start: "+err.Error())
			log.Printf("bracket failed: %v", err)
			return
		}

		h.lastMu.Lock()
		h.lastResult = viewOf(res, total)
		h.lastMu.Unlock()

		msg := fmt.Sprintf("Bracket %s: %d/%d frames saved", res.Status, res.SavedCount(), total)
		if res.Status == bracket.StatusCompleted {
			h.Broadcaster.Broadcast("info", msg)
		} else {
			h.Broadcaster.Broadcast("warn", msg)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

// HandleResult returns the most recent finished run as JSON.
func (h *Handlers) HandleResult(w http.ResponseWriter, r *http.Request) {
	h.lastMu.Lock()
	last := h.lastResult
	h.lastMu.Unlock()

	if last == nil {
		http.Error(w, "no finished run yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(last)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
