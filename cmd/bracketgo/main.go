package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cjeanneret/BracketGo/internal/config"
	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/hw/camera"
	"github.com/cjeanneret/BracketGo/internal/hw/dial"
	"github.com/cjeanneret/BracketGo/internal/hw/exposure"
	"github.com/cjeanneret/BracketGo/internal/hw/gpio"
	"github.com/cjeanneret/BracketGo/internal/logic/bracket"
	"github.com/cjeanneret/BracketGo/internal/store"
	"github.com/cjeanneret/BracketGo/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	offsetsCSV := flag.String("offsets_ev", "", "override bracket offsets, comma separated EV values (e.g. -2,0,2)")
	toleranceEV := flag.Float64("tolerance_ev", 0, "override settle tolerance in EV (> 0)")
	settleTimeoutMs := flag.Int("settle_timeout_ms", 0, "override settle timeout in ms (1-60000)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (only non-zero values are applied; zero means "use config default")
	offsets, err := parseOffsets(*offsetsCSV)
	if err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	if err := validateCLIOverrides(offsets, *toleranceEV, *settleTimeoutMs); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}

	// Apply CLI overrides to config
	applyOverrides(cfg, web.Overrides{
		OffsetsEV:       offsets,
		ToleranceEV:     *toleranceEV,
		SettleTimeoutMs: *settleTimeoutMs,
	})

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	// Initialize exposure controller
	debug.Step(2, "Initializing exposure controller")
	ctrl, ctrlCleanup, err := newControllerFromConfig(gpioDriver, cfg)
	if err != nil {
		log.Fatalf("init exposure controller failed: %v", err)
	}
	defer ctrlCleanup()
	debug.Value("Exposure type", cfg.Exposure.Type)

	// Initialize frame source
	debug.Step(3, "Initializing camera")
	cam, err := newFrameSourceFromConfig(gpioDriver, cfg)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	debug.Value("Camera type", cfg.Camera.Type)

	// Initialize asset store
	debug.Step(4, "Opening asset store")
	assets, err := store.Open(cfg.Store.Dir)
	if err != nil {
		log.Fatalf("open asset store failed: %v", err)
	}
	defer assets.Close()
	debug.Value("Asset dir", assets.Dir())

	seq := bracket.NewSequencer(ctrl, cam, assets)

	// Build runBracket closure over hardware and base config
	runBracket := func(ctx context.Context, overrides web.Overrides) (*bracket.Result, error) {
		return executeBracket(ctx, cfg, seq, overrides)
	}

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		seq.OnProgress(broadcaster.BroadcastProgress)

		formDefaults := web.FormConfig{
			OffsetsEV:       cfg.Bracket.OffsetsEV,
			ToleranceEV:     cfg.Bracket.ToleranceEV,
			SettleTimeoutMs: cfg.Bracket.SettleTimeoutMs,
		}
		srv := web.NewServer(webAddr, broadcaster, runBracket, formDefaults)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	// Run one bracket with current config (already has CLI overrides applied)
	res, err := runBracket(ctx, web.Overrides{})
	if err != nil {
		log.Fatalf("bracket failed: %v", err)
	}
	printResult(res)
	if res.Status == bracket.StatusAborted {
		os.Exit(1)
	}
}

// executeBracket runs one bracket sequence with the given config and overrides.
// It applies overrides to a copy of the config, then builds the plan and runs it.
func executeBracket(ctx context.Context, baseCfg *config.Config, seq *bracket.Sequencer, overrides web.Overrides) (*bracket.Result, error) {
	cfg := applyOverridesToCopy(baseCfg, overrides)

	plan, err := bracket.PlanFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build bracket plan: %w", err)
	}
	return seq.Run(ctx, plan)
}

func printResult(res *bracket.Result) {
	fmt.Printf("bracket %s: %d/%d frames saved\n", res.Status, res.SavedCount(), len(res.Outcomes))
	for _, o := range res.Outcomes {
		switch {
		case o.Saved():
			fmt.Printf("  step %d: target %+.2f EV, applied %+.2f EV, settle %s, asset %s\n",
				o.Index, float64(o.TargetEV), float64(o.AppliedEV), o.Settle, o.AssetID)
		default:
			fmt.Printf("  step %d: target %+.2f EV, failed: %v\n", o.Index, float64(o.TargetEV), o.Err)
		}
	}
	if res.AbortReason != nil {
		fmt.Printf("  aborted: %v\n", res.AbortReason)
	}
	if res.RestoreErr != nil {
		fmt.Printf("  restore failed: %v\n", res.RestoreErr)
	}
}

// parseOffsets parses a comma separated EV list. Empty means "use
// config default".
func parseOffsets(csv string) ([]float64, error) {
	if strings.TrimSpace(csv) == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	offsets := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("offsets_ev: %q is not a number", strings.TrimSpace(p))
		}
		offsets = append(offsets, v)
	}
	return offsets, nil
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(offsets []float64, tolerance float64, settleTimeoutMs int) error {
	for i, ev := range offsets {
		if math.IsNaN(ev) || math.IsInf(ev, 0) || ev < -5 || ev > 5 {
			return fmt.Errorf("offsets_ev[%d] must be between -5 and +5, got %g", i, ev)
		}
	}
	if tolerance != 0 {
		if math.IsNaN(tolerance) || math.IsInf(tolerance, 0) || tolerance < 0 {
			return fmt.Errorf("tolerance_ev must be > 0, got %g", tolerance)
		}
	}
	if settleTimeoutMs != 0 {
		if settleTimeoutMs < 0 || settleTimeoutMs > 60000 {
			return fmt.Errorf("settle_timeout_ms must be between 1 and 60000, got %d", settleTimeoutMs)
		}
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, overrides web.Overrides) {
	if len(overrides.OffsetsEV) > 0 {
		cfg.Bracket.OffsetsEV = overrides.OffsetsEV
	}
	if overrides.ToleranceEV > 0 {
		cfg.Bracket.ToleranceEV = overrides.ToleranceEV
	}
	if overrides.SettleTimeoutMs > 0 {
		cfg.Bracket.SettleTimeoutMs = overrides.SettleTimeoutMs
	}
}

// applyOverridesToCopy returns a new config with overrides applied.
// Zero values in overrides mean "use base config".
func applyOverridesToCopy(baseCfg *config.Config, overrides web.Overrides) *config.Config {
	cfg := *baseCfg
	if len(overrides.OffsetsEV) > 0 {
		cfg.Bracket.OffsetsEV = overrides.OffsetsEV
	}
	if overrides.ToleranceEV > 0 {
		cfg.Bracket.ToleranceEV = overrides.ToleranceEV
	}
	if overrides.SettleTimeoutMs > 0 {
		cfg.Bracket.SettleTimeoutMs = overrides.SettleTimeoutMs
	}
	return &cfg
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// newControllerFromConfig selects an exposure controller based on configuration.
func newControllerFromConfig(g gpio.Driver, cfg *config.Config) (exposure.Controller, func(), error) {
	switch cfg.Exposure.Type {
	case "dial_gpio":
		d := dial.NewDial(g, dial.Config{
			StepPin:    cfg.Exposure.StepPin,
			DirPin:     cfg.Exposure.DirPin,
			EnablePin:  cfg.Exposure.EnablePin,
			ClutchPin:  cfg.Exposure.ClutchPin,
			StepsPerEV: cfg.Exposure.StepsPerEV,
			StepDelay:  cfg.StepDelay(),
		})
		if err := d.Enable(); err != nil {
			return nil, nil, fmt.Errorf("enable dial driver: %w", err)
		}
		cleanup := func() {
			if err := d.Close(); err != nil {
				log.Printf("closing dial failed: %v", err)
			}
		}
		return exposure.NewDialController(d, cfg.RestoreTimeout()), cleanup, nil
	case "sim":
		return exposure.NewSimController(cfg.SimTimeConstant()), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported exposure type: %s", cfg.Exposure.Type)
	}
}

// newFrameSourceFromConfig selects a camera implementation based on configuration.
func newFrameSourceFromConfig(g gpio.Driver, cfg *config.Config) (camera.FrameSource, error) {
	switch cfg.Camera.Type {
	case "nikon_remote_gpio":
		return camera.NewNikonRemote(
			g,
			cfg.Camera.FocusPin,
			cfg.Camera.ShutterPin,
			cfg.FocusDelay(),
			cfg.ShutterDelay(),
			cfg.Camera.Hotfolder,
			cfg.FrameWait(),
		), nil
	case "sim":
		return camera.NewSimSource(cfg.SimShotDelay()), nil
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}
