package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps how large a config file may be.
const MaxConfigFileBytes = 1 << 20

// CameraConfig describes how frames are captured.
// Type selects a concrete implementation ("nikon_remote_gpio" or "sim").
type CameraConfig struct {
	Type           string `yaml:"type"`              // e.g., "nikon_remote_gpio"
	FocusPin       int    `yaml:"focus_pin"`         // GPIO pin for FOCUS line
	ShutterPin     int    `yaml:"shutter_pin"`       // GPIO pin for SHUTTER line
	FocusDelayMs   int    `yaml:"focus_delay_ms"`    // autofocus delay (ms)
	ShutterDelayMs int    `yaml:"shutter_delay_ms"`  // shutter hold time (ms)
	Hotfolder      string `yaml:"hotfolder"`         // tether daemon drop directory
	FrameWaitMs    int    `yaml:"frame_wait_ms"`     // max wait for the tethered file (ms)
	SimShotDelayMs int    `yaml:"sim_shot_delay_ms"` // simulated shutter+transfer time (ms)
	// Note: GND is physically connected to Raspberry Pi ground
}

// ExposureConfig describes how the exposure compensation wheel is driven.
// Type selects a concrete implementation ("dial_gpio" or "sim").
type ExposureConfig struct {
	Type              string `yaml:"type"`                 // e.g., "dial_gpio"
	StepPin           int    `yaml:"step_pin"`             //
	DirPin            int    `yaml:"dir_pin"`              //
	EnablePin         int    `yaml:"enable_pin"`           // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	ClutchPin         int    `yaml:"clutch_pin"`           // clutch solenoid pin. 0 = always coupled.
	StepsPerEV        int    `yaml:"steps_per_ev"`         // microsteps per 1.0 EV of wheel travel
	StepDelayMs       int    `yaml:"step_delay_ms"`        // delay per STEP half-cycle (ms)
	RestoreTimeoutMs  int    `yaml:"restore_timeout_ms"`   // max wait for the wheel to travel back (ms)
	SimTimeConstantMs int    `yaml:"sim_time_constant_ms"` // simulated convergence time constant (ms)
}

// StoreConfig describes the durable asset store.
type StoreConfig struct {
	Dir string `yaml:"dir"` // asset directory
}

// BracketConfig contains the default bracket plan parameters. Each run
// may override them; they are plan inputs, never constants baked into
// the sequencing code.
type BracketConfig struct {
	OffsetsEV       []float64 `yaml:"offsets_ev"`        // ordered exposure offsets, e.g. [-2, 0, 2]
	ToleranceEV     float64   `yaml:"tolerance_ev"`      // settle tolerance per step
	SettleTimeoutMs int       `yaml:"settle_timeout_ms"` // max settle wait per step (ms)
	PollIntervalMs  int       `yaml:"poll_interval_ms"`  // readback poll interval (ms)
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Exposure ExposureConfig `yaml:"exposure"`
	Store    StoreConfig    `yaml:"store"`
	Bracket  BracketConfig  `yaml:"bracket"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath checks that a config path looks sane before it is
// read: non-empty, a .yaml file, and located in a configs/ directory
// (after cleaning, so traversal does not escape it).
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have a .yaml extension: %s", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config file must live in a configs/ directory: %s", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// Basic validation
	if cfg.Camera.Type == "" {
		return nil, fmt.Errorf("camera.type is required")
	}
	if cfg.Exposure.Type == "" {
		return nil, fmt.Errorf("exposure.type is required")
	}
	if cfg.Camera.Type == "nikon_remote_gpio" && cfg.Camera.Hotfolder == "" {
		return nil, fmt.Errorf("camera.hotfolder is required for nikon_remote_gpio")
	}

	// Bracket defaults
	if len(cfg.Bracket.OffsetsEV) == 0 {
		cfg.Bracket.OffsetsEV = []float64{-2, 0, 2}
	}
	for _, ev := range cfg.Bracket.OffsetsEV {
		if ev < -5 || ev > 5 {
			return nil, fmt.Errorf("bracket.offsets_ev must be within ±5 EV, got %g", ev)
		}
	}
	if cfg.Bracket.ToleranceEV < 0 {
		return nil, fmt.Errorf("bracket.tolerance_ev must be >= 0, got %g", cfg.Bracket.ToleranceEV)
	}
	if cfg.Bracket.ToleranceEV == 0 {
		cfg.Bracket.ToleranceEV = 0.1
	}
	if cfg.Bracket.SettleTimeoutMs <= 0 {
		cfg.Bracket.SettleTimeoutMs = 2000
	}
	if cfg.Bracket.PollIntervalMs <= 0 {
		cfg.Bracket.PollIntervalMs = 50
	}

	// Default values for camera delays
	if cfg.Camera.FocusDelayMs <= 0 {
		cfg.Camera.FocusDelayMs = 500 // 500ms for autofocus
	}
	if cfg.Camera.ShutterDelayMs <= 0 {
		cfg.Camera.ShutterDelayMs = 200 // 200ms shutter hold
	}
	if cfg.Camera.FrameWaitMs <= 0 {
		cfg.Camera.FrameWaitMs = 10000 // 10s for the tethered file
	}

	// Exposure drive defaults
	if cfg.Exposure.StepDelayMs <= 0 {
		cfg.Exposure.StepDelayMs = 1
	}
	if cfg.Exposure.StepsPerEV <= 0 {
		cfg.Exposure.StepsPerEV = 40
	}
	if cfg.Exposure.RestoreTimeoutMs <= 0 {
		cfg.Exposure.RestoreTimeoutMs = 5000
	}
	if cfg.Exposure.SimTimeConstantMs <= 0 {
		cfg.Exposure.SimTimeConstantMs = 100
	}

	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "assets"
	}

	return &cfg, nil
}

// SettleTimeout returns the per-step settle timeout.
func (c *Config) SettleTimeout() time.Duration {
	return time.Duration(c.Bracket.SettleTimeoutMs) * time.Millisecond
}

// PollInterval returns the settle readback poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Bracket.PollIntervalMs) * time.Millisecond
}

// FocusDelay returns the autofocus delay duration.
func (c *Config) FocusDelay() time.Duration {
	return time.Duration(c.Camera.FocusDelayMs) * time.Millisecond
}

// ShutterDelay returns the shutter hold duration.
func (c *Config) ShutterDelay() time.Duration {
	return time.Duration(c.Camera.ShutterDelayMs) * time.Millisecond
}

// FrameWait returns the max wait for the tethered file.
func (c *Config) FrameWait() time.Duration {
	return time.Duration(c.Camera.FrameWaitMs) * time.Millisecond
}

// SimShotDelay returns the simulated shutter+transfer time.
func (c *Config) SimShotDelay() time.Duration {
	return time.Duration(c.Camera.SimShotDelayMs) * time.Millisecond
}

// StepDelay returns the dial STEP half-cycle delay.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.Exposure.StepDelayMs) * time.Millisecond
}

// RestoreTimeout returns the max wait for the wheel to travel back.
func (c *Config) RestoreTimeout() time.Duration {
	return time.Duration(c.Exposure.RestoreTimeoutMs) * time.Millisecond
}

// SimTimeConstant returns the simulated convergence time constant.
func (c *Config) SimTimeConstant() time.Duration {
	return time.Duration(c.Exposure.SimTimeConstantMs) * time.Millisecond
}
