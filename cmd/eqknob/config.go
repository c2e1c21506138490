package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the eqknob daemon.
//
// Keep defaults and validation centralized so the rest of the code can
// assume a well-formed config.
type Config struct {
	// GPIO daemon connection
	GPIO GPIOConfig `yaml:"gpio"`

	// Tone knob (RC-timing pot)
	Knob KnobFileConfig `yaml:"knob"`

	// Equalizer control file and presets
	Equalizer EqualizerConfig `yaml:"equalizer"`

	// Case fan
	Fan FanFileConfig `yaml:"fan"`

	// IPC configuration (knobctl)
	IPC IPCConfig `yaml:"ipc"`

	// State websocket server
	HTTP HTTPConfig `yaml:"http"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type GPIOConfig struct {
	PigpioAddr string `yaml:"pigpio_addr"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

// KnobFileConfig is the YAML form of KnobConfig. Pin 0 disables the knob
// (GPIO 0 is the HAT EEPROM data line on a Pi and never carries a pot).
type KnobFileConfig struct {
	Pin int `yaml:"pin"`

	DischargeDelayMS int `yaml:"discharge_delay_ms"`
	ChargeTimeoutMS  int `yaml:"charge_timeout_ms"`

	TargetPeriodMS int `yaml:"target_period_ms"`
	InitialSamples int `yaml:"initial_samples"`
	MinSamples     int `yaml:"min_samples"`
	MaxSamples     int `yaml:"max_samples"`

	MaxConsecutiveFaults int `yaml:"max_consecutive_faults"`

	// CalibrationFile defaults to $STATE_DIRECTORY/tone-limits when that
	// directory exists. Empty disables persistence.
	CalibrationFile  string  `yaml:"calibration_file,omitempty"`
	PersistDelayMS   int     `yaml:"persist_delay_ms"`
	PersistThreshold float64 `yaml:"persist_threshold"`
}

type EqualizerConfig struct {
	// ControlFile defaults to $RUNTIME_DIRECTORY/.alsaequal.bin when that
	// directory exists. alsaequal maps it writable, so it must live somewhere
	// the plugin can write too.
	ControlFile string `yaml:"control_file,omitempty"`

	Mono bool `yaml:"mono"`

	// LongWords selects 64-bit header words: "auto", "true" or "false".
	LongWords string `yaml:"long_words"`

	PresetA      []int   `yaml:"preset_a"`
	PresetB      []int   `yaml:"preset_b"`
	DefaultBlend float64 `yaml:"default_blend"`
}

// FanFileConfig is the YAML form of FanConfig. Pin 0 disables the fan loop.
type FanFileConfig struct {
	Pin            int     `yaml:"pin"`
	PWMFrequencyHz int     `yaml:"pwm_frequency_hz"`
	Inverted       bool    `yaml:"inverted"`
	LowSpeed       float64 `yaml:"low_speed"`
	HighSpeed      float64 `yaml:"high_speed"`
	PollIntervalMS int     `yaml:"poll_interval_ms"`
	ThermalPath    string  `yaml:"thermal_path"`
	FallC          float64 `yaml:"fall_c"`
	ThresholdC     float64 `yaml:"threshold_c"`
	ClimbC         float64 `yaml:"climb_c"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	Port   int    `yaml:"port"` // 0 disables the state websocket
	WSPath string `yaml:"ws_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		GPIO: GPIOConfig{
			PigpioAddr: defaultPigpioAddr,
			TimeoutMS:  defaultPigpioTimeoutMS,
		},
		Knob: KnobFileConfig{
			Pin:                  0,
			DischargeDelayMS:     int(defaultDischargeDelay / time.Millisecond),
			ChargeTimeoutMS:      int(defaultChargeTimeout / time.Millisecond),
			TargetPeriodMS:       defaultTargetPeriodMS,
			InitialSamples:       defaultInitialSamples,
			MinSamples:           defaultMinSamples,
			MaxSamples:           defaultMaxSamples,
			MaxConsecutiveFaults: defaultMaxFaults,
			PersistDelayMS:       int(defaultPersistDelay / time.Millisecond),
			PersistThreshold:     defaultPersistThreshold,
		},
		Equalizer: EqualizerConfig{
			Mono:         true,
			LongWords:    "auto",
			PresetA:      make([]int, numBands),
			PresetB:      make([]int, numBands),
			DefaultBlend: 0.5,
		},
		Fan: FanFileConfig{
			Pin:            0,
			PWMFrequencyHz: defaultFanPWMFrequency,
			Inverted:       true,
			LowSpeed:       0.3,
			HighSpeed:      1.0,
			PollIntervalMS: int(defaultFanPollInterval / time.Millisecond),
			ThermalPath:    defaultThermalPath,
			FallC:          55,
			ThresholdC:     60,
			ClimbC:         65,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocket,
		},
		HTTP: HTTPConfig{
			Port:   defaultHTTPPort,
			WSPath: defaultWSPath,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected to catch typos.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides carries command-line overrides. Nil pointers are ignored.
type FlagOverrides struct {
	PigpioAddr  *string
	KnobPin     *int
	ControlFile *string
	Mono        *bool
	FanPin      *int

	IPCSocketPath *string
	HTTPPort      *int

	LogLevel *string
}

// Apply merges the overrides into cfg. A non-nil pointer is applied even if
// it holds a zero value.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.PigpioAddr != nil {
		cfg.GPIO.PigpioAddr = *o.PigpioAddr
	}
	if o.KnobPin != nil {
		cfg.Knob.Pin = *o.KnobPin
	}
	if o.ControlFile != nil {
		cfg.Equalizer.ControlFile = *o.ControlFile
	}
	if o.Mono != nil {
		cfg.Equalizer.Mono = *o.Mono
	}
	if o.FanPin != nil {
		cfg.Fan.Pin = *o.FanPin
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// ApplyDirectoryDefaults fills unset file paths from the systemd-provided
// state and runtime directories, when they exist.
func (c *Config) ApplyDirectoryDefaults(stateDir, runtimeDir string) {
	if c.Knob.CalibrationFile == "" && dirExists(stateDir) {
		c.Knob.CalibrationFile = filepath.Join(stateDir, calibrationFileName)
	}
	if c.Equalizer.ControlFile == "" && dirExists(runtimeDir) {
		c.Equalizer.ControlFile = filepath.Join(runtimeDir, controlFileName)
	}
}

func dirExists(dir string) bool {
	if dir == "" {
		return false
	}
	st, err := os.Stat(dir)
	return err == nil && st.IsDir()
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults, file, overrides and directory defaults are applied.
func (c *Config) Validate() error {
	usesGPIO := c.Knob.Pin != 0 || c.Fan.Pin != 0
	if usesGPIO {
		if c.GPIO.PigpioAddr == "" {
			return errors.New("gpio.pigpio_addr must not be empty")
		}
		if c.GPIO.TimeoutMS <= 0 {
			return errors.New("gpio.timeout_ms must be > 0")
		}
	}

	// Knob
	if c.Knob.Pin < 0 || c.Knob.Pin > maxUserGPIO {
		return fmt.Errorf("knob.pin must be between 0 and %d", maxUserGPIO)
	}
	if c.Knob.Pin != 0 {
		if c.Knob.DischargeDelayMS <= 0 {
			return errors.New("knob.discharge_delay_ms must be > 0")
		}
		if c.Knob.ChargeTimeoutMS <= 0 {
			return errors.New("knob.charge_timeout_ms must be > 0")
		}
		if c.Knob.TargetPeriodMS <= 0 {
			return errors.New("knob.target_period_ms must be > 0")
		}
		if c.Knob.MinSamples <= 0 {
			return errors.New("knob.min_samples must be > 0")
		}
		if c.Knob.MaxSamples < c.Knob.MinSamples {
			return errors.New("knob.max_samples must be >= knob.min_samples")
		}
		if c.Knob.MaxConsecutiveFaults < 0 {
			return errors.New("knob.max_consecutive_faults must be >= 0")
		}
		if c.Knob.PersistDelayMS <= 0 {
			return errors.New("knob.persist_delay_ms must be > 0")
		}
		if c.Knob.PersistThreshold < 0 {
			return errors.New("knob.persist_threshold must be >= 0")
		}
	}

	// Equalizer
	if len(c.Equalizer.PresetA) != numBands {
		return fmt.Errorf("equalizer.preset_a must have %d gains, got %d", numBands, len(c.Equalizer.PresetA))
	}
	if len(c.Equalizer.PresetB) != numBands {
		return fmt.Errorf("equalizer.preset_b must have %d gains, got %d", numBands, len(c.Equalizer.PresetB))
	}
	if c.Equalizer.DefaultBlend < 0 || c.Equalizer.DefaultBlend > 1 {
		return errors.New("equalizer.default_blend must be between 0 and 1")
	}
	if _, err := c.Equalizer.resolveLongWords(); err != nil {
		return err
	}

	// Fan
	if c.Fan.Pin < 0 || c.Fan.Pin > maxUserGPIO {
		return fmt.Errorf("fan.pin must be between 0 and %d", maxUserGPIO)
	}
	if c.Fan.Pin != 0 {
		if c.Fan.Pin == c.Knob.Pin {
			return errors.New("fan.pin and knob.pin must differ")
		}
		if c.Fan.PWMFrequencyHz <= 0 {
			return errors.New("fan.pwm_frequency_hz must be > 0")
		}
		if c.Fan.LowSpeed < 0 || c.Fan.LowSpeed > 1 || c.Fan.HighSpeed < 0 || c.Fan.HighSpeed > 1 {
			return errors.New("fan.low_speed and fan.high_speed must be between 0 and 1")
		}
		if c.Fan.PollIntervalMS <= 0 {
			return errors.New("fan.poll_interval_ms must be > 0")
		}
		if c.Fan.ThermalPath == "" {
			return errors.New("fan.thermal_path must not be empty")
		}
		if !(c.Fan.FallC <= c.Fan.ThresholdC && c.Fan.ThresholdC <= c.Fan.ClimbC) {
			return errors.New("fan thresholds must satisfy fall_c <= threshold_c <= climb_c")
		}
	}

	// Front ends
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 and 65535")
	}
	if c.HTTP.Port != 0 && c.HTTP.WSPath == "" {
		return errors.New("http.ws_path must not be empty")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// resolveLongWords turns the long_words setting into the layout flag. "auto"
// is decided once, here, from the word size of this build.
func (e EqualizerConfig) resolveLongWords() (bool, error) {
	switch e.LongWords {
	case "", "auto":
		return hostLongWords(), nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("equalizer.long_words must be auto, true or false, got %q", e.LongWords)
	}
}

// ToLayout converts the equalizer settings into the control-file layout.
func (e EqualizerConfig) ToLayout() (ControlFileLayout, error) {
	long, err := e.resolveLongWords()
	if err != nil {
		return ControlFileLayout{}, err
	}
	channels := 2
	if e.Mono {
		channels = 1
	}
	return ControlFileLayout{Channels: channels, LongWords: long}, nil
}

// ToKnobConfig converts file config into the sampler config.
func (c *Config) ToKnobConfig() KnobConfig {
	k := c.Knob
	return KnobConfig{
		Pin:              k.Pin,
		DischargeDelay:   time.Duration(k.DischargeDelayMS) * time.Millisecond,
		ChargeTimeout:    time.Duration(k.ChargeTimeoutMS) * time.Millisecond,
		TargetPeriod:     time.Duration(k.TargetPeriodMS) * time.Millisecond,
		InitialSamples:   k.InitialSamples,
		MinSamples:       k.MinSamples,
		MaxSamples:       k.MaxSamples,
		MaxFaults:        k.MaxConsecutiveFaults,
		CalibrationFile:  ExpandPath(k.CalibrationFile),
		PersistDelay:     time.Duration(k.PersistDelayMS) * time.Millisecond,
		PersistThreshold: k.PersistThreshold,
	}
}

// ToFanConfig converts file config into the fan loop config.
func (c *Config) ToFanConfig() FanConfig {
	f := c.Fan
	return FanConfig{
		Pin:          f.Pin,
		FrequencyHz:  f.PWMFrequencyHz,
		Inverted:     f.Inverted,
		LowSpeed:     f.LowSpeed,
		HighSpeed:    f.HighSpeed,
		PollInterval: time.Duration(f.PollIntervalMS) * time.Millisecond,
		ThermalPath:  f.ThermalPath,
		FallC:        f.FallC,
		ThresholdC:   f.ThresholdC,
		ClimbC:       f.ClimbC,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
