package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Hysteresis is a two-state switch with separate climb and fall thresholds.
// The first reading decides against Threshold; after that the state only
// flips when the reading crosses Climb (going high) or Fall (going low).
type Hysteresis struct {
	Fall      float64
	Threshold float64
	Climb     float64

	known bool
	high  bool
}

// Add feeds a reading and reports the resulting state and whether it changed.
// The first reading always counts as a change.
func (h *Hysteresis) Add(reading float64) (high bool, changed bool) {
	prev, known := h.high, h.known
	switch {
	case !h.known:
		h.high = reading >= h.Threshold
		h.known = true
	case h.high && reading < h.Fall:
		h.high = false
	case !h.high && reading > h.Climb:
		h.high = true
	}
	return h.high, !known || prev != h.high
}

// FanConfig configures the fan loop.
type FanConfig struct {
	Pin          int
	FrequencyHz  int
	Inverted     bool // PWM pin drives the fan through an inverting transistor
	LowSpeed     float64
	HighSpeed    float64
	PollInterval time.Duration
	ThermalPath  string

	FallC      float64
	ThresholdC float64
	ClimbC     float64
}

// FanState is the last applied fan setting.
type FanState struct {
	TempC float64 `json:"temp_c"`
	High  bool    `json:"high"`
	Speed float64 `json:"speed"`
}

// FanStateChanged is emitted whenever the fan switches speed.
type FanStateChanged struct {
	State FanState
}

func (FanStateChanged) eventMarker() {}

// FanController polls the SoC temperature and switches the fan between two
// speeds.
type FanController struct {
	pwm      PWM
	cfg      FanConfig
	readTemp func() (float64, error)
	onChange func(FanState)
	logger   *slog.Logger

	hyst Hysteresis
}

func NewFanController(pwm PWM, cfg FanConfig, onChange func(FanState), logger *slog.Logger) *FanController {
	path := cfg.ThermalPath
	return &FanController{
		pwm:      pwm,
		cfg:      cfg,
		readTemp: func() (float64, error) { return readTemperature(path) },
		onChange: onChange,
		logger:   logger.With("component", "fan", "pin", cfg.Pin),
		hyst: Hysteresis{
			Fall:      cfg.FallC,
			Threshold: cfg.ThresholdC,
			Climb:     cfg.ClimbC,
		},
	}
}

// Run configures PWM and polls until ctx is canceled.
func (f *FanController) Run(ctx context.Context) error {
	if err := f.pwm.SetMode(f.cfg.Pin, ModeOutput); err != nil {
		return fmt.Errorf("fan setup: set output mode: %w", err)
	}
	if err := f.pwm.SetPWMFrequency(f.cfg.Pin, f.cfg.FrequencyHz); err != nil {
		return fmt.Errorf("fan setup: set pwm frequency: %w", err)
	}

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	f.poll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.poll()
		}
	}
}

// poll reads the temperature once. An unreadable sensor keeps the current speed.
func (f *FanController) poll() {
	temp, err := f.readTemp()
	if err != nil {
		f.logger.Debug("temperature unavailable", "error", err)
		return
	}

	high, changed := f.hyst.Add(temp)
	if !changed {
		return
	}

	speed := f.cfg.LowSpeed
	if high {
		speed = f.cfg.HighSpeed
	}
	if err := f.pwm.SetPWMDutyCycle(f.cfg.Pin, dutyCycle(speed, f.cfg.Inverted)); err != nil {
		f.logger.Warn("fan speed update failed", "speed", speed, "error", err)
		// Forget the state so the next poll retries the write.
		f.hyst.known = false
		return
	}

	f.logger.Info("fan speed changed", "temp_c", temp, "high", high, "speed", speed)
	if f.onChange != nil {
		f.onChange(FanState{TempC: temp, High: high, Speed: speed})
	}
}

// dutyCycle converts a speed in [0,1] to a pigpio duty cycle in [0,255].
func dutyCycle(speed float64, inverted bool) int {
	duty := int(math.Round(clampFloat(speed, 0, 1) * pwmDutyRange))
	if inverted {
		duty = pwmDutyRange - duty
	}
	return duty
}

// readTemperature reads a thermal zone in milli-degrees Celsius.
func readTemperature(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return float64(milli) / 1000.0, nil
}
