package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "eqknob.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0, cfg.Knob.Pin)
	assert.Len(t, cfg.Equalizer.PresetA, numBands)
}

func TestLoadConfigFile(t *testing.T) {
	p := writeConfig(t, `
gpio:
  pigpio_addr: "10.0.0.5:8888"
knob:
  pin: 4
  persist_threshold: 50
equalizer:
  mono: false
  long_words: "false"
  preset_a: [0, 0, 0, 0, 0, 0, 0, 0, 0, 0]
  preset_b: [6, 6, 4, 2, 0, 0, -2, -4, -6, -6]
  default_blend: 0.25
fan:
  pin: 18
logging:
  level: debug
`)
	cfg, err := LoadConfigFile(p)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "10.0.0.5:8888", cfg.GPIO.PigpioAddr)
	assert.Equal(t, defaultPigpioTimeoutMS, cfg.GPIO.TimeoutMS, "unset fields keep defaults")
	assert.Equal(t, 4, cfg.Knob.Pin)
	assert.Equal(t, 50.0, cfg.Knob.PersistThreshold)
	assert.Equal(t, []int{6, 6, 4, 2, 0, 0, -2, -4, -6, -6}, cfg.Equalizer.PresetB)
	assert.Equal(t, 18, cfg.Fan.Pin)
	assert.Equal(t, "debug", cfg.Logging.Level)

	layout, err := cfg.Equalizer.ToLayout()
	require.NoError(t, err)
	assert.Equal(t, ControlFileLayout{Channels: 2, LongWords: false}, layout)

	kc := cfg.ToKnobConfig()
	assert.Equal(t, 4, kc.Pin)
	assert.Equal(t, defaultDischargeDelay, kc.DischargeDelay)
	assert.Equal(t, 250*time.Millisecond, kc.TargetPeriod)
	assert.Equal(t, defaultPersistDelay, kc.PersistDelay)

	fc := cfg.ToFanConfig()
	assert.Equal(t, 18, fc.Pin)
	assert.Equal(t, defaultFanPollInterval, fc.PollInterval)
}

func TestLoadConfigFile_RejectsUnknownFields(t *testing.T) {
	p := writeConfig(t, "knob:\n  pinn: 4\n")
	_, err := LoadConfigFile(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pinn")
}

func TestLoadConfigFile_RejectsTrailingDocument(t *testing.T) {
	p := writeConfig(t, "knob:\n  pin: 4\n---\nknob:\n  pin: 5\n")
	_, err := LoadConfigFile(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing document")
}

func TestLoadConfigFile_Missing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
	_, err = LoadConfigFile("")
	assert.Error(t, err)
}

func TestFlagOverrides(t *testing.T) {
	cfg := DefaultConfig()
	pin, port := 17, 0
	level, ctl := "warn", "/tmp/eq.bin"
	mono := false

	FlagOverrides{
		KnobPin:     &pin,
		HTTPPort:    &port,
		LogLevel:    &level,
		ControlFile: &ctl,
		Mono:        &mono,
	}.Apply(&cfg)

	assert.Equal(t, 17, cfg.Knob.Pin)
	assert.Equal(t, 0, cfg.HTTP.Port, "zero values still override")
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/tmp/eq.bin", cfg.Equalizer.ControlFile)
	assert.False(t, cfg.Equalizer.Mono)
	assert.Equal(t, defaultIPCSocket, cfg.IPC.SocketPath, "nil overrides ignored")

	FlagOverrides{}.Apply(nil)
}

func TestApplyDirectoryDefaults(t *testing.T) {
	state, runtime := t.TempDir(), t.TempDir()

	cfg := DefaultConfig()
	cfg.ApplyDirectoryDefaults(state, runtime)
	assert.Equal(t, filepath.Join(state, calibrationFileName), cfg.Knob.CalibrationFile)
	assert.Equal(t, filepath.Join(runtime, controlFileName), cfg.Equalizer.ControlFile)

	cfg = DefaultConfig()
	cfg.Equalizer.ControlFile = "/explicit.bin"
	cfg.ApplyDirectoryDefaults(filepath.Join(state, "missing"), runtime)
	assert.Empty(t, cfg.Knob.CalibrationFile, "missing state dir leaves persistence off")
	assert.Equal(t, "/explicit.bin", cfg.Equalizer.ControlFile)

	cfg = DefaultConfig()
	cfg.ApplyDirectoryDefaults("", "")
	assert.Empty(t, cfg.Knob.CalibrationFile)
	assert.Empty(t, cfg.Equalizer.ControlFile)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short preset", func(c *Config) { c.Equalizer.PresetA = []int{1, 2} }, "preset_a"},
		{"long preset", func(c *Config) { c.Equalizer.PresetB = make([]int, 11) }, "preset_b"},
		{"blend range", func(c *Config) { c.Equalizer.DefaultBlend = 1.2 }, "default_blend"},
		{"long words", func(c *Config) { c.Equalizer.LongWords = "maybe" }, "long_words"},
		{"knob pin", func(c *Config) { c.Knob.Pin = 40 }, "knob.pin"},
		{"samples", func(c *Config) { c.Knob.Pin = 4; c.Knob.MaxSamples = 2 }, "max_samples"},
		{"no pigpio addr", func(c *Config) { c.Knob.Pin = 4; c.GPIO.PigpioAddr = "" }, "pigpio_addr"},
		{"shared pin", func(c *Config) { c.Knob.Pin = 4; c.Fan.Pin = 4 }, "must differ"},
		{"fan thresholds", func(c *Config) { c.Fan.Pin = 18; c.Fan.ClimbC = 50 }, "fall_c"},
		{"fan speed", func(c *Config) { c.Fan.Pin = 18; c.Fan.HighSpeed = 2 }, "high_speed"},
		{"ipc", func(c *Config) { c.IPC.SocketPath = "" }, "socket_path"},
		{"port", func(c *Config) { c.HTTP.Port = 70000 }, "http.port"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestResolveLongWords(t *testing.T) {
	for in, want := range map[string]bool{"true": true, "false": false, "auto": hostLongWords(), "": hostLongWords()} {
		got, err := EqualizerConfig{LongWords: in}.resolveLongWords()
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, "", ExpandPath(""))
	assert.Equal(t, "/abs/path", ExpandPath("/abs/path"))
	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, filepath.Join(home, "eq.yaml"), ExpandPath("~/eq.yaml"))
	assert.True(t, strings.HasPrefix(ExpandPath("~other/x"), "~"))
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := parseLogLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, LogLevelWarn, lvl)

	_, err = parseLogLevel("trace")
	assert.Error(t, err)
}
