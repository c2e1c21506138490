package main

import "time"

// Knob sampler defaults
const (
	defaultDischargeDelay = 10 * time.Millisecond // Also rate-limits sampling
	defaultChargeTimeout  = 100 * time.Millisecond
	defaultTargetPeriodMS = 250 // Averaging period the buffer size is tuned towards
	defaultInitialSamples = 20
	defaultMinSamples     = 5
	defaultMaxSamples     = 40
	defaultMaxFaults      = 10 // Consecutive faults before the sampler gives up

	// Calibration persistence
	defaultPersistDelay     = 10 * time.Second
	defaultPersistThreshold = 200 // ticks

	// unsetBound marks a calibration bound that has not been observed yet.
	unsetBound = -1.0

	calibrationFileName = "tone-limits"
)

// Reading remap: the bottom and top 10% of the raw range are clipped so the
// end-stops of the pot reliably reach the extremes of the blend.
const (
	clipOffset = 0.1
	clipSpan   = 0.8
)

// Equalizer control file (alsaequal / Eq10 LADSPA plugin)
const (
	numBands          = 10
	numWeightChannels = 16
	ladspaPluginEq10  = 1773

	ladspaControlOutput = 0

	controlFileName = ".alsaequal.bin"
)

// Fan controller defaults
const (
	defaultFanPWMFrequency = 25000 // Ideal for PC fans; Noctua fans work far below this
	defaultFanPollInterval = 5 * time.Second
	defaultThermalPath     = "/sys/class/thermal/thermal_zone0/temp"
	pwmDutyRange           = 255
)

// pigpiod defaults
const (
	defaultPigpioAddr      = "127.0.0.1:8888"
	defaultPigpioTimeoutMS = 2000
)

// Front-end defaults
const (
	defaultIPCSocket = "/tmp/eqknob.sock"
	defaultHTTPPort  = 3001
	defaultWSPath    = "/ws/state"
)
