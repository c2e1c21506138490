package main

import "context"

// PinMode selects the direction of a GPIO pin.
type PinMode uint32

const (
	ModeInput  PinMode = 0
	ModeOutput PinMode = 1
)

// Pull selects the internal pull resistor of a GPIO pin.
type Pull uint32

const (
	PullOff  Pull = 0
	PullDown Pull = 1
	PullUp   Pull = 2
)

// Tick is a free-running microsecond timestamp from the GPIO daemon.
// It wraps at 2^32 (about 71.6 minutes).
type Tick uint32

// EdgeEvent is a level change on a watched pin.
type EdgeEvent struct {
	Level int
	Tick  Tick
}

// GPIO is the pin-control capability the knob sampler needs.
// Every call reports success or a fault; callers decide whether to retry.
type GPIO interface {
	SetMode(pin int, mode PinMode) error
	SetPull(pin int, pull Pull) error
	Write(pin int, level int) error
	Read(pin int) (int, error)
	CurrentTick() (Tick, error)

	// Notify streams level changes of pin until ctx is canceled or the
	// underlying transport fails, at which point the channel is closed.
	Notify(ctx context.Context, pin int) (<-chan EdgeEvent, error)
}

// PWM drives hardware-timed PWM on a pin (used by the fan controller).
// The pin must be switched to output before PWM starts.
type PWM interface {
	SetMode(pin int, mode PinMode) error
	SetPWMFrequency(pin int, hz int) error
	SetPWMDutyCycle(pin int, duty int) error
}
