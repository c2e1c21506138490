package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ============================================================================
// Knob sampler - RC-timing ADC on a single digital pin
// ============================================================================
// The pot charges a capacitor; the charge time up to the input threshold is
// a proxy for the wiper position. Each cycle:
//
//   Idle -> Discharging -> ArmedForCharge -> EdgeDetected -> (full? Calibrate : Idle)
//
//   - Discharging: pin is an output driving low for DischargeDelay.
//   - ArmedForCharge: pin goes high-impedance; the tick at that instant is
//     the charge start.
//   - EdgeDetected: the rising edge tick minus the start is one sample.
//   - Calibrate: the buffer median widens the bounds, samples inside the
//     bounds are averaged and normalized into [0,1].
//
// Everything runs on the goroutine calling Run. The only waits are the
// discharge delay, the pause gate and the rising edge; the persistence timer
// is serviced in all three.
// ============================================================================

var (
	errChargeTimeout = errors.New("no rising edge before charge timeout")
	errEdgesClosed   = errors.New("edge notification stream closed")
)

// KnobConfig configures a Knob.
type KnobConfig struct {
	Pin int

	DischargeDelay time.Duration
	ChargeTimeout  time.Duration

	// The buffer size is retuned after every reading so one buffer takes
	// about TargetPeriod to fill.
	TargetPeriod   time.Duration
	InitialSamples int
	MinSamples     int
	MaxSamples     int

	// MaxFaults consecutive failed cycles make Run give up.
	MaxFaults int

	CalibrationFile  string
	PersistDelay     time.Duration
	PersistThreshold float64
}

// KnobReading is one normalized knob position.
type KnobReading struct {
	Value   float64 `json:"value"`   // normalized position in [0,1]
	Mean    float64 `json:"mean"`    // mean charge time in ticks
	Min     float64 `json:"min"`     // calibration lower bound in ticks
	Max     float64 `json:"max"`     // calibration upper bound in ticks
	Samples int     `json:"samples"` // buffer size that produced it
}

func (KnobReading) eventMarker() {}

// Knob samples a pot wired as an RC timer.
type Knob struct {
	gpio      GPIO
	cfg       KnobConfig
	onReading func(KnobReading)
	logger    *slog.Logger

	bounds Bounds
	buffer []int64
	size   int
	store  *calibrationStore
	faults int

	gateMu sync.Mutex
	gate   chan struct{} // non-nil while paused; closed by Resume
}

// NewKnob builds a sampler and loads any persisted calibration.
// onReading is called on the sampler goroutine, in cycle order.
func NewKnob(gpio GPIO, cfg KnobConfig, onReading func(KnobReading), logger *slog.Logger) *Knob {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 1
	}
	if cfg.MaxSamples < cfg.MinSamples {
		cfg.MaxSamples = cfg.MinSamples
	}
	size := clampInt(cfg.InitialSamples, cfg.MinSamples, cfg.MaxSamples)

	logger = logger.With("component", "knob", "pin", cfg.Pin)
	store, bounds := newCalibrationStore(cfg.CalibrationFile, cfg.PersistDelay, cfg.PersistThreshold, logger)

	return &Knob{
		gpio:      gpio,
		cfg:       cfg,
		onReading: onReading,
		logger:    logger,
		bounds:    bounds,
		buffer:    make([]int64, 0, size),
		size:      size,
		store:     store,
	}
}

// Bounds returns the live calibration. Only safe on the sampler goroutine or
// when Run is not active.
func (k *Knob) Bounds() Bounds {
	return k.bounds
}

// Pause makes the next discharge->charge transition wait for Resume.
// A charge already armed completes normally. Calling Pause twice is a no-op.
func (k *Knob) Pause() {
	k.gateMu.Lock()
	defer k.gateMu.Unlock()
	if k.gate == nil {
		k.gate = make(chan struct{})
		k.logger.Info("knob paused")
	}
}

// Resume releases a pending Pause. Calling it while running is a no-op.
func (k *Knob) Resume() {
	k.gateMu.Lock()
	defer k.gateMu.Unlock()
	if k.gate != nil {
		close(k.gate)
		k.gate = nil
		k.logger.Info("knob resumed")
	}
}

// Paused reports whether the gate is closed.
func (k *Knob) Paused() bool {
	k.gateMu.Lock()
	defer k.gateMu.Unlock()
	return k.gate != nil
}

// Run samples until ctx is canceled (returns nil) or the fault policy gives
// up (returns the last fault).
func (k *Knob) Run(ctx context.Context) error {
	// A save still pending at shutdown is written now.
	defer func() {
		if k.store.pending() {
			k.saveCalibration()
		}
	}()

	pin := k.cfg.Pin
	if err := k.gpio.SetMode(pin, ModeOutput); err != nil {
		return fmt.Errorf("knob setup: set output mode: %w", err)
	}
	if err := k.gpio.SetPull(pin, PullOff); err != nil {
		return fmt.Errorf("knob setup: disable pull: %w", err)
	}
	edges, err := k.gpio.Notify(ctx, pin)
	if err != nil {
		return fmt.Errorf("knob setup: notify: %w", err)
	}

	k.logger.Info("knob sampling started",
		"samples", k.size,
		"discharge_delay", k.cfg.DischargeDelay,
		"min", k.bounds.Min,
		"max", k.bounds.Max)

	for {
		err := k.cycle(ctx, edges)
		switch {
		case err == nil:
			k.faults = 0
			continue
		case ctx.Err() != nil:
			k.logger.Info("knob sampling stopped")
			return nil
		case errors.Is(err, errEdgesClosed):
			return fmt.Errorf("knob: %w", err)
		}

		k.faults++
		k.logger.Warn("knob cycle failed", "error", err, "consecutive", k.faults)
		if k.cfg.MaxFaults > 0 && k.faults >= k.cfg.MaxFaults {
			return fmt.Errorf("knob: %d consecutive faults: %w", k.faults, err)
		}
	}
}

// cycle runs one discharge/charge measurement.
func (k *Knob) cycle(ctx context.Context, edges <-chan EdgeEvent) error {
	pin := k.cfg.Pin

	// Discharging
	if err := k.gpio.SetMode(pin, ModeOutput); err != nil {
		return fmt.Errorf("discharge: set output mode: %w", err)
	}
	if err := k.gpio.Write(pin, 0); err != nil {
		return fmt.Errorf("discharge: drive low: %w", err)
	}
	if err := k.sleep(ctx, k.cfg.DischargeDelay); err != nil {
		return err
	}
	if err := k.waitGate(ctx); err != nil {
		return err
	}

	// Edges from the discharge or from a timed-out charge must not be
	// attributed to this cycle.
	if err := drainEdges(edges); err != nil {
		return err
	}

	// ArmedForCharge
	start, err := k.gpio.CurrentTick()
	if err != nil {
		return fmt.Errorf("charge: read tick: %w", err)
	}
	if err := k.gpio.SetMode(pin, ModeInput); err != nil {
		return fmt.Errorf("charge: release pin: %w", err)
	}

	timeout := time.NewTimer(k.cfg.ChargeTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.store.C():
			k.saveCalibration()
		case <-timeout.C:
			return errChargeTimeout
		case ev, ok := <-edges:
			if !ok {
				return errEdgesClosed
			}
			if ev.Level != 1 {
				continue
			}
			// EdgeDetected
			k.handleEdge(start, ev.Tick)
			return nil
		}
	}
}

// handleEdge records the charge time of one cycle. A non-monotonic tick is a
// glitch: the sample is dropped and does not count towards the buffer.
func (k *Knob) handleEdge(start, end Tick) {
	if end <= start {
		k.logger.Debug("discarding non-monotonic edge", "start", start, "end", end)
		return
	}
	k.addSample(int64(end - start))
}

// addSample appends one charge time and calibrates once the buffer is full.
func (k *Knob) addSample(elapsed int64) {
	k.buffer = append(k.buffer, elapsed)
	if len(k.buffer) >= k.size {
		k.calibrate()
	}
}

// calibrate reduces a full buffer to one reading.
func (k *Knob) calibrate() {
	samples := k.buffer
	k.buffer = k.buffer[:0]

	k.bounds.widen(median(samples))
	k.store.observe(k.bounds)

	mean, ok := meanWithin(samples, k.bounds)
	if !ok {
		return
	}

	n := len(samples)
	if k.bounds.hasSpread() && k.onReading != nil {
		k.onReading(KnobReading{
			Value:   k.bounds.normalize(mean),
			Mean:    mean,
			Min:     k.bounds.Min,
			Max:     k.bounds.Max,
			Samples: n,
		})
	}

	k.resize(mean)
}

// resize retunes the buffer so a full buffer spans roughly TargetPeriod.
func (k *Knob) resize(meanTicks float64) {
	cycleMS := meanTicks/1000 + float64(k.cfg.DischargeDelay)/float64(time.Millisecond)
	if cycleMS <= 0 {
		return
	}
	targetMS := float64(k.cfg.TargetPeriod) / float64(time.Millisecond)
	next := clampInt(int(math.Round(targetMS/cycleMS)), k.cfg.MinSamples, k.cfg.MaxSamples)
	if next == k.size {
		return
	}
	k.logger.Debug("knob buffer resized", "from", k.size, "to", next, "cycle_ms", cycleMS)
	k.size = next
	k.buffer = make([]int64, 0, next)
}

func (k *Knob) saveCalibration() {
	if err := k.store.flush(k.bounds); err != nil {
		k.logger.Warn("calibration save failed", "error", err)
	}
}

// sleep waits d while servicing the persistence timer.
func (k *Knob) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.store.C():
			k.saveCalibration()
		case <-t.C:
			return nil
		}
	}
}

// waitGate blocks while the sampler is paused.
func (k *Knob) waitGate(ctx context.Context) error {
	k.gateMu.Lock()
	gate := k.gate
	k.gateMu.Unlock()
	if gate == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.store.C():
			k.saveCalibration()
		case <-gate:
			return nil
		}
	}
}

func drainEdges(edges <-chan EdgeEvent) error {
	for {
		select {
		case _, ok := <-edges:
			if !ok {
				return errEdgesClosed
			}
		default:
			return nil
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
