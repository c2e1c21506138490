package main

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Bounds are the observed extremes of the charge-time medians.
// Both start unset; once set, Min only moves down and Max only moves up.
type Bounds struct {
	Min float64
	Max float64
}

func unsetBounds() Bounds {
	return Bounds{Min: unsetBound, Max: unsetBound}
}

// widen folds a new median into the bounds.
func (b *Bounds) widen(m float64) {
	if b.Min == unsetBound {
		b.Min = m
	} else {
		b.Min = math.Min(b.Min, m)
	}
	if b.Max == unsetBound {
		b.Max = m
	} else {
		b.Max = math.Max(b.Max, m)
	}
}

// hasSpread reports whether readings can be normalized without dividing by zero.
func (b Bounds) hasSpread() bool {
	return b.Min != unsetBound && b.Max != unsetBound && b.Max > b.Min
}

func (b Bounds) contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

func (b Bounds) normalize(v float64) float64 {
	return (v - b.Min) / (b.Max - b.Min)
}

// median returns the middle of the sorted samples, or the mean of the two
// central samples for an even count. The input is not modified.
func median(samples []int64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return (float64(sorted[mid-1]) + float64(sorted[mid])) / 2
}

// meanWithin averages the samples inside b. ok is false when none qualify.
func meanWithin(samples []int64, b Bounds) (mean float64, ok bool) {
	var sum float64
	n := 0
	for _, s := range samples {
		v := float64(s)
		if b.contains(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// ============================================================================
// Calibration persistence
// ============================================================================
// The bounds are saved as two lines, min then max. A save is scheduled only
// when a bound moved more than the threshold since the last save, and only if
// no save is already pending; the pending save writes whatever the bounds
// are when its timer fires.
//
// The store is owned by the sampler goroutine. Its timer channel is selected
// on by that goroutine, so saves never run concurrently with sampling.
// ============================================================================

type calibrationStore struct {
	path      string
	delay     time.Duration
	threshold float64
	logger    *slog.Logger

	saved Bounds
	timer *time.Timer // non-nil while a save is pending
}

// newCalibrationStore loads the persisted bounds from path. An empty path
// disables persistence. Each bound falls back to unset independently.
func newCalibrationStore(path string, delay time.Duration, threshold float64, logger *slog.Logger) (*calibrationStore, Bounds) {
	s := &calibrationStore{
		path:      path,
		delay:     delay,
		threshold: threshold,
		logger:    logger,
		saved:     unsetBounds(),
	}
	if path == "" {
		return s, unsetBounds()
	}

	s.saved = loadBounds(path, logger)
	logger.Info("calibration loaded", "path", path, "min", s.saved.Min, "max", s.saved.Max)
	return s, s.saved
}

func loadBounds(path string, logger *slog.Logger) Bounds {
	b := unsetBounds()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("calibration file unreadable", "path", path, "error", err)
		}
		return b
	}

	lines := strings.Split(string(data), "\n")
	parse := func(i int) float64 {
		if i >= len(lines) {
			return unsetBound
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(lines[i]), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return unsetBound
		}
		return v
	}
	b.Min = parse(0)
	b.Max = parse(1)
	return b
}

// observe schedules a save if the live bounds drifted far enough.
func (s *calibrationStore) observe(live Bounds) {
	if s.path == "" || s.timer != nil {
		return
	}
	if math.Abs(live.Min-s.saved.Min) > s.threshold || math.Abs(live.Max-s.saved.Max) > s.threshold {
		s.timer = time.NewTimer(s.delay)
		s.logger.Debug("calibration save scheduled", "in", s.delay, "min", live.Min, "max", live.Max)
	}
}

// pending reports whether a save is scheduled.
func (s *calibrationStore) pending() bool {
	return s.timer != nil
}

// C fires when the pending save is due. It is nil while nothing is pending,
// so selecting on it blocks forever.
func (s *calibrationStore) C() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C
}

// flush writes live and clears the pending marker. On failure the saved
// snapshot is unchanged, so the next calibration update reschedules.
func (s *calibrationStore) flush(live Bounds) error {
	s.stop()
	if s.path == "" {
		return nil
	}
	if err := writeBounds(s.path, live); err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}
	s.saved = live
	s.logger.Info("calibration saved", "path", s.path, "min", live.Min, "max", live.Max)
	return nil
}

// stop cancels a pending save without writing.
func (s *calibrationStore) stop() {
	if s.timer == nil {
		return
	}
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	s.timer = nil
}

// outward rounds the bounds to whole ticks without shrinking the range.
func (b Bounds) outward() Bounds {
	return Bounds{Min: math.Floor(b.Min), Max: math.Ceil(b.Max)}
}

func formatBound(v float64) string {
	return strconv.FormatFloat(v, 'f', 0, 64)
}

// writeBounds replaces path through a temp file so a crash never leaves a
// half-written calibration behind. Half-tick medians are written as the
// enclosing integers.
func writeBounds(path string, b Bounds) error {
	b = b.outward()
	content := formatBound(b.Min) + "\n" + formatBound(b.Max) + "\n"

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
