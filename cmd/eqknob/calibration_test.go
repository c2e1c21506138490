package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, median(nil))
	assert.Equal(t, 7.0, median([]int64{7}))
	assert.Equal(t, 3.0, median([]int64{5, 1, 3}))
	assert.Equal(t, 2.5, median([]int64{4, 1, 3, 2}))

	in := []int64{9, 1, 5}
	median(in)
	assert.Equal(t, []int64{9, 1, 5}, in, "input must not be reordered")
}

func TestBounds_WidenIsMonotonic(t *testing.T) {
	b := unsetBounds()
	assert.False(t, b.hasSpread())

	b.widen(500)
	assert.Equal(t, Bounds{Min: 500, Max: 500}, b)
	assert.False(t, b.hasSpread())

	b.widen(800)
	b.widen(600)
	assert.Equal(t, Bounds{Min: 500, Max: 800}, b)
	assert.True(t, b.hasSpread())

	b.widen(100)
	assert.Equal(t, Bounds{Min: 100, Max: 800}, b)

	assert.InDelta(t, 0.5, b.normalize(450), 1e-9)
}

func TestMeanWithin(t *testing.T) {
	b := Bounds{Min: 100, Max: 200}

	m, ok := meanWithin([]int64{50, 100, 200, 300}, b)
	require.True(t, ok)
	assert.Equal(t, 150.0, m)

	_, ok = meanWithin([]int64{10, 20, 999}, b)
	assert.False(t, ok)
}

func TestLoadBounds(t *testing.T) {
	dir := t.TempDir()
	log := discardLogger()

	assert.Equal(t, unsetBounds(), loadBounds(filepath.Join(dir, "missing"), log))

	cases := []struct {
		name    string
		content string
		want    Bounds
	}{
		{"both", "120.5\n900\n", Bounds{Min: 120.5, Max: 900}},
		{"min only", "120\n", Bounds{Min: 120, Max: unsetBound}},
		{"bad min", "abc\n900\n", Bounds{Min: unsetBound, Max: 900}},
		{"bad max", "120\nxyz\n", Bounds{Min: 120, Max: unsetBound}},
		{"nan", "NaN\n+Inf\n", unsetBounds()},
		{"empty", "", unsetBounds()},
		{"padded", "  120 \n\t900\n", Bounds{Min: 120, Max: 900}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := filepath.Join(dir, c.name)
			require.NoError(t, os.WriteFile(p, []byte(c.content), 0o644))
			assert.Equal(t, c.want, loadBounds(p, log))
		})
	}
}

func TestWriteBounds_RoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), calibrationFileName)
	want := Bounds{Min: 123, Max: 4567}
	require.NoError(t, writeBounds(p, want))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "123\n4567\n", string(data))
	assert.Equal(t, want, loadBounds(p, discardLogger()))

	entries, err := os.ReadDir(filepath.Dir(p))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestWriteBounds_IntegersEncloseRange(t *testing.T) {
	p := filepath.Join(t.TempDir(), calibrationFileName)
	require.NoError(t, writeBounds(p, Bounds{Min: 1000.5, Max: 2000.5}))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "1000\n2001\n", string(data))

	loaded := loadBounds(p, discardLogger())
	assert.True(t, loaded.contains(1000.5))
	assert.True(t, loaded.contains(2000.5))
}

func TestWriteBounds_Unset(t *testing.T) {
	p := filepath.Join(t.TempDir(), calibrationFileName)
	require.NoError(t, writeBounds(p, unsetBounds()))
	assert.Equal(t, unsetBounds(), loadBounds(p, discardLogger()))
}

func TestCalibrationStore_Debounce(t *testing.T) {
	p := filepath.Join(t.TempDir(), calibrationFileName)
	s, initial := newCalibrationStore(p, time.Hour, 200, discardLogger())
	assert.Equal(t, unsetBounds(), initial)
	assert.False(t, s.pending())
	assert.Nil(t, s.C())

	// Within threshold of the saved (unset) snapshot: nothing scheduled.
	s.observe(Bounds{Min: 100, Max: 150})
	assert.False(t, s.pending())

	s.observe(Bounds{Min: 100, Max: 1000})
	require.True(t, s.pending())
	first := s.C()

	// Further changes while pending do not reschedule.
	s.observe(Bounds{Min: 50, Max: 2000})
	assert.Equal(t, first, s.C())

	require.NoError(t, s.flush(Bounds{Min: 50, Max: 2000}))
	assert.False(t, s.pending())
	assert.Equal(t, Bounds{Min: 50, Max: 2000}, loadBounds(p, discardLogger()))

	// Back within threshold of the new snapshot.
	s.observe(Bounds{Min: 40, Max: 2100})
	assert.False(t, s.pending())
}

func TestCalibrationStore_TimerFires(t *testing.T) {
	p := filepath.Join(t.TempDir(), calibrationFileName)
	s, _ := newCalibrationStore(p, 10*time.Millisecond, 0, discardLogger())

	s.observe(Bounds{Min: 1, Max: 2})
	select {
	case <-s.C():
	case <-time.After(time.Second):
		t.Fatal("save timer did not fire")
	}
	require.NoError(t, s.flush(Bounds{Min: 1, Max: 2}))
	assert.Equal(t, Bounds{Min: 1, Max: 2}, loadBounds(p, discardLogger()))
}

func TestCalibrationStore_Disabled(t *testing.T) {
	s, b := newCalibrationStore("", time.Millisecond, 0, discardLogger())
	assert.Equal(t, unsetBounds(), b)
	s.observe(Bounds{Min: 1, Max: 1e6})
	assert.False(t, s.pending())
	assert.NoError(t, s.flush(Bounds{Min: 1, Max: 2}))
}

func TestCalibrationStore_LoadsExisting(t *testing.T) {
	p := filepath.Join(t.TempDir(), calibrationFileName)
	require.NoError(t, os.WriteFile(p, []byte("300\n700\n"), 0o644))

	s, b := newCalibrationStore(p, time.Hour, 200, discardLogger())
	assert.Equal(t, Bounds{Min: 300, Max: 700}, b)

	s.observe(Bounds{Min: 250, Max: 850})
	assert.False(t, s.pending())
	s.observe(Bounds{Min: 250, Max: 950})
	assert.True(t, s.pending())
	s.stop()
	assert.False(t, s.pending())
}

func TestCalibrationStore_FlushFailureKeepsSnapshot(t *testing.T) {
	p := filepath.Join(t.TempDir(), "no-such-dir", calibrationFileName)
	s, _ := newCalibrationStore(p, time.Hour, 10, discardLogger())

	s.observe(Bounds{Min: 100, Max: 900})
	require.True(t, s.pending())
	require.Error(t, s.flush(Bounds{Min: 100, Max: 900}))
	assert.False(t, s.pending())

	// Saved snapshot is still unset, so the next update reschedules.
	s.observe(Bounds{Min: 100, Max: 900})
	assert.True(t, s.pending())
	s.stop()
}
