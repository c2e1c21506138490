package main

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPreset = []int{-12, -8, -4, -1, 0, 1, 4, 8, 12, 24}

func TestControlFileLayout_Lengths(t *testing.T) {
	assert.Equal(t, 824, ControlFileLayout{Channels: 2}.FileLength())
	assert.Equal(t, 784, ControlFileLayout{Channels: 1}.FileLength())
	assert.Equal(t, 840, ControlFileLayout{Channels: 2, LongWords: true}.FileLength())
	assert.Equal(t, 800, ControlFileLayout{Channels: 1, LongWords: true}.FileLength())
}

func TestEncodeControlFile_Stereo32(t *testing.T) {
	l := ControlFileLayout{Channels: 2}
	buf, err := EncodeControlFile(l, testPreset)
	require.NoError(t, err)
	require.Len(t, buf, 824)

	u32 := func(off int) uint32 { return binary.NativeEndian.Uint32(buf[off:]) }

	assert.Equal(t, uint32(824), u32(0))
	assert.Equal(t, uint32(1773), u32(4))
	assert.Equal(t, uint32(2), u32(8))
	assert.Equal(t, uint32(10), u32(12))
	assert.Equal(t, uint32(10), u32(16)) // input index
	assert.Equal(t, uint32(11), u32(20)) // output index

	for band, gain := range testPreset {
		rec := 24 + band*controlRecordBytes
		assert.Equal(t, uint32(band), u32(rec), "band %d index", band)
		for ch := 0; ch < numWeightChannels; ch++ {
			got := math.Float32frombits(u32(rec + 4 + ch*4))
			if ch <= 1 {
				assert.Equal(t, float32(gain), got, "band %d channel %d", band, ch)
			} else {
				assert.Equal(t, float32(0), got, "band %d channel %d", band, ch)
			}
		}
		assert.Equal(t, uint32(ladspaControlOutput), u32(rec+4+numWeightChannels*4), "band %d type", band)
	}

	for i, b := range buf[24+numBands*controlRecordBytes:] {
		assert.Zero(t, b, "trailing byte %d", i)
	}
}

func TestEncodeControlFile_LongWords(t *testing.T) {
	l := ControlFileLayout{Channels: 1, LongWords: true}
	buf, err := EncodeControlFile(l, testPreset)
	require.NoError(t, err)
	require.Len(t, buf, 800)

	assert.Equal(t, uint64(800), binary.NativeEndian.Uint64(buf[0:]))
	assert.Equal(t, uint64(1773), binary.NativeEndian.Uint64(buf[8:]))
	assert.Equal(t, uint64(1), binary.NativeEndian.Uint64(buf[16:]))
	assert.Equal(t, uint64(10), binary.NativeEndian.Uint64(buf[24:]))
	assert.Equal(t, uint32(10), binary.NativeEndian.Uint32(buf[32:]))
	assert.Equal(t, uint32(11), binary.NativeEndian.Uint32(buf[36:]))

	// First record starts right after the header.
	assert.Equal(t, uint32(0), binary.NativeEndian.Uint32(buf[40:]))
	assert.Equal(t, float32(-12), math.Float32frombits(binary.NativeEndian.Uint32(buf[44:])))
}

func TestEncodeControlFile_Flat(t *testing.T) {
	buf, err := EncodeControlFile(ControlFileLayout{Channels: 2}, make([]int, numBands))
	require.NoError(t, err)
	for band := 0; band < numBands; band++ {
		rec := 24 + band*controlRecordBytes
		for ch := 0; ch < numWeightChannels; ch++ {
			assert.Equal(t, uint32(0), binary.NativeEndian.Uint32(buf[rec+4+ch*4:]))
		}
	}
}

func TestEncodeControlFile_PresetLength(t *testing.T) {
	for _, p := range [][]int{nil, make([]int, 9), make([]int, 11)} {
		_, err := EncodeControlFile(ControlFileLayout{Channels: 2}, p)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPresetLength))
	}
}

func TestEncodeControlFile_Deterministic(t *testing.T) {
	l := ControlFileLayout{Channels: 2}
	a, err := EncodeControlFile(l, testPreset)
	require.NoError(t, err)
	b, err := EncodeControlFile(l, testPreset)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEqualizer_WritesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), controlFileName)
	l := ControlFileLayout{Channels: 2}

	eq := NewEqualizer(p, l, discardLogger())
	defer eq.Close()
	require.True(t, eq.Enabled())

	// Initialized flat.
	flat, err := EncodeControlFile(l, make([]int, numBands))
	require.NoError(t, err)
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, flat, got)

	require.NoError(t, eq.LoadPreset(testPreset))
	want, err := EncodeControlFile(l, testPreset)
	require.NoError(t, err)
	got, err = os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEqualizer_TruncatesLongerFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), controlFileName)
	require.NoError(t, os.WriteFile(p, make([]byte, 4096), 0o644))

	eq := NewEqualizer(p, ControlFileLayout{Channels: 1}, discardLogger())
	defer eq.Close()
	require.NoError(t, eq.LoadPreset(testPreset))

	st, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, int64(784), st.Size())
}

func TestEqualizer_RejectsBadPreset(t *testing.T) {
	p := filepath.Join(t.TempDir(), controlFileName)
	eq := NewEqualizer(p, ControlFileLayout{Channels: 2}, discardLogger())
	defer eq.Close()

	err := eq.LoadPreset([]int{1, 2, 3})
	assert.True(t, errors.Is(err, ErrPresetLength))
}

func TestEqualizer_Disabled(t *testing.T) {
	eq := NewEqualizer("", ControlFileLayout{Channels: 2}, discardLogger())
	assert.False(t, eq.Enabled())
	assert.NoError(t, eq.LoadPreset(testPreset))
	assert.NoError(t, eq.LoadPreset(nil))
	assert.NoError(t, eq.Close())

	bad := NewEqualizer(filepath.Join(t.TempDir(), "missing", controlFileName), ControlFileLayout{Channels: 2}, discardLogger())
	assert.False(t, bad.Enabled())
	assert.NoError(t, bad.LoadPreset(testPreset))
}

func TestEqualizer_CloseDisables(t *testing.T) {
	p := filepath.Join(t.TempDir(), controlFileName)
	eq := NewEqualizer(p, ControlFileLayout{Channels: 2}, discardLogger())
	require.True(t, eq.Enabled())
	require.NoError(t, eq.Close())
	assert.False(t, eq.Enabled())
	assert.NoError(t, eq.LoadPreset(testPreset))
}
