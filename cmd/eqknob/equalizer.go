package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"

	"golang.org/x/sys/unix"
)

// ============================================================================
// Equalizer control file (alsaequal with the Eq10 LADSPA plugin)
// ============================================================================
// alsaequal mmaps this file and reads it as:
//
//   typedef struct LADSPA_Control_ {
//       unsigned long length;
//       unsigned long id;
//       unsigned long channels;
//       unsigned long num_controls;
//       int input_index;
//       int output_index;
//       LADSPA_Control_Data control[];
//   }
//
// where each control is { int index; float data[16]; int type; } (72 bytes).
// "unsigned long" is the consumer's native long, so the four header words
// are 32 or 64 bits wide depending on the host userland.
//
// The consumer also counts channels*num_controls*4 extra bytes in its length
// and never initializes them. The file must carry them or alsaequal rejects it.
// ============================================================================

// ErrPresetLength is returned when a preset does not have one gain per band.
var ErrPresetLength = errors.New("equalizer: preset must have one gain per band")

const controlRecordBytes = 4 + numWeightChannels*4 + 4

// ControlFileLayout selects the variant of the binary layout.
type ControlFileLayout struct {
	Channels  int  // 1 mono, 2 stereo
	LongWords bool // 64-bit header words
}

// hostLongWords reports whether the native C long of this userland is 64 bits.
func hostLongWords() bool {
	return strconv.IntSize == 64
}

func (l ControlFileLayout) headerWordBytes() int {
	if l.LongWords {
		return 8
	}
	return 4
}

// HeaderBytes is the size of the length/id/channels/num_controls words plus
// the two 32-bit indexes.
func (l ControlFileLayout) HeaderBytes() int {
	return 4*l.headerWordBytes() + 2*4
}

// FileLength is the exact size alsaequal expects.
func (l ControlFileLayout) FileLength() int {
	return l.HeaderBytes() + numBands*controlRecordBytes + l.Channels*numBands*4
}

// EncodeControlFile serializes a full control file for preset.
func EncodeControlFile(l ControlFileLayout, preset []int) ([]byte, error) {
	if len(preset) != numBands {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrPresetLength, len(preset), numBands)
	}

	length := l.FileLength()
	buf := make([]byte, length)
	order := binary.NativeEndian

	off := 0
	for _, word := range []uint64{uint64(length), ladspaPluginEq10, uint64(l.Channels), numBands} {
		if l.LongWords {
			order.PutUint64(buf[off:], word)
			off += 8
		} else {
			order.PutUint32(buf[off:], uint32(word))
			off += 4
		}
	}

	put32 := func(v uint32) {
		order.PutUint32(buf[off:], v)
		off += 4
	}

	put32(numBands)     // input index
	put32(numBands + 1) // output index

	zero := math.Float32bits(0)
	for band, gain := range preset {
		put32(uint32(band))
		bits := math.Float32bits(float32(gain))
		for ch := 0; ch < numWeightChannels; ch++ {
			if ch <= 1 {
				put32(bits) // L and R
			} else {
				put32(zero)
			}
		}
		put32(ladspaControlOutput)
	}

	// The trailing channels*bands*4 bytes stay zero.
	return buf, nil
}

// Equalizer owns the control file. One built without a file, or whose file
// could not be opened, is disabled and ignores presets.
type Equalizer struct {
	path   string
	layout ControlFileLayout
	logger *slog.Logger

	fd int // -1 when disabled
}

// NewEqualizer opens path for writing and loads a flat preset. An empty path,
// or a file that cannot be opened, yields a disabled Equalizer; the failure
// is logged once and not returned so the daemon can run on hosts without
// the plugin.
func NewEqualizer(path string, layout ControlFileLayout, logger *slog.Logger) *Equalizer {
	e := &Equalizer{
		path:   path,
		layout: layout,
		logger: logger.With("component", "equalizer"),
		fd:     -1,
	}
	if path == "" {
		e.logger.Info("equalizer disabled (no control file)")
		return e
	}

	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0o644)
	if err != nil {
		e.logger.Error("equalizer disabled: cannot open control file", "path", path, "error", err)
		return e
	}
	e.fd = fd

	if err := e.LoadPreset(make([]int, numBands)); err != nil {
		e.logger.Error("equalizer disabled: initial write failed", "path", path, "error", err)
		_ = e.Close()
		return e
	}

	e.logger.Info("equalizer control file ready",
		"path", path,
		"channels", layout.Channels,
		"long_words", layout.LongWords,
		"bytes", layout.FileLength())
	return e
}

// Enabled reports whether presets reach a control file.
func (e *Equalizer) Enabled() bool {
	return e != nil && e.fd >= 0
}

// LoadPreset regenerates the whole file for preset. The file is truncated to
// the exact length before the write so a reader mapping it never sees a
// stale tail. A disabled Equalizer returns nil without writing.
func (e *Equalizer) LoadPreset(preset []int) error {
	if !e.Enabled() {
		return nil
	}

	buf, err := EncodeControlFile(e.layout, preset)
	if err != nil {
		return err
	}

	if err := unix.Ftruncate(e.fd, int64(len(buf))); err != nil {
		return fmt.Errorf("truncate %s: %w", e.path, err)
	}
	n, err := unix.Pwrite(e.fd, buf, 0)
	if err != nil {
		return fmt.Errorf("write %s: %w", e.path, err)
	}
	if n != len(buf) {
		return fmt.Errorf("write %s: %w", e.path, io.ErrShortWrite)
	}
	return nil
}

// Close releases the control file. The Equalizer is disabled afterwards.
func (e *Equalizer) Close() error {
	if !e.Enabled() {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}
