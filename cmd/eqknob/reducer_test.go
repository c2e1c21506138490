package main

import (
	"errors"
	"testing"
	"time"
)

func testPipelineState() *PipelineState {
	return &PipelineState{
		PresetA: []int{0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		PresetB: []int{10, 10, 10, 10, 10, -10, -10, -10, -10, -10},
	}
}

func loadPresetCommands(cmds []Command) []CmdLoadPreset {
	var out []CmdLoadPreset
	for _, c := range cmds {
		if lp, ok := c.(CmdLoadPreset); ok {
			out = append(out, lp)
		}
	}
	return out
}

func TestReduce_KnobReadingBlends(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rr := Reduce(testPipelineState(), TimedEvent{Event: KnobReading{Value: 0.5}, At: at})
	if rr.Err != nil {
		t.Fatalf("unexpected error: %v", rr.Err)
	}

	lps := loadPresetCommands(rr.Commands)
	if len(lps) != 1 {
		t.Fatalf("expected one CmdLoadPreset, got %v", rr.Commands)
	}
	want := []int{5, 5, 5, 5, 5, -5, -5, -5, -5, -5}
	for i := range want {
		if lps[0].Gains[i] != want[i] {
			t.Fatalf("gains = %v, want %v", lps[0].Gains, want)
		}
	}

	if !rr.State.HasReading || rr.State.ReadingAt != at {
		t.Fatalf("reading not recorded: %+v", rr.State)
	}
	if rr.State.Proportion != 0.5 {
		t.Fatalf("proportion = %v, want 0.5", rr.State.Proportion)
	}

	if len(rr.Broadcasts) != 2 {
		t.Fatalf("expected reading + preset broadcasts, got %d", len(rr.Broadcasts))
	}
	if b, ok := rr.Broadcasts[0].(BroadcastKnobReading); !ok || b.Clipped != 0.5 || !b.At.Equal(at) {
		t.Fatalf("unexpected first broadcast: %#v", rr.Broadcasts[0])
	}
	if b, ok := rr.Broadcasts[1].(BroadcastPresetChanged); !ok || b.Origin != "knob" {
		t.Fatalf("unexpected second broadcast: %#v", rr.Broadcasts[1])
	}
}

func TestReduce_KnobReadingIsClipped(t *testing.T) {
	rr := Reduce(testPipelineState(), KnobReading{Value: 0.95})
	lps := loadPresetCommands(rr.Commands)
	if len(lps) != 1 || lps[0].Gains[0] != 10 || lps[0].Gains[9] != -10 {
		t.Fatalf("expected full preset B, got %v", rr.Commands)
	}
	if rr.State.Proportion != 1 {
		t.Fatalf("proportion = %v, want 1", rr.State.Proportion)
	}
}

func TestReduce_UnchangedGainsNotRewritten(t *testing.T) {
	s := testPipelineState()
	rr := Reduce(s, KnobReading{Value: 0.5})
	s = rr.State

	// 0.51 clips to 0.5125: still rounds to the same gains.
	rr = Reduce(s, KnobReading{Value: 0.51})
	if got := loadPresetCommands(rr.Commands); len(got) != 0 {
		t.Fatalf("expected no CmdLoadPreset, got %v", got)
	}
	if len(rr.Broadcasts) != 1 {
		t.Fatalf("expected only the reading broadcast, got %d", len(rr.Broadcasts))
	}
}

func TestReduce_FirstBlendAlwaysWrites(t *testing.T) {
	s := &PipelineState{PresetA: make([]int, numBands), PresetB: make([]int, numBands)}
	rr := Reduce(s, SetBlend{Proportion: 0.5, Origin: "startup"})
	if got := loadPresetCommands(rr.Commands); len(got) != 1 {
		t.Fatalf("expected an initial CmdLoadPreset, got %v", rr.Commands)
	}

	rr = Reduce(rr.State, SetBlend{Proportion: 0.7})
	if got := loadPresetCommands(rr.Commands); len(got) != 0 {
		t.Fatalf("identical presets should not rewrite, got %v", got)
	}
}

func TestReduce_SetBlendIsNotClipped(t *testing.T) {
	rr := Reduce(testPipelineState(), SetBlend{Proportion: 0.05, Origin: "ipc"})
	lps := loadPresetCommands(rr.Commands)
	if len(lps) != 1 || lps[0].Gains[0] != 1 {
		t.Fatalf("expected gains at p=0.05, got %v", rr.Commands)
	}
	b, ok := rr.Broadcasts[0].(BroadcastPresetChanged)
	if !ok || b.Origin != "ipc" || b.Proportion != 0.05 {
		t.Fatalf("unexpected broadcast %#v", rr.Broadcasts[0])
	}

	rr = Reduce(rr.State, SetBlend{Proportion: 7})
	if rr.State.Proportion != 1 {
		t.Fatalf("proportion not clamped: %v", rr.State.Proportion)
	}
}

func TestReduce_PresetMismatchIsFatal(t *testing.T) {
	s := &PipelineState{PresetA: make([]int, 10), PresetB: make([]int, 9)}
	rr := Reduce(s, KnobReading{Value: 0.5})
	if !errors.Is(rr.Err, ErrBlendLength) {
		t.Fatalf("expected ErrBlendLength, got %v", rr.Err)
	}
}

func TestReduce_PauseResumeIdempotent(t *testing.T) {
	s := testPipelineState()

	rr := Reduce(s, KnobPause{})
	if !rr.State.KnobPaused || len(rr.Commands) != 1 {
		t.Fatalf("pause: state=%v commands=%v", rr.State.KnobPaused, rr.Commands)
	}
	if _, ok := rr.Commands[0].(CmdPauseKnob); !ok {
		t.Fatalf("expected CmdPauseKnob, got %v", rr.Commands[0])
	}

	rr = Reduce(rr.State, KnobPause{})
	if len(rr.Commands) != 0 || len(rr.Broadcasts) != 0 {
		t.Fatalf("second pause should be a no-op, got %v", rr.Commands)
	}

	rr = Reduce(rr.State, KnobResume{})
	if rr.State.KnobPaused || len(rr.Commands) != 1 {
		t.Fatalf("resume: state=%v commands=%v", rr.State.KnobPaused, rr.Commands)
	}
	rr = Reduce(rr.State, KnobResume{})
	if len(rr.Commands) != 0 {
		t.Fatalf("second resume should be a no-op, got %v", rr.Commands)
	}
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	s := testPipelineState()
	_ = Reduce(s, KnobReading{Value: 0.5})
	_ = Reduce(s, KnobPause{})
	if s.Gains != nil || s.HasReading || s.KnobPaused {
		t.Fatalf("input state mutated: %+v", s)
	}
}

func TestReduce_FanChanged(t *testing.T) {
	rr := Reduce(testPipelineState(), FanStateChanged{State: FanState{TempC: 61, High: true, Speed: 1}})
	if !rr.State.FanKnown || !rr.State.Fan.High {
		t.Fatalf("fan state not recorded: %+v", rr.State)
	}
	if _, ok := rr.Broadcasts[0].(BroadcastFanChanged); !ok {
		t.Fatalf("expected BroadcastFanChanged, got %#v", rr.Broadcasts)
	}
}

func TestReduce_StateSnapshot(t *testing.T) {
	s := testPipelineState()
	s = Reduce(s, KnobReading{Value: 0.5}).State

	reply := make(chan StateSnapshot, 1)
	rr := Reduce(s, RequestStateSnapshot{Reply: reply})
	if len(rr.Commands) != 1 {
		t.Fatalf("expected one command, got %v", rr.Commands)
	}
	cmd, ok := rr.Commands[0].(CmdPublishStateSnapshot)
	if !ok {
		t.Fatalf("expected CmdPublishStateSnapshot, got %v", rr.Commands[0])
	}
	if !cmd.Snapshot.HasReading || cmd.Snapshot.Proportion != 0.5 {
		t.Fatalf("unexpected snapshot %+v", cmd.Snapshot)
	}

	// The snapshot owns its gains.
	cmd.Snapshot.Gains[0] = 99
	if s.Gains[0] == 99 {
		t.Fatalf("snapshot shares gains with state")
	}
}
