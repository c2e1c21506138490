package main

import (
	"fmt"
	"slices"
	"time"
)

// This file implements the reducer-style building blocks of the pipeline:
//
//   - Events: knob readings, fan changes, IPC actions, snapshot requests
//   - Commands: side effects requested by the reducer (control file, knob gate)
//   - Broadcasts: state changes for websocket clients
//   - Reduce(): computes next state + commands + broadcasts without I/O
//
// The daemon loop executes Commands and forwards Broadcasts.

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// Command is a side effect requested by the reducer.
type Command interface {
	commandMarker()
	String() string
}

// CmdLoadPreset writes a gain vector to the control file.
type CmdLoadPreset struct {
	Gains []int
}

func (CmdLoadPreset) commandMarker() {}
func (c CmdLoadPreset) String() string { return fmt.Sprintf("CmdLoadPreset(%v)", c.Gains) }

// CmdPauseKnob closes the sampler gate.
type CmdPauseKnob struct{}

func (CmdPauseKnob) commandMarker() {}
func (CmdPauseKnob) String() string { return "CmdPauseKnob" }

// CmdResumeKnob opens the sampler gate.
type CmdResumeKnob struct{}

func (CmdResumeKnob) commandMarker() {}
func (CmdResumeKnob) String() string { return "CmdResumeKnob" }

// CmdPublishStateSnapshot delivers a snapshot to a requester.
type CmdPublishStateSnapshot struct {
	Reply    chan<- StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot" }

// StateBroadcast is a state change published to websocket clients.
type StateBroadcast interface {
	broadcastMarker()
}

type BroadcastKnobReading struct {
	Reading KnobReading
	Clipped float64
	At      time.Time
}

func (BroadcastKnobReading) broadcastMarker() {}

type BroadcastPresetChanged struct {
	Gains      []int
	Proportion float64
	Origin     string
	At         time.Time
}

func (BroadcastPresetChanged) broadcastMarker() {}

type BroadcastKnobPaused struct {
	Paused bool
	At     time.Time
}

func (BroadcastKnobPaused) broadcastMarker() {}

type BroadcastFanChanged struct {
	State FanState
	At    time.Time
}

func (BroadcastFanChanged) broadcastMarker() {}

// PipelineState is the daemon-owned state. Only the daemon goroutine touches it.
type PipelineState struct {
	PresetA []int
	PresetB []int

	// Proportion is the blend last applied, Gains the vector it produced.
	Proportion float64
	Gains      []int
	GainsAt    time.Time

	KnobPaused  bool
	LastReading KnobReading
	HasReading  bool
	ReadingAt   time.Time

	Fan      FanState
	FanKnown bool
}

// StateSnapshot is an immutable copy of PipelineState for other goroutines.
type StateSnapshot struct {
	Proportion float64
	Gains      []int
	GainsAt    time.Time

	KnobPaused  bool
	LastReading KnobReading
	HasReading  bool
	ReadingAt   time.Time

	Fan      FanState
	FanKnown bool
}

func (s *PipelineState) snapshot() StateSnapshot {
	return StateSnapshot{
		Proportion:  s.Proportion,
		Gains:       slices.Clone(s.Gains),
		GainsAt:     s.GainsAt,
		KnobPaused:  s.KnobPaused,
		LastReading: s.LastReading,
		HasReading:  s.HasReading,
		ReadingAt:   s.ReadingAt,
		Fan:         s.Fan,
		FanKnown:    s.FanKnown,
	}
}

// ReduceResult is the output of Reduce. Err is set for contract violations
// (e.g. mismatched presets) and is fatal to the daemon.
type ReduceResult struct {
	State      *PipelineState
	Commands   []Command
	Broadcasts []StateBroadcast
	Err        error
}

// Reduce computes the next state for ev. It performs no I/O and does not
// mutate state; the returned State is a fresh copy.
func Reduce(state *PipelineState, ev Event) ReduceResult {
	next := *state
	rr := ReduceResult{State: &next}

	at := time.Time{}
	if te, ok := ev.(TimedEvent); ok {
		ev, at = te.Event, te.At
	}

	switch e := ev.(type) {
	case KnobReading:
		next.LastReading = e
		next.HasReading = true
		next.ReadingAt = at

		p := ClipReading(e.Value)
		rr.Broadcasts = append(rr.Broadcasts, BroadcastKnobReading{Reading: e, Clipped: p, At: at})
		applyBlend(&next, &rr, p, "knob", at)

	case SetBlend:
		applyBlend(&next, &rr, clampFloat(e.Proportion, 0, 1), e.Origin, at)

	case KnobPause:
		if !next.KnobPaused {
			next.KnobPaused = true
			rr.Commands = append(rr.Commands, CmdPauseKnob{})
			rr.Broadcasts = append(rr.Broadcasts, BroadcastKnobPaused{Paused: true, At: at})
		}

	case KnobResume:
		if next.KnobPaused {
			next.KnobPaused = false
			rr.Commands = append(rr.Commands, CmdResumeKnob{})
			rr.Broadcasts = append(rr.Broadcasts, BroadcastKnobPaused{Paused: false, At: at})
		}

	case FanStateChanged:
		next.Fan = e.State
		next.FanKnown = true
		rr.Broadcasts = append(rr.Broadcasts, BroadcastFanChanged{State: e.State, At: at})

	case RequestStateSnapshot:
		rr.Commands = append(rr.Commands, CmdPublishStateSnapshot{
			Reply:    e.Reply,
			Snapshot: next.snapshot(),
		})
	}

	return rr
}

// applyBlend blends the presets at p and requests a write if the gains changed.
func applyBlend(next *PipelineState, rr *ReduceResult, p float64, origin string, at time.Time) {
	gains, err := Blend(next.PresetA, next.PresetB, p)
	if err != nil {
		rr.Err = err
		return
	}
	next.Proportion = p
	if next.Gains != nil && slices.Equal(gains, next.Gains) {
		return
	}
	next.Gains = gains
	next.GainsAt = at
	rr.Commands = append(rr.Commands, CmdLoadPreset{Gains: gains})
	rr.Broadcasts = append(rr.Broadcasts, BroadcastPresetChanged{
		Gains:      gains,
		Proportion: p,
		Origin:     origin,
		At:         at,
	})
}
