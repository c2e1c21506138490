package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop - reducer-driven pipeline
// ============================================================================
//
// Design rules enforced here:
//   - The reducer performs no I/O and computes: next state + commands + broadcasts.
//   - This loop is the only place that executes side effects (control file, knob gate).
//   - Events are reduced strictly in arrival order; knob readings are never
//     batched or reordered on their way to the control file.
//
// ============================================================================

// presetLoader is the control-file side of the pipeline.
type presetLoader interface {
	LoadPreset(preset []int) error
}

// knobController is the pause gate of the sampler.
type knobController interface {
	Pause()
	Resume()
}

// runDaemon reduces events until ctx is canceled or the events channel
// closes (both return nil). A contract violation or a control-file write
// failure is returned as an error: either means the plugin state can no
// longer be trusted.
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	eq presetLoader,
	knob knobController,
	state *PipelineState,
	broadcasts chan<- StateBroadcast,
	logger *slog.Logger,
) error {
	var eventQueue []Event
	var cmdQueue []Command

	// Reduce all queued events, enqueuing any resulting commands.
	flushEvents := func() error {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev)
			if rr.Err != nil {
				return rr.Err
			}
			state = rr.State
			cmdQueue = append(cmdQueue, rr.Commands...)
			publishBroadcasts(broadcasts, rr.Broadcasts, logger)
		}
		return nil
	}

	// Execute all queued commands.
	flushCommands := func() error {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			if err := runEffect(eq, knob, cmd, logger); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return nil

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return nil
			}
			eventQueue = append(eventQueue, TimedEvent{Event: ev, At: time.Now()})
			if err := flushEvents(); err != nil {
				logger.Error("daemon stopping (reducer failed)", "error", err)
				return err
			}
			if err := flushCommands(); err != nil {
				logger.Error("daemon stopping (effect failed)", "error", err)
				return err
			}
		}
	}
}

// publishBroadcasts forwards broadcasts without ever blocking the pipeline.
func publishBroadcasts(out chan<- StateBroadcast, bs []StateBroadcast, logger *slog.Logger) {
	if out == nil {
		return
	}
	for _, b := range bs {
		select {
		case out <- b:
		default:
			logger.Warn("broadcast queue full, dropping state update")
		}
	}
}
