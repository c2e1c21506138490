package main

import (
	"fmt"
	"log/slog"
)

// runEffect executes a single reducer-emitted Command.
//
// A failed control-file write is returned: after a successful open it
// indicates the plugin may be reading a corrupt preset. Everything else is
// logged and dropped.
func runEffect(eq presetLoader, knob knobController, cmd Command, logger *slog.Logger) error {
	switch c := cmd.(type) {
	case CmdLoadPreset:
		if eq == nil {
			return nil
		}
		if err := eq.LoadPreset(c.Gains); err != nil {
			return fmt.Errorf("load preset: %w", err)
		}
		logger.Debug("preset loaded", "gains", c.Gains)

	case CmdPauseKnob:
		if knob == nil {
			logger.Warn("knob pause requested but no knob is configured")
			return nil
		}
		knob.Pause()

	case CmdResumeKnob:
		if knob == nil {
			logger.Warn("knob resume requested but no knob is configured")
			return nil
		}
		knob.Resume()

	case CmdPublishStateSnapshot:
		if c.Reply == nil {
			logger.Warn("state snapshot requested with nil reply channel")
			return nil
		}
		// Never block the daemon loop on a requester.
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}

	default:
		logger.Warn("unknown command type", "command", cmd.String())
	}
	return nil
}
