package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// ============================================================================
// knobctl - Command-line IPC Client
// ============================================================================
// Sends commands to the eqknob daemon over its Unix socket.
//
// Usage:
//   knobctl pause
//   knobctl resume
//   knobctl blend 0.25
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/eqknob.sock)
// ============================================================================

// Action types (duplicated from the daemon for a standalone binary)
type Action interface{}

type KnobPause struct{}

type KnobResume struct{}

type SetBlend struct {
	Proportion float64 `json:"proportion"`
	Origin     string  `json:"origin"`
}

// ActionEnvelope wraps actions for JSON
type ActionEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const ioTimeout = 5 * time.Second

func main() {
	socketPath := "/tmp/eqknob.sock"
	if env := os.Getenv("EQKNOB_SOCKET"); env != "" {
		socketPath = env
	}

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	action, err := parseCommand(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	if action == nil {
		printUsage()
		return
	}

	if err := sendAction(socketPath, action); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("ok")
}

// parseCommand maps command-line arguments to an action. A nil action with a
// nil error means help was requested.
func parseCommand(args []string) (Action, error) {
	switch args[0] {
	case "pause":
		return KnobPause{}, nil

	case "resume":
		return KnobResume{}, nil

	case "blend", "set":
		if len(args) < 2 {
			return nil, fmt.Errorf("blend requires a proportion between 0 and 1")
		}
		p, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid proportion: %w", err)
		}
		if p < 0 || p > 1 {
			return nil, fmt.Errorf("proportion must be between 0 and 1, got %v", p)
		}
		return SetBlend{Proportion: p, Origin: "knobctl"}, nil

	case "help", "-h", "--help":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func sendAction(socketPath string, action Action) error {
	conn, err := net.DialTimeout("unix", socketPath, ioTimeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	data, err := marshalAction(action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}

	// Line-delimited JSON
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("send action: %w", err)
	}

	var response IPCResponse
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if response.Status == "error" {
		return fmt.Errorf("daemon error: %s", response.Error)
	}
	return nil
}

func marshalAction(action Action) ([]byte, error) {
	var env ActionEnvelope

	switch a := action.(type) {
	case KnobPause:
		env.Type = "knob_pause"

	case KnobResume:
		env.Type = "knob_resume"

	case SetBlend:
		env.Type = "set_blend"
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal SetBlend: %w", err)
		}
		env.Data = data

	default:
		return nil, fmt.Errorf("unknown action type: %T", action)
	}

	return json.Marshal(env)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `knobctl - Control the eqknob daemon via IPC

Usage:
  knobctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/eqknob.sock, or $EQKNOB_SOCKET)

Commands:
  pause                   Stop sampling the knob (the current blend holds)
  resume                  Resume sampling the knob
  blend, set <p>          Blend the presets at p (0 = preset A, 1 = preset B)
  help, -h, --help        Show this help message

Examples:
  knobctl pause
  knobctl blend 0.75
  knobctl -socket /run/eqknob/eqknob.sock resume
`)
}
