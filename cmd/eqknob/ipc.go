package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// ============================================================================
// IPC - control socket for knobctl and scripts
// ============================================================================
// One JSON envelope per line, one reply line per request:
//
//	-> {"type":"knob_pause"}
//	-> {"type":"knob_resume"}
//	-> {"type":"set_blend","data":{"proportion":0.25}}
//	<- {"status":"ok","type":"set_blend"}
//	<- {"status":"error","error":"..."}
//
// A connection may carry any number of requests. A malformed line is
// answered with an error and the connection stays open.
// ============================================================================

const (
	// ipcEnqueueTimeout bounds how long a request waits for room in the
	// daemon queue, which fills briefly while knob readings burst in.
	ipcEnqueueTimeout = 100 * time.Millisecond

	ipcClientTimeout = 2 * time.Second

	ipcSocketMode os.FileMode = 0o660
)

// IPCResponse is the reply line for one request.
type IPCResponse struct {
	Status string `json:"status"`          // "ok" or "error"
	Type   string `json:"type,omitempty"`  // accepted action type
	Error  string `json:"error,omitempty"` // set when Status is "error"
}

func ipcOK(ev Event) IPCResponse {
	return IPCResponse{Status: "ok", Type: ipcEventType(ev)}
}

func ipcError(format string, args ...any) IPCResponse {
	return IPCResponse{Status: "error", Error: fmt.Sprintf(format, args...)}
}

// runIPCServer accepts knob_pause, knob_resume and set_blend requests on
// socketPath and forwards them to the daemon loop until ctx is canceled.
// A stale socket file from a previous run is replaced.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)
	defer listener.Close()

	if err := os.Chmod(socketPath, ipcSocketMode); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger = logger.With("component", "ipc")
	logger.Info("IPC listening", "socket", socketPath)

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		switch {
		case err == nil:
			go handleIPCConnection(ctx, conn, events, logger)
		case ctx.Err() != nil, errors.Is(err, net.ErrClosed):
			logger.Debug("IPC listener closed")
			return nil
		default:
			logger.Error("IPC accept error", "error", err)
		}
	}
}

// handleIPCConnection answers requests on conn until the peer hangs up.
func handleIPCConnection(ctx context.Context, conn net.Conn, events chan<- Event, logger *slog.Logger) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		resp := dispatchIPCLine(ctx, scanner.Bytes(), events, logger)
		if err := encoder.Encode(resp); err != nil {
			logger.Warn("IPC reply failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("IPC connection dropped", "error", err)
	}
}

// dispatchIPCLine decodes one request and hands it to the daemon loop.
func dispatchIPCLine(ctx context.Context, line []byte, events chan<- Event, logger *slog.Logger) IPCResponse {
	ev, err := UnmarshalEvent(line)
	if err != nil {
		logger.Debug("IPC rejected request", "line", string(line), "error", err)
		return ipcError("parse event: %v", err)
	}

	timer := time.NewTimer(ipcEnqueueTimeout)
	defer timer.Stop()

	select {
	case events <- ev:
		logger.Debug("IPC accepted", "type", ipcEventType(ev))
		return ipcOK(ev)
	case <-timer.C:
		return ipcError("event queue full")
	case <-ctx.Done():
		return ipcError("daemon shutting down")
	}
}

// SendIPCEvent delivers ev to the daemon listening on socketPath and waits
// for its verdict.
func SendIPCEvent(socketPath string, ev Event) error {
	data, err := MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	conn, err := net.DialTimeout("unix", socketPath, ipcClientTimeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ipcClientTimeout))

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("ipc error: %s", resp.Error)
	}
	return nil
}
