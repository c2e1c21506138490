package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ============================================================================
// pigpiod socket client
// ============================================================================
// pigpiod listens on TCP (default port 8888) and speaks a fixed-size binary
// protocol:
//   - Request:  uint32 cmd, p1, p2, p3 (little-endian, p3 = extension length)
//   - Response: uint32 cmd, p1, p2, int32 res (res < 0 is a pigpio error code)
//
// Notifications use a second connection: NOIB turns that socket into a
// report stream, NB selects the pins to watch. Each report is 12 bytes:
//   uint16 seqno, uint16 flags, uint32 tick, uint32 level bitmask
// ============================================================================

const (
	pigpioCmdMODES = 0
	pigpioCmdPUD   = 2
	pigpioCmdREAD  = 3
	pigpioCmdWRITE = 4
	pigpioCmdPWM   = 5
	pigpioCmdPFS   = 7
	pigpioCmdTICK  = 16
	pigpioCmdNB    = 19
	pigpioCmdNC    = 21
	pigpioCmdNOIB  = 99

	pigpioFrameLen  = 16
	pigpioReportLen = 12

	// Report flags for keep-alive, watchdog and event reports. Those reports
	// carry no level change.
	pigpioNtfyWdog  = 1 << 5
	pigpioNtfyAlive = 1 << 6
	pigpioNtfyEvent = 1 << 7

	maxUserGPIO = 31
)

// PigpioError is a negative status returned by pigpiod.
type PigpioError struct {
	Cmd  uint32
	Code int32
}

func (e *PigpioError) Error() string {
	if msg, ok := pigpioErrorText[e.Code]; ok {
		return fmt.Sprintf("pigpio cmd %d: %s (%d)", e.Cmd, msg, e.Code)
	}
	return fmt.Sprintf("pigpio cmd %d: error %d", e.Cmd, e.Code)
}

var pigpioErrorText = map[int32]string{
	-2:  "bad gpio",
	-3:  "bad gpio",
	-4:  "bad mode",
	-5:  "bad level",
	-6:  "bad pud",
	-8:  "bad dutycycle",
	-24: "bad handle",
	-25: "no handle",
	-41: "not permitted",
}

var errBadPin = errors.New("pin must be between 0 and 31")

// PigpioClient talks to a local or remote pigpiod.
//
// The command socket is shared by every goroutine using the client; requests
// are serialized because pigpiod answers strictly in order.
type PigpioClient struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// DialPigpio connects the command socket of pigpiod at addr.
func DialPigpio(addr string, timeout time.Duration, logger *slog.Logger) (*PigpioClient, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial pigpiod %s: %w", addr, err)
	}
	logger.Info("connected to pigpiod", "addr", addr)
	return newPigpioClient(conn, addr, timeout, logger), nil
}

func newPigpioClient(conn net.Conn, addr string, timeout time.Duration, logger *slog.Logger) *PigpioClient {
	return &PigpioClient{
		addr:    addr,
		timeout: timeout,
		logger:  logger,
		conn:    conn,
	}
}

// Close closes the command socket. Notification streams close with their contexts.
func (c *PigpioClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// exchange sends one request frame on conn and returns the raw result word.
func exchange(conn net.Conn, timeout time.Duration, cmd, p1, p2 uint32) (uint32, error) {
	var frame [pigpioFrameLen]byte
	binary.LittleEndian.PutUint32(frame[0:], cmd)
	binary.LittleEndian.PutUint32(frame[4:], p1)
	binary.LittleEndian.PutUint32(frame[8:], p2)

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write(frame[:]); err != nil {
		return 0, fmt.Errorf("send cmd %d: %w", cmd, err)
	}
	if _, err := io.ReadFull(conn, frame[:]); err != nil {
		return 0, fmt.Errorf("read reply to cmd %d: %w", cmd, err)
	}
	if got := binary.LittleEndian.Uint32(frame[0:]); got != cmd {
		return 0, fmt.Errorf("reply for cmd %d, expected %d", got, cmd)
	}
	return binary.LittleEndian.Uint32(frame[12:]), nil
}

// rawCommand runs cmd on the shared socket without interpreting the result.
func (c *PigpioClient) rawCommand(cmd, p1, p2 uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0, net.ErrClosed
	}
	return exchange(c.conn, c.timeout, cmd, p1, p2)
}

// command runs cmd and converts negative results into a *PigpioError.
func (c *PigpioClient) command(cmd, p1, p2 uint32) (int32, error) {
	raw, err := c.rawCommand(cmd, p1, p2)
	if err != nil {
		return 0, err
	}
	res := int32(raw)
	if res < 0 {
		return res, &PigpioError{Cmd: cmd, Code: res}
	}
	return res, nil
}

func checkPin(pin int) error {
	if pin < 0 || pin > maxUserGPIO {
		return fmt.Errorf("gpio %d: %w", pin, errBadPin)
	}
	return nil
}

func (c *PigpioClient) SetMode(pin int, mode PinMode) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	_, err := c.command(pigpioCmdMODES, uint32(pin), uint32(mode))
	return err
}

func (c *PigpioClient) SetPull(pin int, pull Pull) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	_, err := c.command(pigpioCmdPUD, uint32(pin), uint32(pull))
	return err
}

func (c *PigpioClient) Write(pin int, level int) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	if level != 0 {
		level = 1
	}
	_, err := c.command(pigpioCmdWRITE, uint32(pin), uint32(level))
	return err
}

func (c *PigpioClient) Read(pin int) (int, error) {
	if err := checkPin(pin); err != nil {
		return 0, err
	}
	res, err := c.command(pigpioCmdREAD, uint32(pin), 0)
	return int(res), err
}

// CurrentTick returns the pigpiod tick. The result is unsigned and must not be
// treated as an error code.
func (c *PigpioClient) CurrentTick() (Tick, error) {
	raw, err := c.rawCommand(pigpioCmdTICK, 0, 0)
	return Tick(raw), err
}

func (c *PigpioClient) SetPWMFrequency(pin int, hz int) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	_, err := c.command(pigpioCmdPFS, uint32(pin), uint32(hz))
	return err
}

func (c *PigpioClient) SetPWMDutyCycle(pin int, duty int) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	_, err := c.command(pigpioCmdPWM, uint32(pin), uint32(duty))
	return err
}

// Notify opens a notification stream for pin.
func (c *PigpioClient) Notify(ctx context.Context, pin int) (<-chan EdgeEvent, error) {
	if err := checkPin(pin); err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("dial pigpiod notify socket: %w", err)
	}

	raw, err := exchange(conn, c.timeout, pigpioCmdNOIB, 0, 0)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open notification: %w", err)
	}
	if int32(raw) < 0 {
		conn.Close()
		return nil, &PigpioError{Cmd: pigpioCmdNOIB, Code: int32(raw)}
	}
	handle := raw

	initial, err := c.Read(pin)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read initial level: %w", err)
	}

	if _, err := c.command(pigpioCmdNB, handle, 1<<uint(pin)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin notification: %w", err)
	}

	out := make(chan EdgeEvent, 64)

	go func() {
		<-ctx.Done()
		if _, err := c.command(pigpioCmdNC, handle, 0); err != nil {
			c.logger.Debug("pigpio notify close failed", "handle", handle, "error", err)
		}
		_ = conn.Close()
	}()

	go readNotifications(ctx, conn, pin, initial, out, c.logger)

	return out, nil
}

// readNotifications turns the report stream into per-pin edge events.
func readNotifications(ctx context.Context, r io.Reader, pin int, level int, out chan<- EdgeEvent, logger *slog.Logger) {
	defer close(out)

	var report [pigpioReportLen]byte
	for {
		if _, err := io.ReadFull(r, report[:]); err != nil {
			if ctx.Err() == nil {
				logger.Error("pigpio notification stream ended", "pin", pin, "error", err)
			}
			return
		}

		flags := binary.LittleEndian.Uint16(report[2:])
		if flags&(pigpioNtfyWdog|pigpioNtfyAlive|pigpioNtfyEvent) != 0 {
			continue
		}

		tick := Tick(binary.LittleEndian.Uint32(report[4:]))
		bits := binary.LittleEndian.Uint32(report[8:])
		next := int((bits >> uint(pin)) & 1)
		if next == level {
			continue
		}
		level = next

		select {
		case out <- EdgeEvent{Level: level, Tick: tick}:
		case <-ctx.Done():
			return
		}
	}
}
