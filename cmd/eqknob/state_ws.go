package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
//   - The Hub tracks connected clients; each client has its own write pump so
//     one slow client doesn't hold up the others.
//   - Slow clients are disconnected when their send buffer fills.
//   - Messages are JSON text frames: {type, ts, data}.
//   - The first message on connect is "state_init", produced by the daemon
//     loop through RequestStateSnapshot.
//   - knob_reading arrives every few hundred ms and is coalesced
//     (latest wins) before fan-out.
//
// ============================================================================

type wsStateInit struct {
	Proportion float64   `json:"proportion"`
	Gains      []int     `json:"gains"`
	GainsAt    time.Time `json:"gains_at"`

	KnobPaused bool         `json:"knob_paused"`
	Reading    *KnobReading `json:"reading,omitempty"`
	ReadingAt  time.Time    `json:"reading_at"`
	Fan        *FanState    `json:"fan,omitempty"`
}

type wsKnobReadingData struct {
	KnobReading
	Clipped float64 `json:"clipped"`
}

type wsPresetChangedData struct {
	Gains      []int   `json:"gains"`
	Proportion float64 `json:"proportion"`
	Origin     string  `json:"origin"`
}

type wsKnobPausedData struct {
	Paused bool `json:"paused"`
}

type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEnvelope(ev wsOutboundEvent) ([]byte, error) {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size (default 32).
	SendBuf int
	// BroadcastBuf is the hub inbound queue size (default 128).
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, remove them after unlocking.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				if !c.trySend(msg) {
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeSend()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.closeSend()
	h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

// BroadcastBytes enqueues a serialized frame. It drops the frame instead of blocking.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	sendMu sync.Mutex
	closed bool

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// closeSend signals the write pump to exit. Safe to call more than once.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// trySend queues msg without blocking. It reports false if the queue is full
// or the client is already gone.
func (c *Client) trySend(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsReadingCoalesceWindow bounds how often knob_reading reaches clients.
const wsReadingCoalesceWindow = 50 * time.Millisecond

func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes queued frames and keepalive pings until send closes or a
// write fails.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards incoming frames to service control messages and notice
// disconnects, then unregisters the client.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for ctx.Err() == nil {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			break
		}
	}
	if c.hub != nil {
		c.hub.unregister <- c
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

type Server struct {
	logger *slog.Logger
	hub    *Hub

	// Initial snapshots go through the daemon loop.
	events chan<- Event
}

func NewServer(logger *slog.Logger, events chan<- Event, cfg HubConfig) *Server {
	return &Server{
		logger: logger,
		hub:    NewHub(logger, cfg),
		events: events,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS handler on mux.
func (s *Server) Register(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)
	s.hub.register <- client

	// The pumps outlive the handler; net/http cancels r.Context() on return.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	if s.events == nil {
		return
	}

	reply := make(chan StateSnapshot, 1)
	select {
	case <-r.Context().Done():
		return
	case s.events <- RequestStateSnapshot{Reply: reply}:
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	select {
	case <-waitCtx.Done():
		if !errors.Is(waitCtx.Err(), context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", waitCtx.Err())
		}
	case snap := <-reply:
		msg, err := marshalEnvelope(wsOutboundEvent{Type: "state_init", Data: stateInitPayload(snap)})
		if err != nil {
			s.logger.Warn("ws state_init marshal failed", "error", err)
			return
		}
		if !client.trySend(msg) {
			s.hub.unregister <- client
		}
	}
}

func stateInitPayload(snap StateSnapshot) wsStateInit {
	p := wsStateInit{
		Proportion: snap.Proportion,
		Gains:      snap.Gains,
		GainsAt:    snap.GainsAt,
		KnobPaused: snap.KnobPaused,
		ReadingAt:  snap.ReadingAt,
	}
	if snap.HasReading {
		r := snap.LastReading
		p.Reading = &r
	}
	if snap.FanKnown {
		f := snap.Fan
		p.Fan = &f
	}
	return p
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster converts reducer broadcasts to frames and fans them out.
// knob_reading is rate-limited to one frame per coalesce window (no
// debounce-on-silence); any other event flushes the pending reading first
// so clients see changes in order.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	var pending *wsOutboundEvent
	var timer *time.Timer
	var timerC <-chan time.Time

	emit := func(ev wsOutboundEvent) {
		msg, err := marshalEnvelope(ev)
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}
	flushPending := func() {
		if pending != nil {
			emit(*pending)
			pending = nil
		}
	}
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			flushPending()
			stopTimer()
			return

		case <-timerC:
			timer, timerC = nil, nil
			if pending != nil {
				flushPending()
				timer = time.NewTimer(wsReadingCoalesceWindow)
				timerC = timer.C
			}

		case b, ok := <-src:
			if !ok {
				flushPending()
				stopTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}

			if ev.Type == "knob_reading" {
				pending = &ev
				if timer == nil {
					timer = time.NewTimer(wsReadingCoalesceWindow)
					timerC = timer.C
				}
				continue
			}

			flushPending()
			emit(ev)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastKnobReading:
		return wsOutboundEvent{
			Type: "knob_reading",
			Data: wsKnobReadingData{KnobReading: ev.Reading, Clipped: ev.Clipped},
			At:   ev.At,
		}, true

	case BroadcastPresetChanged:
		return wsOutboundEvent{
			Type: "preset_changed",
			Data: wsPresetChangedData{Gains: ev.Gains, Proportion: ev.Proportion, Origin: ev.Origin},
			At:   ev.At,
		}, true

	case BroadcastKnobPaused:
		return wsOutboundEvent{
			Type: "knob_paused",
			Data: wsKnobPausedData{Paused: ev.Paused},
			At:   ev.At,
		}, true

	case BroadcastFanChanged:
		return wsOutboundEvent{
			Type: "fan_changed",
			Data: ev.State,
			At:   ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
