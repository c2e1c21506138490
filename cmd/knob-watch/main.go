package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// frame mirrors the daemon's state websocket envelope.
type frame struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:3001/ws/state", "eqknob state websocket URL")
		raw   = flag.Bool("raw", false, "Print frames as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	var writeMu sync.Mutex

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			// Any traffic proves the server is alive.
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			if messageType != websocket.TextMessage {
				fmt.Printf("[BINARY] %d bytes\n", len(message))
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			fmt.Println(formatFrame(message))
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// formatFrame renders one state frame as a single human-readable line.
// Frames it does not understand are printed verbatim.
func formatFrame(message []byte) string {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		return "[TEXT] " + string(message)
	}
	ts := f.Ts.Local().Format("15:04:05.000")

	switch f.Type {
	case "knob_reading":
		var d struct {
			Value   float64 `json:"value"`
			Clipped float64 `json:"clipped"`
			Mean    float64 `json:"mean"`
			Min     float64 `json:"min"`
			Max     float64 `json:"max"`
			Samples int     `json:"samples"`
		}
		if json.Unmarshal(f.Data, &d) == nil {
			return fmt.Sprintf("%s [KNOB] value=%.3f clipped=%.3f mean=%.0f range=%.0f..%.0f samples=%d",
				ts, d.Value, d.Clipped, d.Mean, d.Min, d.Max, d.Samples)
		}

	case "preset_changed":
		var d struct {
			Gains      []int   `json:"gains"`
			Proportion float64 `json:"proportion"`
			Origin     string  `json:"origin"`
		}
		if json.Unmarshal(f.Data, &d) == nil {
			return fmt.Sprintf("%s [PRESET] %s p=%.3f origin=%s", ts, formatGains(d.Gains), d.Proportion, d.Origin)
		}

	case "knob_paused":
		var d struct {
			Paused bool `json:"paused"`
		}
		if json.Unmarshal(f.Data, &d) == nil {
			status := "RESUMED"
			if d.Paused {
				status = "PAUSED"
			}
			return fmt.Sprintf("%s [KNOB] %s", ts, status)
		}

	case "fan_changed":
		var d struct {
			TempC float64 `json:"temp_c"`
			High  bool    `json:"high"`
			Speed float64 `json:"speed"`
		}
		if json.Unmarshal(f.Data, &d) == nil {
			return fmt.Sprintf("%s [FAN] %.1f°C high=%v speed=%.0f%%", ts, d.TempC, d.High, d.Speed*100)
		}

	case "state_init":
		var d struct {
			Proportion float64 `json:"proportion"`
			Gains      []int   `json:"gains"`
			KnobPaused bool    `json:"knob_paused"`
		}
		if json.Unmarshal(f.Data, &d) == nil {
			return fmt.Sprintf("%s [INIT] %s p=%.3f paused=%v", ts, formatGains(d.Gains), d.Proportion, d.KnobPaused)
		}
	}

	pretty, err := json.MarshalIndent(json.RawMessage(message), "", "  ")
	if err != nil {
		return "[TEXT] " + string(message)
	}
	return "[EVENT]\n" + string(pretty)
}

func formatGains(gains []int) string {
	parts := make([]string, len(gains))
	for i, g := range gains {
		parts[i] = fmt.Sprintf("%d", g)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
