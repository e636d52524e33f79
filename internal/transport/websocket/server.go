// Package websocket provides WebSocket-based push delivery for priorq.
//
// Clients open a WebSocket connection to GET /ws. The server polls the queue
// every 200 ms and pushes available messages; clients answer with ack or
// requeue frames carrying the message ID and token.
//
// Server → client message frame:
//
//	{"type":"message","id":"...","token":"<ULID>","payload":"<base64>"}
//
// Client → server control frame:
//
//	{"type":"ack",     "id":"...","token":"<ULID>"}
//	{"type":"requeue", "id":"...","token":"<ULID>","delay_ms":0}
package websocket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/mkarel/priorq/internal/broker"
)

// pollInterval is how often an idle connection checks for messages.
const pollInterval = 200 * time.Millisecond

// maxPerTick caps how many messages one connection drains per poll so a
// single consumer cannot monopolise the queue.
const maxPerTick = 10

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests. A request
	// is same-origin when its Origin host matches the Host header
	// (scheme-agnostic). Requests without an Origin header (native clients,
	// curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the WebSocket push endpoint.
type Handler struct {
	Broker *broker.Broker
}

// serverFrame is the JSON structure the server sends to the client.
type serverFrame struct {
	Type    string `json:"type"` // "message"
	ID      string `json:"id"`
	Token   string `json:"token"`
	Payload string `json:"payload,omitempty"` // base64
}

// clientFrame is the JSON structure the client sends to the server.
type clientFrame struct {
	Type    string `json:"type"` // "ack" | "requeue"
	ID      string `json:"id"`
	Token   string `json:"token"`
	DelayMs int64  `json:"delay_ms"`
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Read control frames on a separate goroutine.
	controlCh := make(chan clientFrame, 64)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf clientFrame
			if jsonErr := json.Unmarshal(raw, &cf); jsonErr == nil {
				controlCh <- cf
			}
		}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case cf, ok := <-controlCh:
			if !ok {
				return // client disconnected
			}
			switch cf.Type {
			case "ack":
				if err := h.Broker.Ack(cf.ID, cf.Token, false, 0); err != nil {
					slog.Warn("ws ack failed", "id", cf.ID, "err", err)
				}
			case "requeue":
				delay := time.Duration(cf.DelayMs) * time.Millisecond
				if err := h.Broker.Ack(cf.ID, cf.Token, true, delay); err != nil {
					slog.Warn("ws requeue failed", "id", cf.ID, "err", err)
				}
			}

		case <-ticker.C:
			for i := 0; i < maxPerTick; i++ {
				msg, ok := h.Broker.TryPop()
				if !ok {
					break
				}
				frame := serverFrame{
					Type:  "message",
					ID:    msg.ID,
					Token: msg.Token,
				}
				if len(msg.Payload) > 0 {
					frame.Payload = base64.StdEncoding.EncodeToString(msg.Payload)
				}
				data, _ := json.Marshal(frame)
				if writeErr := conn.WriteMessage(gorillaws.TextMessage, data); writeErr != nil {
					return
				}
			}
		}
	}
}
