// Package relay is a minimal backend for the status and playback channels.
// It answers heartbeats and forwards playback frames between the slots of
// one material. It backs `slotcast relay` and the integration tests.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/slotcast/internal/proto"
)

const (
	writeTimeout = 10 * time.Second
	sendQueue    = 64
	maxFrame     = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Tablets connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ClientInfo describes one connected socket.
type ClientInfo struct {
	Channel    string    `json:"channel"`
	DeviceID   string    `json:"deviceId"`
	MaterialID string    `json:"materialId"`
	SlotNumber int       `json:"slotNumber,omitempty"`
	Since      time.Time `json:"since"`
}

type client struct {
	ClientInfo
	ws *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue never blocks; a full or closed queue drops the frame.
func (c *client) enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	devices map[string]proto.StatusUpdate
	counts  map[string]int
}

func New() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		devices: make(map[string]proto.StatusUpdate),
		counts:  make(map[string]int),
	}
}

// Handler serves both channels plus a JSON listing at /clients.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(proto.StatusPath, h.serveChannel("status"))
	mux.HandleFunc(proto.PlaybackPath, h.serveChannel("playback"))
	mux.HandleFunc("GET /clients", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"clients": h.Clients(),
			"devices": h.Devices(),
			"frames":  h.Counts(),
		})
	})
	return mux
}

func (h *Hub) serveChannel(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		info := ClientInfo{
			Channel:    channel,
			DeviceID:   q.Get("deviceId"),
			MaterialID: q.Get("materialId"),
			Since:      time.Now(),
		}
		if info.DeviceID == "" || info.MaterialID == "" {
			http.Error(w, "deviceId and materialId are required", http.StatusBadRequest)
			return
		}
		if channel == "playback" {
			slot, err := strconv.Atoi(q.Get("slotNumber"))
			if err != nil || slot < 1 {
				http.Error(w, "slotNumber is required", http.StatusBadRequest)
				return
			}
			info.SlotNumber = slot
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("RELAY: upgrade %s/%s: %v", channel, info.DeviceID, err)
			return
		}
		c := &client{ClientInfo: info, ws: ws, send: make(chan []byte, sendQueue)}
		h.register(c)
		go h.writePump(c)
		h.readPump(c)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Printf("RELAY: %s joined %s (material %s, slot %d)", c.DeviceID, c.Channel, c.MaterialID, c.SlotNumber)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
		log.Printf("RELAY: %s left %s", c.DeviceID, c.Channel)
	}
}

func (h *Hub) writePump(c *client) {
	defer c.ws.Close()
	for b := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
			h.unregister(c)
			return
		}
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

var pong = []byte(`{"type":"pong"}`)

func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	c.ws.SetReadLimit(maxFrame)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("RELAY: %s sent malformed frame: %v", c.DeviceID, err)
			continue
		}
		h.count(env.Type)

		switch env.Type {
		case proto.TypePing:
			c.enqueue(pong)
		case proto.TypeStatusUpdate:
			var u proto.StatusUpdate
			if err := json.Unmarshal(data, &u); err == nil {
				h.mu.Lock()
				h.devices[c.DeviceID] = u
				h.mu.Unlock()
			}
		case proto.TypeStateResponse:
			var m proto.StateResponse
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			h.forward(c, data, func(peer *client) bool { return peer.SlotNumber == m.RequestingSlot })
		case proto.TypeAdPlaybackUpdate, proto.TypeSyncRequest, proto.TypeStateRequest, proto.TypeSlotSync:
			h.forward(c, data, nil)
		default:
			log.Printf("RELAY: %s sent unknown type %q", c.DeviceID, env.Type)
		}
	}
}

// forward sends data to the other playback sockets of the sender's
// material, optionally narrowed by match.
func (h *Hub) forward(from *client, data []byte, match func(*client) bool) {
	if from.Channel != "playback" {
		return
	}
	h.mu.Lock()
	var targets []*client
	for peer := range h.clients {
		if peer == from || peer.Channel != "playback" || peer.MaterialID != from.MaterialID || peer.SlotNumber == from.SlotNumber {
			continue
		}
		if match != nil && !match(peer) {
			continue
		}
		targets = append(targets, peer)
	}
	h.mu.Unlock()

	for _, peer := range targets {
		if !peer.enqueue(data) {
			log.Printf("RELAY: %s is not keeping up, frame dropped", peer.DeviceID)
		}
	}
}

func (h *Hub) count(typ string) {
	h.mu.Lock()
	h.counts[typ]++
	h.mu.Unlock()
}

// Counts returns how many frames of each type were received.
func (h *Hub) Counts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

func (h *Hub) Clients() []ClientInfo {
	h.mu.Lock()
	out := make([]ClientInfo, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c.ClientInfo)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

// Devices returns the last statusUpdate per device.
func (h *Hub) Devices() map[string]proto.StatusUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]proto.StatusUpdate, len(h.devices))
	for k, v := range h.devices {
		out[k] = v
	}
	return out
}

// Close disconnects every client with a normal closure.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// Serve runs the hub on addr until ctx is done.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
	log.Printf("RELAY: listening on ws://%s", ln.Addr())

	go func() {
		<-ctx.Done()
		h.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
