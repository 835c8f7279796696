// Package hub pushes monitor snapshots, user-visible messages and
// notifications to websocket subscribers.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"

	"github.com/coopwatch/coop_exporter/internal/actuator"
	"github.com/coopwatch/coop_exporter/internal/alert"
	"github.com/coopwatch/coop_exporter/internal/monitor"
)

const (
	TypeSnapshot  = "snapshot"
	TypeNotice    = "notice"
	TypeNotify    = "notify"
	TypeActuators = "actuators"
)

// Message is the envelope of every frame sent to subscribers.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type notifyPayload struct {
	Impact  alert.Impact `json:"impact"`
	Message string       `json:"message"`
}

type Hub struct {
	logger   log.Logger
	upgrader websocket.Upgrader

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	count      atomic.Int64

	mu   sync.RWMutex
	last []byte
}

func New(logger log.Logger) *Hub {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.count.Store(0)
			return

		case c := <-h.register:
			h.clients[c] = true
			h.count.Store(int64(len(h.clients)))
			level.Debug(h.logger).Log("msg", "websocket client registered", "remote", c.conn.RemoteAddr())
			if last := h.lastSnapshot(); last != nil {
				select {
				case c.send <- last:
				default:
				}
			}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.count.Store(int64(len(h.clients)))
				level.Debug(h.logger).Log("msg", "websocket client unregistered", "remote", c.conn.RemoteAddr())
			}

		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					level.Warn(h.logger).Log("msg", "websocket client too slow, dropping", "remote", c.conn.RemoteAddr())
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.count.Store(int64(len(h.clients)))
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Warn(h.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) lastSnapshot() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

func (h *Hub) encode(typ string, payload any) []byte {
	b, err := json.Marshal(Message{Type: typ, Payload: payload})
	if err != nil {
		level.Error(h.logger).Log("msg", "failed to encode websocket message", "type", typ, "err", err)
		return nil
	}
	return b
}

// enqueue never blocks the caller; a full queue drops the message.
func (h *Hub) enqueue(b []byte) {
	if b == nil {
		return
	}
	select {
	case h.broadcast <- b:
	default:
		level.Warn(h.logger).Log("msg", "broadcast queue full, dropping message")
	}
}

// PublishSnapshot implements monitor.Sink.
func (h *Hub) PublishSnapshot(s monitor.Snapshot) {
	b := h.encode(TypeSnapshot, s.View())
	if b == nil {
		return
	}
	h.mu.Lock()
	h.last = b
	h.mu.Unlock()
	h.enqueue(b)
}

// ShowMessage implements monitor.Sink and actuator.Reporter.
func (h *Hub) ShowMessage(msg string) {
	h.enqueue(h.encode(TypeNotice, msg))
}

// Notify implements alert.Notifier.
func (h *Hub) Notify(_ context.Context, impact alert.Impact, message string) {
	h.enqueue(h.encode(TypeNotify, notifyPayload{Impact: impact, Message: message}))
}

// ActuatorsChanged implements actuator.Listener.
func (h *Hub) ActuatorsChanged(s actuator.State) {
	h.enqueue(h.encode(TypeActuators, s))
}
