// Package ws streams engine events to operator WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// Channels carried by the hub.
const (
	ChannelCycles    = "cycles"
	ChannelPositions = "positions"
	ChannelStatus    = "bot_status"
)

// queueSize bounds the hub's inbound event queue.
const queueSize = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers are already held back by the auth token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// envelope is the frame sent to clients.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StatusFunc returns the payload pushed to a client when it connects.
type StatusFunc func() any

// Hub fans engine events out to connected clients. Events reach it through
// Broadcast, through Publish (as a domain.EventPublisher), and from other
// processes over the event bus when a subscriber is configured. The client
// set is owned by the Run goroutine.
type Hub struct {
	events     chan envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	connected  atomic.Int64

	bus       domain.EventSubscriber
	busTopics []string
	status    StatusFunc
	logger    *slog.Logger
}

var _ domain.EventPublisher = (*Hub)(nil)

// NewHub creates a hub. bus and status may be nil; topics are the bus
// channels forwarded to clients under their own names.
func NewHub(bus domain.EventSubscriber, topics []string, status StatusFunc, logger *slog.Logger) *Hub {
	return &Hub{
		events:     make(chan envelope, queueSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		busTopics:  topics,
		status:     status,
		logger:     logger.With(slog.String("component", "ws")),
	}
}

// Broadcast queues v for every client subscribed to channel. It never
// blocks; when the queue is full the event is dropped.
func (h *Hub) Broadcast(channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("ws: marshal event failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	h.enqueue(envelope{Type: channel, Payload: data})
}

// Publish queues an already encoded payload. Non-JSON payloads are sent as
// a JSON string.
func (h *Hub) Publish(_ context.Context, channel string, payload []byte) error {
	h.enqueue(envelope{Type: channel, Payload: asJSON(payload)})
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int { return int(h.connected.Load()) }

func (h *Hub) enqueue(e envelope) {
	select {
	case h.events <- e:
	default:
		h.logger.Warn("ws: event queue full, dropping event", slog.String("channel", e.Type))
	}
}

// Run owns the client set until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		for _, topic := range h.busTopics {
			go h.forward(ctx, topic)
		}
	}

	defer close(h.done)

	clients := make(map[*client]struct{})
	drop := func(c *client) {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
			h.connected.Add(-1)
		}
	}

	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				drop(c)
			}
			return nil

		case c := <-h.register:
			clients[c] = struct{}{}
			h.connected.Add(1)
			h.logger.Info("ws: client connected", slog.Int("clients", len(clients)))

		case c := <-h.unregister:
			drop(c)
			h.logger.Info("ws: client disconnected", slog.Int("clients", len(clients)))

		case e := <-h.events:
			frame, err := json.Marshal(e)
			if err != nil {
				continue
			}
			for c := range clients {
				if !c.wants(e.Type) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("ws: client too slow, dropping frame", slog.String("channel", e.Type))
				}
			}
		}
	}
}

// forward relays one bus channel into the hub until ctx ends.
func (h *Hub) forward(ctx context.Context, topic string) {
	msgs, err := h.bus.Subscribe(ctx, topic)
	if err != nil {
		h.logger.Error("ws: subscribe failed", slog.String("channel", topic), slog.String("error", err.Error()))
		return
	}
	h.logger.Info("ws: forwarding bus channel", slog.String("channel", topic))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				return
			}
			h.enqueue(envelope{Type: topic, Payload: asJSON(data)})
		}
	}
}

func asJSON(data []byte) json.RawMessage {
	if json.Valid(data) {
		return data
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

// HandleWS upgrades the request and registers the client, which starts
// subscribed to every channel.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn)
	c.greet(h.status)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}
