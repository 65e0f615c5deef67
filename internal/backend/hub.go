package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"go-chatsync/internal/channel"
)

type membership struct {
	client *Client
	room   string
}

type roomFrame struct {
	room  string
	frame []byte
}

type directFrame struct {
	client *Client
	frame  []byte
}

// Hub tracks connected clients and their rooms. Only run touches clients and
// rooms; everything else talks to it over channels.
type Hub struct {
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	join       chan membership
	leave      chan membership
	deliver    chan roomFrame
	direct     chan directFrame
	done       chan struct{}
	ctx        context.Context

	broker  Broker
	repo    *Repository
	metrics *Metrics
	log     *logrus.Entry
}

func NewHub(broker Broker, repo *Repository, metrics *Metrics, log *logrus.Entry) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan membership),
		leave:      make(chan membership),
		deliver:    make(chan roomFrame, 64),
		direct:     make(chan directFrame, 64),
		done:       make(chan struct{}),
		ctx:        context.Background(),
		broker:     broker,
		repo:       repo,
		metrics:    metrics,
		log:        log,
	}
}

// Start subscribes to the broker and runs the hub until ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	unsubscribe, err := h.broker.Subscribe(ctx, func(room string, frame []byte) {
		select {
		case h.deliver <- roomFrame{room: room, frame: frame}:
		case <-h.done:
		}
	})
	if err != nil {
		return err
	}
	h.ctx = ctx
	go func() {
		h.run(ctx)
		unsubscribe()
	}()
	return nil
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.dropLocked(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.metrics.connections.Inc()

		case c := <-h.unregister:
			if h.clients[c] {
				h.dropLocked(c)
			}

		case m := <-h.join:
			if !h.clients[m.client] {
				continue
			}
			if h.rooms[m.room] == nil {
				h.rooms[m.room] = make(map[*Client]bool)
			}
			h.rooms[m.room][m.client] = true

		case m := <-h.leave:
			delete(h.rooms[m.room], m.client)
			if len(h.rooms[m.room]) == 0 {
				delete(h.rooms, m.room)
			}

		case d := <-h.direct:
			if h.clients[d.client] {
				h.sendLocked(d.client, d.frame)
			}

		case rf := <-h.deliver:
			for c := range h.rooms[rf.room] {
				h.sendLocked(c, rf.frame)
			}
		}
	}
}

// sendLocked queues frame for c, dropping c if it cannot keep up.
func (h *Hub) sendLocked(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.log.WithField("user_id", c.userID).Warn("client too slow, dropping connection")
		h.metrics.slowClients.Inc()
		h.dropLocked(c)
	}
}

func (h *Hub) dropLocked(c *Client) {
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.connections.Dec()
}

// Emit publishes event to every client in room on every instance.
func (h *Hub) Emit(ctx context.Context, room, event string, data any) error {
	frame, err := encodeFrame(event, data, 0)
	if err != nil {
		return err
	}
	return h.broker.Publish(ctx, room, frame)
}

// Notify pushes a notification to a user's room.
func (h *Hub) Notify(ctx context.Context, userID string, n any) error {
	return h.Emit(ctx, channel.UserRoom(userID), channel.EventNotification, n)
}

func (h *Hub) reply(c *Client, ack uint64, data any) {
	frame, err := encodeFrame(channel.EventAck, data, ack)
	if err != nil {
		h.log.WithError(err).Error("encode ack failed")
		return
	}
	h.sendDirect(c, frame)
}

func (h *Hub) sendDirect(c *Client, frame []byte) {
	select {
	case h.direct <- directFrame{client: c, frame: frame}:
	case <-h.done:
	}
}

func (h *Hub) addToRoom(c *Client, room string) {
	select {
	case h.join <- membership{client: c, room: room}:
	case <-h.done:
	}
}

func (h *Hub) removeFromRoom(c *Client, room string) {
	select {
	case h.leave <- membership{client: c, room: room}:
	case <-h.done:
	}
}

func encodeFrame(event string, data any, ack uint64) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("backend: encode %s: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(channel.Frame{Event: event, Data: raw, Ack: ack})
}
