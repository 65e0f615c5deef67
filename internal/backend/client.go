package backend

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"go-chatsync/internal/channel"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a frame to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 16 * 1024
	maxContentLen  = 4000
)

// Client is one websocket session between a user and the hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	log    *logrus.Entry
}

type roomRequest struct {
	ConversationID string `json:"conversationId"`
}

type sendRequest struct {
	ConversationID string `json:"conversationId"`
	To             string `json:"to"`
	Content        string `json:"content"`
}

type sendAck struct {
	Success bool   `json:"success"`
	Message any    `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type seenRequest struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type seenEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SeenAt         time.Time `json:"seenAt"`
}

// readPump handles frames from the peer until the connection dies.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("websocket closed unexpectedly")
			}
			return
		}
		var f channel.Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		c.handle(ctx, f)
	}
}

func (c *Client) handle(ctx context.Context, f channel.Frame) {
	switch f.Event {
	case channel.EventJoin:
		var req roomRequest
		if json.Unmarshal(f.Data, &req) != nil || !c.mayJoin(req.ConversationID) {
			c.log.WithField("room", req.ConversationID).Warn("join refused")
			return
		}
		c.hub.addToRoom(c, req.ConversationID)

	case channel.EventLeave:
		var req roomRequest
		if json.Unmarshal(f.Data, &req) == nil && req.ConversationID != "" {
			c.hub.removeFromRoom(c, req.ConversationID)
		}

	case channel.EventSendMessage:
		c.handleSend(ctx, f)

	case channel.EventMessageSeen:
		c.handleSeen(ctx, f)

	default:
		c.log.WithField("event", f.Event).Debug("ignoring unknown event")
	}
}

func (c *Client) mayJoin(room string) bool {
	if room == "" {
		return false
	}
	if strings.HasPrefix(room, "user:") {
		return room == channel.UserRoom(c.userID)
	}
	return c.hub.repo.IsParticipant(room, c.userID)
}

func (c *Client) handleSend(ctx context.Context, f channel.Frame) {
	fail := func(reason string) {
		c.hub.metrics.sendFailures.WithLabelValues(reason).Inc()
		if f.Ack > 0 {
			c.hub.reply(c, f.Ack, sendAck{Error: reason})
		}
	}

	var req sendRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		fail("malformed message")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		fail("message content is empty")
		return
	}
	if len(content) > maxContentLen {
		fail("message too long")
		return
	}

	msg, err := c.hub.repo.SaveMessage(req.ConversationID, c.userID, req.To, content)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			fail("conversation not found")
		case errors.Is(err, ErrNotParticipant):
			fail("not a participant of this conversation")
		default:
			fail("failed to send message")
		}
		return
	}

	c.hub.metrics.messages.Inc()
	if f.Ack > 0 {
		c.hub.reply(c, f.Ack, sendAck{Success: true, Message: msg})
	}
	if err := c.hub.Emit(ctx, msg.ConversationID, channel.EventReceiveMessage, msg); err != nil {
		c.log.WithError(err).Error("publish message failed")
	}
	if err := c.hub.Emit(ctx, channel.UserRoom(msg.ReceiverID), channel.EventReceiveMessage, msg); err != nil {
		c.log.WithError(err).Error("publish message to receiver failed")
	}
}

func (c *Client) handleSeen(ctx context.Context, f channel.Frame) {
	var req seenRequest
	if err := json.Unmarshal(f.Data, &req); err != nil || req.MessageID == "" {
		return
	}
	msg, changed, err := c.hub.repo.MarkMessageSeen(req.ConversationID, req.MessageID, c.userID)
	if err != nil {
		c.log.WithError(err).WithField("message_id", req.MessageID).Debug("seen refused")
		return
	}
	if !changed {
		return
	}
	c.hub.metrics.receipts.Inc()
	ev := seenEvent{MessageID: msg.ID, ConversationID: msg.ConversationID, SeenAt: msg.SeenAt}
	if err := c.hub.Emit(ctx, channel.UserRoom(msg.SenderID), channel.EventMessageSeen, ev); err != nil {
		c.log.WithError(err).Error("publish receipt failed")
	}
}

// writePump is the only writer to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
