package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const sendMessageEvent = "send_message"

var (
	ErrEmptyContent      = errors.New("chat: message content is empty")
	ErrNoConversation    = errors.New("chat: no conversation open")
	ErrNoReceiver        = errors.New("chat: receiver not selected")
	ErrStaleConversation = errors.New("chat: conversation changed while loading")
	errMalformedAck      = errors.New("chat: malformed send acknowledgement")
)

// SendError is a send the server explicitly refused.
type SendError struct {
	Reason string
}

func (e *SendError) Error() string {
	if e.Reason == "" {
		return "chat: failed to send message"
	}
	return "chat: " + e.Reason
}

// Channel is what the synchronizer needs from the session channel.
type Channel interface {
	Join(conversationID string) error
	Leave(conversationID string) error
	EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// HistoryFetcher loads a conversation's stored messages.
type HistoryFetcher interface {
	History(ctx context.Context, conversationID string) ([]Message, error)
}

// State is a read-only view of the synchronizer for renderers.
type State struct {
	ConversationID string
	Loading        bool
	Err            error
	Timeline       []Message
}

// Synchronizer keeps the merged timeline of the open conversation. The timeline is
// rebuilt from history, live messages and receipts on every change, never patched.
type Synchronizer struct {
	ch   Channel
	rest HistoryFetcher
	log  *logrus.Entry

	mu       sync.RWMutex
	active   string
	gen      uint64
	loading  bool
	err      error
	history  []Message
	live     []Message
	receipts map[string]time.Time
	timeline []Message
	changed  chan struct{}
}

func NewSynchronizer(ch Channel, rest HistoryFetcher, log *logrus.Entry) *Synchronizer {
	return &Synchronizer{
		ch:       ch,
		rest:     rest,
		log:      log,
		receipts: make(map[string]time.Time),
		changed:  make(chan struct{}, 1),
	}
}

// Open switches to conversationID: leaves the previous room, joins the new one and
// loads history. Responses for a conversation that is no longer active are dropped.
func (s *Synchronizer) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}

	s.mu.Lock()
	prev := s.active
	s.active = conversationID
	s.gen++
	gen := s.gen
	s.history = nil
	s.live = nil
	s.receipts = make(map[string]time.Time)
	s.err = nil
	s.rebuildLocked()
	s.mu.Unlock()

	if prev != "" && prev != conversationID {
		if err := s.ch.Leave(prev); err != nil {
			s.log.WithError(err).WithField("conversation_id", prev).Warn("leave failed")
		}
	}
	if err := s.ch.Join(conversationID); err != nil {
		s.log.WithError(err).WithField("conversation_id", conversationID).Warn("join failed")
	}

	return s.load(ctx, conversationID, gen)
}

// Close leaves the open conversation and clears the timeline.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	prev := s.active
	s.active = ""
	s.gen++
	s.history = nil
	s.live = nil
	s.receipts = make(map[string]time.Time)
	s.err = nil
	s.loading = false
	s.rebuildLocked()
	s.mu.Unlock()

	if prev != "" {
		if err := s.ch.Leave(prev); err != nil {
			s.log.WithError(err).WithField("conversation_id", prev).Warn("leave failed")
		}
	}
}

// Refresh reloads history for the open conversation without dropping live state.
// It is the retry path after a failed load and the reconciliation path after a reconnect.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.RLock()
	id, gen := s.active, s.gen
	s.mu.RUnlock()
	if id == "" {
		return ErrNoConversation
	}
	return s.load(ctx, id, gen)
}

func (s *Synchronizer) load(ctx context.Context, conversationID string, gen uint64) error {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
	s.notify()

	msgs, err := s.rest.History(ctx, conversationID)

	s.mu.Lock()
	if s.active != conversationID || s.gen != gen {
		s.mu.Unlock()
		s.log.WithField("conversation_id", conversationID).Debug("discarding history for inactive conversation")
		return ErrStaleConversation
	}
	s.loading = false
	if err != nil {
		s.err = err
		s.mu.Unlock()
		s.notify()
		return fmt.Errorf("chat: load history: %w", err)
	}
	s.err = nil
	s.history = msgs
	s.rebuildLocked()
	s.mu.Unlock()
	return nil
}

type sendPayload struct {
	ConversationID string `json:"conversationId"`
	To             string `json:"to"`
	Content        string `json:"content"`
}

type sendAck struct {
	Success bool     `json:"success"`
	Message *Message `json:"message"`
	Error   string   `json:"error"`
}

// Send emits a message and waits for the server's acknowledgement. Nothing is
// inserted locally until the ack carries the server-assigned message.
func (s *Synchronizer) Send(ctx context.Context, receiverID, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	s.mu.RLock()
	conversationID := s.active
	s.mu.RUnlock()
	if conversationID == "" {
		return Message{}, ErrNoConversation
	}
	if receiverID == "" {
		return Message{}, ErrNoReceiver
	}

	raw, err := s.ch.EmitWithAck(ctx, sendMessageEvent, sendPayload{
		ConversationID: conversationID,
		To:             receiverID,
		Content:        content,
	})
	if err != nil {
		return Message{}, fmt.Errorf("chat: send: %w", err)
	}

	var ack sendAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errMalformedAck, err)
	}
	if !ack.Success {
		return Message{}, &SendError{Reason: ack.Error}
	}
	if ack.Message == nil || ack.Message.ID == "" {
		return Message{}, errMalformedAck
	}

	msg := *ack.Message
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	s.HandleMessage(msg)
	return msg, nil
}

// HandleMessage applies a pushed (or acknowledged) message. Messages for other
// conversations are ignored and reported as false.
func (s *Synchronizer) HandleMessage(m Message) bool {
	s.mu.Lock()
	if s.active == "" || m.ConversationID != s.active {
		s.mu.Unlock()
		return false
	}
	s.live = append(s.live, m)
	s.rebuildLocked()
	s.mu.Unlock()
	return true
}

// HandleReceipt records that a message was seen. Receipts for messages not yet
// loaded are kept and applied once the message shows up.
func (s *Synchronizer) HandleReceipt(r Receipt) {
	if r.MessageID == "" {
		return
	}
	if r.SeenAt.IsZero() {
		r.SeenAt = time.Now()
	}
	s.mu.Lock()
	if s.active == "" || (r.ConversationID != "" && r.ConversationID != s.active) {
		s.mu.Unlock()
		return
	}
	if prev, ok := s.receipts[r.MessageID]; !ok || r.SeenAt.Before(prev) {
		s.receipts[r.MessageID] = r.SeenAt
	}
	s.rebuildLocked()
	s.mu.Unlock()
}

// MarkSeenLocal records a seen transition made by this viewer.
func (s *Synchronizer) MarkSeenLocal(messageID string, at time.Time) {
	s.HandleReceipt(Receipt{MessageID: messageID, SeenAt: at})
}

// Timeline returns a copy of the merged, ordered timeline.
func (s *Synchronizer) Timeline() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.timeline)
}

// Items returns the timeline with day separators in loc.
func (s *Synchronizer) Items(loc *time.Location) []Item {
	return Group(s.Timeline(), loc)
}

func (s *Synchronizer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		ConversationID: s.active,
		Loading:        s.loading,
		Err:            s.err,
		Timeline:       slices.Clone(s.timeline),
	}
}

func (s *Synchronizer) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Changed fires (coalesced) whenever State may have changed.
func (s *Synchronizer) Changed() <-chan struct{} {
	return s.changed
}

func (s *Synchronizer) rebuildLocked() {
	merged, mismatches := Merge(s.history, s.live)
	for _, mm := range mismatches {
		s.log.WithFields(logrus.Fields{
			"message_id": mm.MessageID,
			"field":      mm.Field,
			"held":       mm.Held,
			"incoming":   mm.Incoming,
		}).Warn("conflicting copies of message, keeping held version")
	}
	s.timeline = ApplyReceipts(merged, s.receipts)
	s.notify()
}

func (s *Synchronizer) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
