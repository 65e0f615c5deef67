package seen

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"go-chatsync/internal/chat"
)

const (
	messageSeenEvent = "message_seen"

	// DefaultThreshold is the visible fraction of a message that counts as seen.
	DefaultThreshold = 0.5
)

type Emitter interface {
	Emit(event string, payload any) error
}

// Recorder applies the local seen transition to the open timeline.
type Recorder interface {
	MarkSeenLocal(messageID string, at time.Time)
}

// Decrementer is the chat unread counter's acknowledgement hook.
type Decrementer interface {
	Decrement(n int)
}

type ackPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// Tracker emits at most one seen acknowledgement per message for the current viewer.
// Delivery is fire-and-forget: an acknowledgement that cannot be sent is dropped and
// the counter reconciliation heals the difference.
type Tracker struct {
	userID    string
	threshold float64
	emitter   Emitter
	local     Recorder
	counter   Decrementer
	log       *logrus.Entry
	now       func() time.Time

	mu    sync.Mutex
	acked map[string]struct{}
}

func NewTracker(userID string, threshold float64, emitter Emitter, local Recorder, counter Decrementer, log *logrus.Entry) *Tracker {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Tracker{
		userID:    userID,
		threshold: threshold,
		emitter:   emitter,
		local:     local,
		counter:   counter,
		log:       log,
		now:       time.Now,
		acked:     make(map[string]struct{}),
	}
}

// MarkSeenIfVisible is called with the fraction of m currently inside the viewport.
// It returns true only for the call that actually acknowledged m.
func (t *Tracker) MarkSeenIfVisible(m chat.Message, visibleRatio float64) bool {
	if m.ID == "" || m.ReceiverID != t.userID || m.Seen {
		return false
	}
	if visibleRatio < t.threshold {
		return false
	}

	t.mu.Lock()
	if _, done := t.acked[m.ID]; done {
		t.mu.Unlock()
		return false
	}
	t.acked[m.ID] = struct{}{}
	t.mu.Unlock()

	if t.local != nil {
		t.local.MarkSeenLocal(m.ID, t.now())
	}
	if t.counter != nil {
		t.counter.Decrement(1)
	}

	err := t.emitter.Emit(messageSeenEvent, ackPayload{MessageID: m.ID, ConversationID: m.ConversationID})
	if err != nil {
		t.log.WithError(err).WithFields(logrus.Fields{
			"message_id":      m.ID,
			"conversation_id": m.ConversationID,
		}).Warn("seen acknowledgement dropped")
	}
	return true
}

// Acknowledged reports whether id was already acknowledged in this session.
func (t *Tracker) Acknowledged(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.acked[id]
	return ok
}

// Reset forgets every acknowledgement. Called on logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.acked = make(map[string]struct{})
	t.mu.Unlock()
}
