package chat

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// HeartContent is the reserved content rendered as an animated heart.
const HeartContent = "❤️"

// IsHeart reports whether content is the heart sentinel.
func IsHeart(content string) bool {
	return strings.TrimSpace(content) == HeartContent
}

// Message is one chat message. Everything except Seen/SeenAt is fixed once the server assigns ID.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Seen           bool      `json:"seen"`
	SeenAt         time.Time `json:"seenAt,omitzero"`
}

// Participant is the other side of a conversation as listed by the backend.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Conversation is a row of the conversation list.
type Conversation struct {
	ID            string      `json:"conversationId"`
	Participant   Participant `json:"participant"`
	LastMessage   *Message    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time   `json:"lastMessageAt,omitzero"`
	UnreadCount   int         `json:"unreadCount"`
}

// Receipt is an inbound seen acknowledgement for a message.
type Receipt struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId,omitempty"`
	SeenAt         time.Time `json:"seenAt"`
}

// wireID accepts a string, a number, or a populated object carrying _id/id.
type wireID string

func (w *wireID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*w = wireID(s)
	case '{':
		var obj struct {
			LegacyID wireID `json:"_id"`
			ID       wireID `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*w = firstID(obj.LegacyID, obj.ID)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		if i, err := n.Int64(); err == nil {
			*w = wireID(strconv.FormatInt(i, 10))
		} else {
			*w = wireID(n.String())
		}
	}
	return nil
}

func firstID(ids ...wireID) wireID {
	for _, id := range ids {
		if id != "" {
			return id
		}
	}
	return ""
}

// UnmarshalJSON folds the legacy field names the backend still emits
// (_id, conversation, sender/from, receiver/to) into the canonical ones.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w struct {
		ID             wireID     `json:"id"`
		LegacyID       wireID     `json:"_id"`
		ConversationID wireID     `json:"conversationId"`
		Conversation   wireID     `json:"conversation"`
		SenderID       wireID     `json:"senderId"`
		Sender         wireID     `json:"sender"`
		From           wireID     `json:"from"`
		ReceiverID     wireID     `json:"receiverId"`
		Receiver       wireID     `json:"receiver"`
		To             wireID     `json:"to"`
		Content        string     `json:"content"`
		CreatedAt      time.Time  `json:"createdAt"`
		Seen           bool       `json:"seen"`
		SeenAt         *time.Time `json:"seenAt"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	*m = Message{
		ID:             string(firstID(w.ID, w.LegacyID)),
		ConversationID: string(firstID(w.ConversationID, w.Conversation)),
		SenderID:       string(firstID(w.SenderID, w.Sender, w.From)),
		ReceiverID:     string(firstID(w.ReceiverID, w.Receiver, w.To)),
		Content:        w.Content,
		CreatedAt:      w.CreatedAt,
		Seen:           w.Seen,
	}
	if w.SeenAt != nil {
		m.SeenAt = *w.SeenAt
		m.Seen = true
	}
	return nil
}

// UnmarshalJSON accepts messageId or legacy _id.
func (r *Receipt) UnmarshalJSON(b []byte) error {
	var w struct {
		MessageID      wireID    `json:"messageId"`
		LegacyID       wireID    `json:"_id"`
		ConversationID wireID    `json:"conversationId"`
		Conversation   wireID    `json:"conversation"`
		SeenAt         time.Time `json:"seenAt"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Receipt{
		MessageID:      string(firstID(w.MessageID, w.LegacyID)),
		ConversationID: string(firstID(w.ConversationID, w.Conversation)),
		SeenAt:         w.SeenAt,
	}
	return nil
}

// UnmarshalJSON accepts the participant's _id or id.
func (p *Participant) UnmarshalJSON(b []byte) error {
	var w struct {
		ID       wireID `json:"id"`
		LegacyID wireID `json:"_id"`
		Name     string `json:"name"`
		Role     string `json:"role"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*p = Participant{ID: string(firstID(w.ID, w.LegacyID)), Name: w.Name, Role: w.Role}
	return nil
}
