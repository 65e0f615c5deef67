package backend

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-chatsync/internal/chat"
	"go-chatsync/internal/notification"
)

var (
	ErrNotFound       = errors.New("backend: not found")
	ErrNotParticipant = errors.New("backend: not a participant")
	ErrSelfChat       = errors.New("backend: cannot start a conversation with yourself")
)

type conversation struct {
	id        string
	members   [2]string
	createdAt time.Time
}

func (c *conversation) has(userID string) bool {
	return c.members[0] == userID || c.members[1] == userID
}

func (c *conversation) other(userID string) string {
	if c.members[0] == userID {
		return c.members[1]
	}
	return c.members[0]
}

// Repository is the in-memory store behind the reference backend: private
// conversations, their messages, and per-user notifications.
type Repository struct {
	mu            sync.RWMutex
	now           func() time.Time
	conversations map[string]*conversation
	byPair        map[[2]string]string
	messages      map[string][]chat.Message
	notifications map[string][]notification.Notification
}

func NewRepository() *Repository {
	return &Repository{
		now:           func() time.Time { return time.Now().UTC() },
		conversations: make(map[string]*conversation),
		byPair:        make(map[[2]string]string),
		messages:      make(map[string][]chat.Message),
		notifications: make(map[string][]notification.Notification),
	}
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// FindOrCreateConversation returns the private conversation between two users.
func (r *Repository) FindOrCreateConversation(userID, peerID string) (chat.Conversation, error) {
	if userID == peerID {
		return chat.Conversation{}, ErrSelfChat
	}
	key := pairKey(userID, peerID)

	r.mu.Lock()
	id, ok := r.byPair[key]
	if !ok {
		id = uuid.NewString()
		r.conversations[id] = &conversation{id: id, members: key, createdAt: r.now()}
		r.byPair[key] = id
	}
	c := r.conversations[id]
	summary := r.summaryLocked(c, userID)
	r.mu.Unlock()
	return summary, nil
}

// IsParticipant reports whether userID belongs to conversationID.
func (r *Repository) IsParticipant(conversationID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[conversationID]
	return ok && c.has(userID)
}

// SaveMessage stores a message from senderID. The receiver is the other member,
// and must match to when to is given.
func (r *Repository) SaveMessage(conversationID, senderID, to, content string) (chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[conversationID]
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	if !c.has(senderID) {
		return chat.Message{}, ErrNotParticipant
	}
	receiver := c.other(senderID)
	if to != "" && to != receiver {
		return chat.Message{}, ErrNotParticipant
	}
	msg := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiver,
		Content:        content,
		CreatedAt:      r.now(),
	}
	r.messages[conversationID] = append(r.messages[conversationID], msg)
	return msg, nil
}

// History returns the messages of a conversation visible to userID, oldest first.
func (r *Repository) History(conversationID, userID string) ([]chat.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.has(userID) {
		return nil, ErrNotParticipant
	}
	return slices.Clone(r.messages[conversationID]), nil
}

// MarkMessageSeen transitions a message addressed to viewerID to seen. It
// reports false when the message was already seen.
func (r *Repository) MarkMessageSeen(conversationID, messageID, viewerID string) (chat.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[conversationID]
	i := slices.IndexFunc(msgs, func(m chat.Message) bool { return m.ID == messageID })
	if i < 0 {
		return chat.Message{}, false, ErrNotFound
	}
	if msgs[i].ReceiverID != viewerID {
		return chat.Message{}, false, ErrNotParticipant
	}
	if msgs[i].Seen {
		return msgs[i], false, nil
	}
	msgs[i].Seen = true
	msgs[i].SeenAt = r.now()
	return msgs[i], true, nil
}

// Conversations lists userID's conversations, most recently active first.
func (r *Repository) Conversations(userID string) []chat.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []chat.Conversation
	for _, c := range r.conversations {
		if c.has(userID) {
			out = append(out, r.summaryLocked(c, userID))
		}
	}
	slices.SortFunc(out, func(a, b chat.Conversation) int {
		if n := b.LastMessageAt.Compare(a.LastMessageAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (r *Repository) summaryLocked(c *conversation, userID string) chat.Conversation {
	peer := c.other(userID)
	s := chat.Conversation{
		ID:            c.id,
		Participant:   chat.Participant{ID: peer, Name: peer},
		LastMessageAt: c.createdAt,
	}
	msgs := r.messages[c.id]
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		s.LastMessage = &last
		s.LastMessageAt = last.CreatedAt
	}
	for _, m := range msgs {
		if m.ReceiverID == userID && !m.Seen {
			s.UnreadCount++
		}
	}
	return s
}

// UnreadCount is the number of unseen messages addressed to userID.
func (r *Repository) UnreadCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, msgs := range r.messages {
		for _, m := range msgs {
			if m.ReceiverID == userID && !m.Seen {
				n++
			}
		}
	}
	return n
}

// AddNotification stores n for userID, assigning id and timestamps.
func (r *Repository) AddNotification(userID string, n notification.Notification) notification.Notification {
	n.ID = uuid.NewString()
	n.IsSeen = false
	n.SeenAt = time.Time{}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.now()
	}
	r.mu.Lock()
	r.notifications[userID] = append(r.notifications[userID], n)
	r.mu.Unlock()
	return n
}

// NotificationFilter narrows a notification listing.
type NotificationFilter struct {
	Seen *bool
	Type string
}

// Notifications returns one page, newest first, and the number of pages.
func (r *Repository) Notifications(userID string, page, limit int, f NotificationFilter) ([]notification.Notification, int) {
	r.mu.RLock()
	var matched []notification.Notification
	for _, n := range r.notifications[userID] {
		if f.Seen != nil && n.IsSeen != *f.Seen {
			continue
		}
		if f.Type != "" && n.Type != f.Type {
			continue
		}
		matched = append(matched, n)
	}
	r.mu.RUnlock()

	slices.SortStableFunc(matched, func(a, b notification.Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit <= 0 {
		limit = notification.DefaultPageSize
	}
	if page <= 0 {
		page = 1
	}
	total := (len(matched) + limit - 1) / limit
	start := (page - 1) * limit
	if start >= len(matched) {
		return []notification.Notification{}, total
	}
	end := min(start+limit, len(matched))
	return matched[start:end], total
}

func (r *Repository) UnseenNotifications(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, item := range r.notifications[userID] {
		if !item.IsSeen {
			n++
		}
	}
	return n
}

func (r *Repository) MarkNotificationSeen(userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.notifications[userID]
	i := slices.IndexFunc(items, func(n notification.Notification) bool { return n.ID == id })
	if i < 0 {
		return ErrNotFound
	}
	if !items[i].IsSeen {
		items[i].IsSeen = true
		items[i].SeenAt = r.now()
	}
	return nil
}

// MarkAllNotificationsSeen returns how many notifications changed.
func (r *Repository) MarkAllNotificationsSeen(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	now := r.now()
	for i := range r.notifications[userID] {
		item := &r.notifications[userID][i]
		if !item.IsSeen {
			item.IsSeen = true
			item.SeenAt = now
			n++
		}
	}
	return n
}
