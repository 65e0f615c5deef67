package notification

import (
	"encoding/json"
	"time"
)

// Notification is a system notification. IsSeen only ever moves false to true.
type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IsSeen    bool           `json:"isSeen"`
	SeenAt    time.Time      `json:"seenAt,omitzero"`
	CreatedAt time.Time      `json:"createdAt"`
}

// UnmarshalJSON accepts the legacy _id as well as id.
func (n *Notification) UnmarshalJSON(b []byte) error {
	type plain Notification
	var w struct {
		plain
		LegacyID string     `json:"_id"`
		SeenAt   *time.Time `json:"seenAt"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*n = Notification(w.plain)
	if n.ID == "" {
		n.ID = w.LegacyID
	}
	if w.SeenAt != nil {
		n.SeenAt = *w.SeenAt
		n.IsSeen = true
	}
	return nil
}

// absorb folds the seen state of other into n without ever clearing it.
func (n *Notification) absorb(other Notification) {
	if !other.IsSeen {
		return
	}
	n.IsSeen = true
	if n.SeenAt.IsZero() || (!other.SeenAt.IsZero() && other.SeenAt.Before(n.SeenAt)) {
		n.SeenAt = other.SeenAt
	}
}
