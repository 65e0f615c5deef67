package chat

import (
	"cmp"
	"slices"
	"time"
)

// Mismatch records a message id whose immutable fields disagree between sources.
// The copy already held wins.
type Mismatch struct {
	MessageID string
	Field     string
	Held      string
	Incoming  string
}

// Merge combines REST history with push-delivered messages into one timeline:
// deduplicated by id, ordered by CreatedAt then id. Inputs are not modified.
func Merge(history, live []Message) ([]Message, []Mismatch) {
	byID := make(map[string]Message, len(history)+len(live))
	var mismatches []Mismatch

	add := func(m Message) {
		if m.ID == "" {
			return
		}
		held, ok := byID[m.ID]
		if !ok {
			byID[m.ID] = m
			return
		}
		merged, mm := overlay(held, m)
		if mm != nil {
			mismatches = append(mismatches, *mm)
			return
		}
		byID[m.ID] = merged
	}

	for _, m := range history {
		add(m)
	}
	for _, m := range live {
		add(m)
	}

	out := make([]Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	Sort(out)
	return out, mismatches
}

// Sort orders messages by CreatedAt ascending, ties by id.
func Sort(msgs []Message) {
	slices.SortFunc(msgs, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// overlay folds in into held. Blank fields are filled, seen state only moves forward.
func overlay(held, in Message) (Message, *Mismatch) {
	check := func(field, a, b string) *Mismatch {
		if a != "" && b != "" && a != b {
			return &Mismatch{MessageID: held.ID, Field: field, Held: a, Incoming: b}
		}
		return nil
	}
	if mm := check("conversationId", held.ConversationID, in.ConversationID); mm != nil {
		return held, mm
	}
	if mm := check("senderId", held.SenderID, in.SenderID); mm != nil {
		return held, mm
	}
	if mm := check("receiverId", held.ReceiverID, in.ReceiverID); mm != nil {
		return held, mm
	}
	if mm := check("content", held.Content, in.Content); mm != nil {
		return held, mm
	}
	if !held.CreatedAt.IsZero() && !in.CreatedAt.IsZero() && !held.CreatedAt.Equal(in.CreatedAt) {
		return held, &Mismatch{
			MessageID: held.ID,
			Field:     "createdAt",
			Held:      held.CreatedAt.Format(time.RFC3339Nano),
			Incoming:  in.CreatedAt.Format(time.RFC3339Nano),
		}
	}

	out := held
	if out.ConversationID == "" {
		out.ConversationID = in.ConversationID
	}
	if out.SenderID == "" {
		out.SenderID = in.SenderID
	}
	if out.ReceiverID == "" {
		out.ReceiverID = in.ReceiverID
	}
	if out.Content == "" {
		out.Content = in.Content
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = in.CreatedAt
	}
	out.Seen = held.Seen || in.Seen
	out.SeenAt = earliest(held.SeenAt, in.SeenAt)
	return out, nil
}

// earliest returns the earlier non-zero time, so the first observed seen time sticks
// regardless of which source reported it first.
func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}

// ApplyReceipts marks messages seen from inbound acknowledgements. Already-seen
// messages keep their state. Returns a new slice.
func ApplyReceipts(timeline []Message, receipts map[string]time.Time) []Message {
	out := slices.Clone(timeline)
	if len(receipts) == 0 {
		return out
	}
	for i := range out {
		at, ok := receipts[out[i].ID]
		if !ok {
			continue
		}
		out[i].Seen = true
		out[i].SeenAt = earliest(out[i].SeenAt, at)
	}
	return out
}
