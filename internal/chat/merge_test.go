package chat

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func at(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

func msg(id string, min int) Message {
	return Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "peer",
		ReceiverID:     "me",
		Content:        "text " + id,
		CreatedAt:      at(min),
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMergePushSeenOverridesStaleHistory(t *testing.T) {
	history := []Message{msg("m1", 0), msg("m2", 1)}
	pushed := msg("m1", 0)
	pushed.Seen = true
	pushed.SeenAt = at(5)

	got, mm := Merge(history, []Message{pushed})
	require.Empty(t, mm)
	require.Equal(t, []string{"m1", "m2"}, ids(got))
	assert.True(t, got[0].Seen)
	assert.Equal(t, at(5), got[0].SeenAt)
	assert.False(t, got[1].Seen)
}

func TestMergeSeenNeverReverts(t *testing.T) {
	seen := msg("m1", 0)
	seen.Seen = true
	seen.SeenAt = at(3)

	got, _ := Merge([]Message{seen}, []Message{msg("m1", 0)})
	require.Len(t, got, 1)
	assert.True(t, got[0].Seen)
	assert.Equal(t, at(3), got[0].SeenAt)

	got, _ = Merge([]Message{msg("m1", 0)}, []Message{seen, msg("m1", 0)})
	assert.True(t, got[0].Seen)
	assert.Equal(t, at(3), got[0].SeenAt)
}

func TestMergeOrdersByCreatedAtThenID(t *testing.T) {
	// m3 arrives by push before m1 arrives by history.
	live := []Message{msg("m3", 2), msg("b", 1)}
	history := []Message{msg("m1", 0), msg("a", 1)}

	got, _ := Merge(history, live)
	assert.Equal(t, []string{"m1", "a", "b", "m3"}, ids(got))
}

func TestMergeIsIdempotentUnderReplay(t *testing.T) {
	live := []Message{msg("m2", 1), msg("m3", 2)}
	once, _ := Merge([]Message{msg("m1", 0)}, live)
	twice, _ := Merge([]Message{msg("m1", 0)}, append(live, live...))
	assert.Equal(t, once, twice)
}

func TestMergeIndependentOfArrivalOrder(t *testing.T) {
	seenM2 := msg("m2", 1)
	seenM2.Seen = true
	seenM2.SeenAt = at(9)
	seenM2Later := seenM2
	seenM2Later.SeenAt = at(12)

	all := []Message{msg("m1", 0), msg("m2", 1), seenM2, seenM2Later, msg("m3", 2), msg("m4", 2), msg("m1", 0)}
	want, _ := Merge(nil, all)

	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 50; i++ {
		shuffled := append([]Message(nil), all...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		split := r.IntN(len(shuffled) + 1)

		got, mm := Merge(shuffled[:split], shuffled[split:])
		require.Empty(t, mm)
		require.Equal(t, want, got)
	}
	assert.Equal(t, at(9), want[1].SeenAt)
}

func TestMergeKeepsHeldVersionOnConflict(t *testing.T) {
	forged := msg("m1", 0)
	forged.Content = "tampered"

	got, mm := Merge([]Message{msg("m1", 0)}, []Message{forged})
	require.Len(t, mm, 1)
	assert.Equal(t, "content", mm[0].Field)
	assert.Equal(t, "text m1", got[0].Content)
}

func TestMergeFillsBlankFields(t *testing.T) {
	partial := Message{ID: "m1", Content: "text m1", CreatedAt: at(0)}
	got, mm := Merge([]Message{partial}, []Message{msg("m1", 0)})
	require.Empty(t, mm)
	assert.Equal(t, "me", got[0].ReceiverID)
	assert.Equal(t, "c1", got[0].ConversationID)
}

func TestMergeSkipsMessagesWithoutID(t *testing.T) {
	got, _ := Merge([]Message{{Content: "ghost"}}, nil)
	assert.Empty(t, got)
}

func TestApplyReceipts(t *testing.T) {
	timeline := []Message{msg("m1", 0), msg("m2", 1)}
	got := ApplyReceipts(timeline, map[string]time.Time{"m2": at(4), "gone": at(4)})

	assert.False(t, timeline[1].Seen, "input must not be modified")
	assert.False(t, got[0].Seen)
	assert.True(t, got[1].Seen)
	assert.Equal(t, at(4), got[1].SeenAt)

	again := ApplyReceipts(got, map[string]time.Time{"m2": at(8)})
	assert.Equal(t, at(4), again[1].SeenAt)
}
