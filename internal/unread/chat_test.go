package unread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chatsync/internal/chat"
	"go-chatsync/internal/logger"
)

type stubFetcher struct {
	mu    sync.Mutex
	n     int
	err   error
	calls int
	gate  chan struct{}
}

func (s *stubFetcher) UnreadCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.calls++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n, s.err
}

func (s *stubFetcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func toMe(id string) chat.Message {
	return chat.Message{ID: id, ConversationID: "c-any", SenderID: "peer", ReceiverID: "me"}
}

func TestPushIncrementsRegardlessOfConversation(t *testing.T) {
	c := NewChat("me", &stubFetcher{}, time.Minute, logger.Discard())

	assert.True(t, c.HandleMessage(toMe("m1")))
	other := toMe("m2")
	other.ConversationID = "c-other"
	assert.True(t, c.HandleMessage(other))
	assert.Equal(t, 2, c.Value())
}

func TestDuplicateDeliveryCountedOnce(t *testing.T) {
	c := NewChat("me", &stubFetcher{}, time.Minute, logger.Discard())

	assert.True(t, c.HandleMessage(toMe("m1")))
	assert.False(t, c.HandleMessage(toMe("m1")))
	assert.Equal(t, 1, c.Value())
}

func TestReconcilePrunesCountedIDs(t *testing.T) {
	f := &stubFetcher{n: 1, gate: make(chan struct{})}
	c := NewChat("me", f, time.Minute, logger.Discard())

	require.True(t, c.HandleMessage(toMe("m1")))

	done := make(chan error, 1)
	go func() { done <- c.Reconcile(context.Background()) }()
	require.Eventually(t, func() bool { return f.callCount() == 1 }, time.Second, 5*time.Millisecond)

	// Arrives while the count is in flight, so it may not be in the server figure yet.
	require.True(t, c.HandleMessage(toMe("m2")))
	close(f.gate)
	require.NoError(t, <-done)

	c.mu.Lock()
	_, hasM1 := c.counted["m1"]
	_, hasM2 := c.counted["m2"]
	c.mu.Unlock()
	assert.False(t, hasM1)
	assert.True(t, hasM2)
	assert.False(t, c.HandleMessage(toMe("m2")))
}

func TestPushIgnoresOwnAndSeenMessages(t *testing.T) {
	c := NewChat("me", &stubFetcher{}, time.Minute, logger.Discard())

	assert.False(t, c.HandleMessage(chat.Message{ID: "m1", SenderID: "me", ReceiverID: "peer"}))
	seen := toMe("m2")
	seen.Seen = true
	assert.False(t, c.HandleMessage(seen))
	assert.Equal(t, 0, c.Value())
}

func TestReconcileReplacesLocalValue(t *testing.T) {
	f := &stubFetcher{n: 5}
	c := NewChat("me", f, time.Minute, logger.Discard())
	c.HandleMessage(toMe("m1"))
	c.HandleMessage(toMe("m2"))
	require.Equal(t, 2, c.Value())

	require.NoError(t, c.Reconcile(context.Background()))
	assert.Equal(t, 5, c.Value())
}

func TestReconcileFailureKeepsValue(t *testing.T) {
	f := &stubFetcher{err: errors.New("down")}
	c := NewChat("me", f, time.Minute, logger.Discard())
	c.HandleMessage(toMe("m1"))

	assert.Error(t, c.Reconcile(context.Background()))
	assert.Equal(t, 1, c.Value())
}

func TestReconcileAfterResetIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	f := &stubFetcher{n: 9, gate: gate}
	c := NewChat("me", f, time.Minute, logger.Discard())

	done := make(chan error, 1)
	go func() { done <- c.Reconcile(context.Background()) }()
	require.Eventually(t, func() bool { return f.callCount() == 1 }, time.Second, time.Millisecond)

	c.Reset()
	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 0, c.Value())
}

func TestDecrementClamps(t *testing.T) {
	c := NewChat("me", &stubFetcher{}, time.Minute, logger.Discard())
	c.HandleMessage(toMe("m1"))
	c.Decrement(1)
	c.Decrement(1)
	assert.Equal(t, 0, c.Value())
}

func TestRunPolls(t *testing.T) {
	f := &stubFetcher{n: 4}
	c := NewChat("me", f, 10*time.Millisecond, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.callCount() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, c.Value())
	cancel()
	<-done
}
