package unread

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"go-chatsync/internal/chat"
)

// DefaultPollInterval bounds staleness when the channel is unhealthy.
const DefaultPollInterval = 30 * time.Second

// CountFetcher returns the server-authoritative unread chat count.
type CountFetcher interface {
	UnreadCount(ctx context.Context) (int, error)
}

// Chat counts messages addressed to the user that are not yet acknowledged.
// Push delivery increments it, local acknowledgements decrement it, and every
// reconciliation replaces it with the server's figure.
type Chat struct {
	userID   string
	fetch    CountFetcher
	interval time.Duration
	counter  *Counter
	log      *logrus.Entry

	mu sync.Mutex
	// counted maps a message id to the reconcile round it was counted in.
	// Rounds already covered by a server count are pruned.
	counted map[string]uint64
	round   uint64
}

func NewChat(userID string, fetch CountFetcher, interval time.Duration, log *logrus.Entry) *Chat {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Chat{
		userID:   userID,
		fetch:    fetch,
		interval: interval,
		counter:  NewCounter(),
		log:      log,
		counted:  make(map[string]uint64),
	}
}

func (c *Chat) Value() int { return c.counter.Value() }

func (c *Chat) Changed() <-chan struct{} { return c.counter.Changed() }

// HandleMessage counts a pushed message if it is an unseen message for this user,
// whichever conversation is open. A message delivered through more than one room
// is counted once.
func (c *Chat) HandleMessage(m chat.Message) bool {
	if m.ID == "" || m.ReceiverID != c.userID || m.SenderID == c.userID || m.Seen {
		return false
	}
	c.mu.Lock()
	if _, dup := c.counted[m.ID]; dup {
		c.mu.Unlock()
		return false
	}
	c.counted[m.ID] = c.round
	c.mu.Unlock()

	c.counter.Increment()
	return true
}

// Decrement is called once per local seen acknowledgement.
func (c *Chat) Decrement(n int) {
	c.counter.Decrement(n)
}

// Reconcile replaces the local value with the authoritative count.
func (c *Chat) Reconcile(ctx context.Context) error {
	epoch := c.counter.Epoch()
	c.mu.Lock()
	round := c.round
	c.round++
	c.mu.Unlock()

	n, err := c.fetch.UnreadCount(ctx)
	if err != nil {
		c.log.WithError(err).Warn("fetch unread chat count failed")
		return err
	}
	if !c.counter.SetIfEpoch(epoch, n) {
		c.log.Debug("discarding unread count from a previous session")
		return nil
	}
	c.mu.Lock()
	for id, r := range c.counted {
		if r <= round {
			delete(c.counted, id)
		}
	}
	c.mu.Unlock()
	return nil
}

// Run reconciles every interval until ctx is done.
func (c *Chat) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Reconcile(ctx)
		}
	}
}

// Reset zeroes the count on logout.
func (c *Chat) Reset() {
	c.mu.Lock()
	c.counted = make(map[string]uint64)
	c.mu.Unlock()
	c.counter.Reset()
}
