package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chatsync/internal/logger"
)

type fakeBackend struct {
	mu      sync.Mutex
	pages   map[string]string // page number -> JSON body
	stats   int
	getErr  error
	putErr  error
	puts    []string
	queries []url.Values
	// When set, page requests signal entered and wait for release.
	entered chan struct{}
	release chan struct{}
}

func (b *fakeBackend) Get(ctx context.Context, path string, query url.Values, out any) error {
	if path == "/notification" && b.release != nil {
		b.entered <- struct{}{}
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return b.getErr
	}
	var body string
	switch path {
	case "/notification":
		b.queries = append(b.queries, query)
		body = b.pages[query.Get("page")]
	case "/notification/stats":
		body = fmt.Sprintf(`{"totalUnseen":%d}`, b.stats)
	default:
		return fmt.Errorf("unexpected path %s", path)
	}
	return json.Unmarshal([]byte(body), out)
}

func (b *fakeBackend) Put(ctx context.Context, path string, body, out any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return b.putErr
	}
	b.puts = append(b.puts, path)
	return nil
}

func ids(items []Notification) []string {
	out := make([]string, len(items))
	for i, n := range items {
		out[i] = n.ID
	}
	return out
}

func newTestFeed(b *fakeBackend) *Feed {
	f := NewFeed(b, 2, logger.Discard())
	f.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func TestFetchPageReplacesThenAppends(t *testing.T) {
	b := &fakeBackend{pages: map[string]string{
		"1": `{"data":[{"_id":"n1","type":"approval"},{"id":"n2"}],"totalPages":2}`,
		"2": `{"data":[{"id":"n2"},{"id":"n3"}],"totalPages":2}`,
	}}
	f := newTestFeed(b)
	ctx := context.Background()

	page, err := f.FetchPage(ctx, Query{Page: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, []string{"n1", "n2"}, ids(f.State().Items))
	assert.Equal(t, "2", b.queries[0].Get("limit"))

	require.NoError(t, f.LoadMore(ctx))
	assert.Equal(t, []string{"n1", "n2", "n3"}, ids(f.State().Items))
	assert.False(t, f.HasMore())

	// Refreshing page 1 picks up arrivals and drops the tail.
	b.pages["1"] = `{"data":[{"id":"n0"},{"id":"n1"}],"totalPages":3}`
	_, err = f.FetchPage(ctx, Query{Page: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"n0", "n1"}, ids(f.State().Items))
}

func TestFetchPageFilters(t *testing.T) {
	b := &fakeBackend{pages: map[string]string{"1": `{"data":[],"totalPages":0}`}}
	f := newTestFeed(b)
	unseen := false

	_, err := f.FetchPage(context.Background(), Query{Page: 1, Limit: 5, Seen: &unseen, Type: "reminder"})
	require.NoError(t, err)
	q := b.queries[0]
	assert.Equal(t, "5", q.Get("limit"))
	assert.Equal(t, "false", q.Get("seen"))
	assert.Equal(t, "reminder", q.Get("type"))
}

func TestFetchFailureKeepsList(t *testing.T) {
	b := &fakeBackend{pages: map[string]string{"1": `{"data":[{"id":"n1"}],"totalPages":1}`}}
	f := newTestFeed(b)
	_, err := f.FetchPage(context.Background(), Query{})
	require.NoError(t, err)

	b.getErr = errors.New("boom")
	_, err = f.FetchPage(context.Background(), Query{})
	require.Error(t, err)

	st := f.State()
	assert.Equal(t, []string{"n1"}, ids(st.Items))
	assert.Error(t, st.Err)
	assert.False(t, st.Loading)
}

func TestStalePageCannotUnsee(t *testing.T) {
	b := &fakeBackend{pages: map[string]string{"1": `{"data":[{"id":"n1","isSeen":false}],"totalPages":1}`}}
	f := newTestFeed(b)
	ctx := context.Background()
	_, err := f.FetchPage(ctx, Query{})
	require.NoError(t, err)
	require.NoError(t, f.MarkSeen(ctx, "n1"))

	_, err = f.FetchPage(ctx, Query{})
	require.NoError(t, err)
	assert.True(t, f.State().Items[0].IsSeen)
}

func TestPushDuringFirstPageFetchIsKept(t *testing.T) {
	b := &fakeBackend{
		pages:   map[string]string{"1": `{"data":[{"id":"n1","isSeen":true}],"totalPages":1}`},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newTestFeed(b)

	done := make(chan error, 1)
	go func() {
		_, err := f.FetchPage(context.Background(), Query{Page: 1})
		done <- err
	}()

	<-b.entered
	assert.True(t, f.HandlePush(Notification{ID: "n2", Title: "new follower"}))
	close(b.release)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"n2", "n1"}, ids(f.State().Items))
	assert.Equal(t, 1, f.Unread().Value())

	// A later refresh that includes the pushed item takes the server's copy.
	b.mu.Lock()
	b.release = nil
	b.pages["1"] = `{"data":[{"id":"n2"},{"id":"n1","isSeen":true}],"totalPages":1}`
	b.mu.Unlock()
	_, err := f.FetchPage(context.Background(), Query{Page: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"n2", "n1"}, ids(f.State().Items))
}

func TestPushBeforeFetchIsReplacedByPage(t *testing.T) {
	b := &fakeBackend{pages: map[string]string{"1": `{"data":[{"id":"n1"}],"totalPages":1}`}}
	f := newTestFeed(b)
	f.HandlePush(Notification{ID: "old"})

	_, err := f.FetchPage(context.Background(), Query{Page: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids(f.State().Items))
}

func TestPushPrependsAndCounts(t *testing.T) {
	f := newTestFeed(&fakeBackend{})

	assert.True(t, f.HandlePush(Notification{ID: "a"}))
	assert.True(t, f.HandlePush(Notification{ID: "b", IsSeen: true}))
	assert.False(t, f.HandlePush(Notification{ID: "a"}))

	assert.Equal(t, []string{"b", "a"}, ids(f.State().Items))
	assert.Equal(t, 1, f.Unread().Value())
}

func TestMarkSeenDecrementsOnce(t *testing.T) {
	b := &fakeBackend{}
	f := newTestFeed(b)
	ctx := context.Background()
	f.HandlePush(Notification{ID: "a"})
	f.HandlePush(Notification{ID: "b"})
	require.Equal(t, 2, f.Unread().Value())

	require.NoError(t, f.MarkSeen(ctx, "a"))
	require.NoError(t, f.MarkSeen(ctx, "a"))
	assert.Equal(t, 1, f.Unread().Value())
	assert.Equal(t, []string{"/notification/a/seen", "/notification/a/seen"}, b.puts)

	st := f.State()
	assert.True(t, st.Items[1].IsSeen)
	assert.False(t, st.Items[1].SeenAt.IsZero())
}

func TestMarkSeenFailureLeavesState(t *testing.T) {
	b := &fakeBackend{putErr: errors.New("nope")}
	f := newTestFeed(b)
	f.HandlePush(Notification{ID: "a"})

	require.Error(t, f.MarkSeen(context.Background(), "a"))
	assert.False(t, f.State().Items[0].IsSeen)
	assert.Equal(t, 1, f.Unread().Value())
}

func TestMarkSeenUnknownID(t *testing.T) {
	f := newTestFeed(&fakeBackend{})
	assert.ErrorIs(t, f.MarkSeen(context.Background(), "zzz"), ErrNotFound)
	assert.Equal(t, 0, f.Unread().Value())
}

func TestMarkAllSeenReconciles(t *testing.T) {
	b := &fakeBackend{stats: 0}
	f := newTestFeed(b)
	f.HandlePush(Notification{ID: "a"})
	f.HandlePush(Notification{ID: "b", IsSeen: true})
	f.HandlePush(Notification{ID: "c"})

	require.NoError(t, f.MarkAllSeen(context.Background()))
	for _, n := range f.State().Items {
		assert.True(t, n.IsSeen, n.ID)
	}
	assert.Equal(t, 0, f.Unread().Value())
	assert.Equal(t, []string{"/notification/mark-all-seen"}, b.puts)
}

func TestReconcileUsesServerTotal(t *testing.T) {
	b := &fakeBackend{stats: 7}
	f := newTestFeed(b)
	f.HandlePush(Notification{ID: "a"})

	require.NoError(t, f.Reconcile(context.Background()))
	assert.Equal(t, 7, f.Unread().Value())
}

func TestReset(t *testing.T) {
	f := newTestFeed(&fakeBackend{})
	f.HandlePush(Notification{ID: "a"})
	f.Reset()

	assert.Empty(t, f.State().Items)
	assert.Equal(t, 0, f.Unread().Value())
}

func TestNotificationDecodesSeenAt(t *testing.T) {
	var n Notification
	require.NoError(t, json.Unmarshal([]byte(`{"_id":"x","title":"t","seenAt":"2024-03-01T10:00:00Z","metadata":{"k":1}}`), &n))
	assert.Equal(t, "x", n.ID)
	assert.Equal(t, "t", n.Title)
	assert.True(t, n.IsSeen)
	assert.Equal(t, float64(1), n.Metadata["k"])
}
