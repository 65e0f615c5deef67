package notification

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"go-chatsync/internal/unread"
)

// DefaultPageSize is used when a query does not set Limit.
const DefaultPageSize = 20

var (
	ErrNotFound = errors.New("notification: not in the loaded list")
	ErrReset    = errors.New("notification: feed reset while loading")
)

// Backend is the REST surface the feed uses. *api.Client satisfies it.
type Backend interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
	Put(ctx context.Context, path string, body, out any) error
}

// Query selects a page. Seen and Type are optional filters.
type Query struct {
	Page  int
	Limit int
	Seen  *bool
	Type  string
}

func (q Query) values() url.Values {
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("limit", strconv.Itoa(q.Limit))
	if q.Seen != nil {
		v.Set("seen", strconv.FormatBool(*q.Seen))
	}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	return v
}

type Page struct {
	Items      []Notification
	TotalPages int
}

// State is a snapshot for renderers.
type State struct {
	Items      []Notification
	Page       int
	TotalPages int
	Loading    bool
	Err        error
}

// Feed is the paginated notification list plus its unseen counter. Page 1
// replaces the list, later pages append, pushes prepend.
type Feed struct {
	rest     Backend
	pageSize int
	counter  *unread.Counter
	log      *logrus.Entry
	now      func() time.Time

	mu         sync.Mutex
	items      []Notification
	query      Query
	page       int
	totalPages int
	loading    bool
	err        error
	epoch      uint64
	pushSeq    uint64
	pushed     map[string]uint64 // id -> pushSeq at arrival
	changed    chan struct{}
}

func NewFeed(rest Backend, pageSize int, log *logrus.Entry) *Feed {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Feed{
		rest:     rest,
		pageSize: pageSize,
		counter:  unread.NewCounter(),
		log:      log,
		now:      time.Now,
		pushed:   make(map[string]uint64),
		changed:  make(chan struct{}, 1),
	}
}

// Unread is the notification unread counter. Only the feed mutates it.
func (f *Feed) Unread() unread.Reader { return f.counter }

func (f *Feed) Changed() <-chan struct{} { return f.changed }

// FetchPage loads one page and merges it into the local list.
func (f *Feed) FetchPage(ctx context.Context, q Query) (Page, error) {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = f.pageSize
	}

	f.mu.Lock()
	epoch, since := f.epoch, f.pushSeq
	f.loading = true
	f.mu.Unlock()
	f.notify()

	var res struct {
		Data       []Notification `json:"data"`
		TotalPages int            `json:"totalPages"`
	}
	err := f.rest.Get(ctx, "/notification", q.values(), &res)

	f.mu.Lock()
	if f.epoch != epoch {
		f.mu.Unlock()
		f.log.Debug("discarding notification page from a previous session")
		return Page{}, ErrReset
	}
	f.loading = false
	if err != nil {
		f.err = err
		f.mu.Unlock()
		f.notify()
		f.log.WithError(err).WithField("page", q.Page).Warn("fetch notifications failed")
		return Page{}, fmt.Errorf("notification: fetch page %d: %w", q.Page, err)
	}
	f.err = nil
	f.query = q
	f.page = q.Page
	f.totalPages = res.TotalPages
	if q.Page == 1 {
		f.replaceLocked(res.Data, since)
	} else {
		f.appendLocked(res.Data)
	}
	f.mu.Unlock()
	f.notify()

	return Page{Items: slices.Clone(res.Data), TotalPages: res.TotalPages}, nil
}

// LoadMore fetches the page after the last one loaded with the same filters.
// It is a no-op once the last page is loaded.
func (f *Feed) LoadMore(ctx context.Context) error {
	f.mu.Lock()
	q, page, total := f.query, f.page, f.totalPages
	f.mu.Unlock()
	if page == 0 {
		_, err := f.FetchPage(ctx, Query{Page: 1})
		return err
	}
	if page >= total {
		return nil
	}
	q.Page = page + 1
	_, err := f.FetchPage(ctx, q)
	return err
}

func (f *Feed) HasMore() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page < f.totalPages
}

// replaceLocked swaps in a fresh first page while keeping seen states already
// known locally, so a slow response cannot revert a mark. Notifications pushed
// after the fetch started and missing from fresh stay at the head in push order.
func (f *Feed) replaceLocked(fresh []Notification, since uint64) {
	held := make(map[string]Notification, len(f.items))
	for _, n := range f.items {
		held[n.ID] = n
	}
	inFresh := make(map[string]struct{}, len(fresh))
	for _, n := range fresh {
		inFresh[n.ID] = struct{}{}
	}
	items := make([]Notification, 0, len(fresh))
	for _, n := range f.items {
		if _, ok := inFresh[n.ID]; ok {
			continue
		}
		if f.pushed[n.ID] > since {
			items = append(items, n)
		}
	}
	for id, seq := range f.pushed {
		if seq <= since {
			delete(f.pushed, id)
		}
	}

	seen := make(map[string]struct{}, len(fresh))
	for _, n := range fresh {
		if n.ID == "" {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		if h, ok := held[n.ID]; ok {
			n.absorb(h)
		}
		items = append(items, n)
	}
	f.items = items
}

func (f *Feed) appendLocked(more []Notification) {
	for _, n := range more {
		if n.ID == "" {
			continue
		}
		if i := f.indexLocked(n.ID); i >= 0 {
			f.items[i].absorb(n)
			continue
		}
		f.items = append(f.items, n)
	}
}

func (f *Feed) indexLocked(id string) int {
	return slices.IndexFunc(f.items, func(n Notification) bool { return n.ID == id })
}

// HandlePush prepends a pushed notification. Unseen arrivals bump the counter.
// A repeat of a known id only folds in its seen state.
func (f *Feed) HandlePush(n Notification) bool {
	if n.ID == "" {
		return false
	}
	f.mu.Lock()
	if i := f.indexLocked(n.ID); i >= 0 {
		f.items[i].absorb(n)
		f.mu.Unlock()
		f.notify()
		return false
	}
	f.items = slices.Insert(f.items, 0, n)
	f.pushSeq++
	f.pushed[n.ID] = f.pushSeq
	f.mu.Unlock()

	if !n.IsSeen {
		f.counter.Increment()
	}
	f.notify()
	return true
}

// MarkSeen marks one notification seen on the server, then locally. The counter
// only drops if the local copy actually changed.
func (f *Feed) MarkSeen(ctx context.Context, id string) error {
	if err := f.rest.Put(ctx, "/notification/"+url.PathEscape(id)+"/seen", nil, nil); err != nil {
		return fmt.Errorf("notification: mark %s seen: %w", id, err)
	}

	f.mu.Lock()
	i := f.indexLocked(id)
	if i < 0 {
		f.mu.Unlock()
		return ErrNotFound
	}
	transitioned := f.markLocked(i)
	f.mu.Unlock()

	if transitioned {
		f.counter.Decrement(1)
		f.notify()
	}
	return nil
}

// MarkAllSeen marks everything seen on the server, transitions the loaded items,
// decrements by the number transitioned and then reconciles, since unloaded pages
// were marked as well.
func (f *Feed) MarkAllSeen(ctx context.Context) error {
	if err := f.rest.Put(ctx, "/notification/mark-all-seen", nil, nil); err != nil {
		return fmt.Errorf("notification: mark all seen: %w", err)
	}

	f.mu.Lock()
	n := 0
	for i := range f.items {
		if f.markLocked(i) {
			n++
		}
	}
	f.mu.Unlock()

	f.counter.Decrement(n)
	f.notify()

	if err := f.Reconcile(ctx); err != nil {
		f.log.WithError(err).Debug("reconcile after mark all seen failed")
	}
	return nil
}

func (f *Feed) markLocked(i int) bool {
	if f.items[i].IsSeen {
		return false
	}
	f.items[i].IsSeen = true
	f.items[i].SeenAt = f.now()
	return true
}

// Reconcile replaces the counter with the server's unseen total, which covers
// notifications beyond the loaded pages.
func (f *Feed) Reconcile(ctx context.Context) error {
	epoch := f.counter.Epoch()
	var res struct {
		TotalUnseen int `json:"totalUnseen"`
	}
	if err := f.rest.Get(ctx, "/notification/stats", nil, &res); err != nil {
		f.log.WithError(err).Warn("fetch notification stats failed")
		return fmt.Errorf("notification: stats: %w", err)
	}
	f.counter.SetIfEpoch(epoch, res.TotalUnseen)
	return nil
}

func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return State{
		Items:      slices.Clone(f.items),
		Page:       f.page,
		TotalPages: f.totalPages,
		Loading:    f.loading,
		Err:        f.err,
	}
}

// Reset clears the feed and counter on logout. In-flight fetches are discarded.
func (f *Feed) Reset() {
	f.mu.Lock()
	f.epoch++
	f.items = nil
	f.pushed = make(map[string]uint64)
	f.query = Query{}
	f.page = 0
	f.totalPages = 0
	f.loading = false
	f.err = nil
	f.mu.Unlock()
	f.counter.Reset()
	f.notify()
}

func (f *Feed) notify() {
	select {
	case f.changed <- struct{}{}:
	default:
	}
}
