package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"go-chatsync/internal/auth"
)

// Event names on the wire.
const (
	EventJoin           = "join_conversation"
	EventLeave          = "leave_conversation"
	EventSendMessage    = "send_message"
	EventMessageSeen    = "message_seen"
	EventReceiveMessage = "receive_message"
	EventNotification   = "notification"
	EventConnected      = "connected"
	EventAck            = "ack"
)

var (
	ErrNotConnected = errors.New("channel: not connected")
	ErrDisconnected = errors.New("channel: connection lost before ack")
	ErrAckTimeout   = errors.New("channel: ack timed out")
)

// Frame is the envelope for every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// Handler receives the raw data of an inbound event. Handlers run on the read
// goroutine, one at a time, in server-send order. Disconnect waits for that
// goroutine, so a handler must not call it directly; hand it to a new goroutine.
type Handler func(data json.RawMessage)

// ConnectHook runs after every successful (re)connect. reconnected is false for the
// first connection of a session.
type ConnectHook func(ctx context.Context, reconnected bool)

// UserRoom is the reserved per-user room joined on every connect.
func UserRoom(userID string) string {
	return "user:" + userID
}

type Options struct {
	URL          string
	AckTimeout   time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Dialer       *websocket.Dialer
}

type ackResult struct {
	data json.RawMessage
	err  error
}

type session struct {
	token  string
	userID string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	conn   *conn
}

// Manager owns the single duplex connection of an authenticated session and
// transparently reconnects it.
type Manager struct {
	opts Options
	log  *logrus.Entry

	mu       sync.Mutex
	sess     *session
	rooms    map[string]struct{}
	handlers map[string]map[uint64]Handler
	hooks    map[uint64]ConnectHook
	nextSub  uint64
	pending  map[uint64]chan ackResult
	nextAck  uint64
	changed  chan struct{}
}

func NewManager(opts Options, log *logrus.Entry) *Manager {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Manager{
		opts:     opts,
		log:      log,
		rooms:    make(map[string]struct{}),
		handlers: make(map[string]map[uint64]Handler),
		hooks:    make(map[uint64]ConnectHook),
		pending:  make(map[uint64]chan ackResult),
		changed:  make(chan struct{}),
	}
}

// Connect starts a session for token, replacing any existing one. Dial failures are
// retried in the background; only an unusable token is reported.
func (m *Manager) Connect(token string) error {
	userID, err := auth.Peek(token)
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}

	m.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		token:  token,
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.sess = sess
	m.notifyLocked()
	m.mu.Unlock()

	go m.run(sess)
	return nil
}

// Disconnect tears down the session and forgets joined rooms. It returns once
// the read goroutine has stopped, so no handler runs afterwards. Must not be
// called from a Handler. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.rooms = make(map[string]struct{})
	var c *conn
	if sess != nil {
		c = sess.conn
	}
	m.notifyLocked()
	m.mu.Unlock()

	if sess == nil {
		return
	}
	sess.cancel()
	if c != nil {
		c.close()
	}
	<-sess.done
}

// On subscribes h to event. The returned func removes the subscription.
func (m *Manager) On(event string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[uint64]Handler)
	}
	m.handlers[event][id] = h
	return func() {
		m.mu.Lock()
		delete(m.handlers[event], id)
		m.mu.Unlock()
	}
}

// OnConnect registers a hook fired after each (re)connect.
func (m *Manager) OnConnect(h ConnectHook) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.hooks[id] = h
	return func() {
		m.mu.Lock()
		delete(m.hooks, id)
		m.mu.Unlock()
	}
}

// Emit sends a fire-and-forget event. It fails with ErrNotConnected while the
// transport is down; nothing is queued for later.
func (m *Manager) Emit(event string, payload any) error {
	frame, err := encodeFrame(event, payload, 0)
	if err != nil {
		return err
	}
	m.mu.Lock()
	c := m.currentLocked()
	m.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.enqueue(frame)
}

// EmitWithAck sends event and waits for the server's single acknowledgement.
func (m *Manager) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	m.mu.Lock()
	c := m.currentLocked()
	if c == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	m.nextAck++
	id := m.nextAck
	frame, err := encodeFrame(event, payload, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ch := make(chan ackResult, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	if err := c.enqueue(frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.opts.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-timer.C:
		return nil, ErrAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Join subscribes to a conversation room. The room is re-joined after every reconnect.
func (m *Manager) Join(conversationID string) error {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.rooms[conversationID] = struct{}{}
	m.mu.Unlock()

	err := m.Emit(EventJoin, roomPayload{ConversationID: conversationID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Leave drops interest in a conversation room.
func (m *Manager) Leave(conversationID string) error {
	m.mu.Lock()
	delete(m.rooms, conversationID)
	m.mu.Unlock()

	err := m.Emit(EventLeave, roomPayload{ConversationID: conversationID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// UserID is the user of the current session, empty when logged out.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.userID
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked() != nil
}

// WaitConnected blocks until a live connection exists.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.sess == nil {
			m.mu.Unlock()
			return ErrNotConnected
		}
		if m.sess.conn != nil {
			m.mu.Unlock()
			return nil
		}
		wait := m.changed
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

func (m *Manager) currentLocked() *conn {
	if m.sess == nil {
		return nil
	}
	return m.sess.conn
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// run keeps sess connected until it is cancelled, backing off between failed dials.
func (m *Manager) run(sess *session) {
	defer close(sess.done)

	backoff := m.opts.ReconnectMin
	attempts := 0
	for {
		ws, err := m.dial(sess)
		if err != nil {
			if sess.ctx.Err() != nil {
				return
			}
			m.log.WithError(err).WithField("backoff", backoff).Warn("channel dial failed")
			if !sleep(sess.ctx, withJitter(backoff)) {
				return
			}
			backoff = min(backoff*2, m.opts.ReconnectMax)
			continue
		}
		backoff = m.opts.ReconnectMin

		c := newConn(ws)
		if !m.attach(sess, c, attempts > 0) {
			c.close()
			return
		}
		attempts++

		go c.writePump()
		err = c.readPump(m.dispatch)
		m.detach(sess, c)

		if sess.ctx.Err() != nil {
			return
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			m.log.WithError(err).Warn("channel connection lost, reconnecting")
		} else {
			m.log.WithError(err).Debug("channel closed, reconnecting")
		}
		if !sleep(sess.ctx, withJitter(m.opts.ReconnectMin)) {
			return
		}
	}
}

func (m *Manager) dial(sess *session) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.token)
	ws, resp, err := m.opts.Dialer.DialContext(sess.ctx, m.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

// attach publishes c as the live connection, re-joins rooms and fires connect hooks.
func (m *Manager) attach(sess *session, c *conn, reconnected bool) bool {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return false
	}
	sess.conn = c
	rooms := make([]string, 0, len(m.rooms)+1)
	rooms = append(rooms, UserRoom(sess.userID))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	hooks := make([]ConnectHook, 0, len(m.hooks))
	for _, h := range m.hooks {
		hooks = append(hooks, h)
	}
	m.notifyLocked()
	m.mu.Unlock()

	for _, room := range rooms {
		frame, _ := encodeFrame(EventJoin, roomPayload{ConversationID: room}, 0)
		if err := c.enqueue(frame); err != nil {
			m.log.WithError(err).WithField("room", room).Warn("join failed")
		}
	}

	m.log.WithFields(logrus.Fields{
		"conn_id":     c.id,
		"user_id":     sess.userID,
		"reconnected": reconnected,
	}).Info("channel connected")

	for _, h := range hooks {
		go h(sess.ctx, reconnected)
	}
	return true
}

// detach clears the live connection and fails every ack still waiting on it.
func (m *Manager) detach(sess *session, c *conn) {
	c.close()

	m.mu.Lock()
	if sess.conn == c {
		sess.conn = nil
	}
	pending := m.pending
	m.pending = make(map[uint64]chan ackResult)
	m.notifyLocked()
	m.mu.Unlock()

	for _, ch := range pending {
		ch <- ackResult{err: ErrDisconnected}
	}
}

func (m *Manager) dispatch(payload []byte) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		m.log.WithError(err).Warn("dropping malformed frame")
		return
	}

	if f.Event == EventAck {
		m.mu.Lock()
		ch, ok := m.pending[f.Ack]
		delete(m.pending, f.Ack)
		m.mu.Unlock()
		if ok {
			ch <- ackResult{data: f.Data}
		}
		return
	}

	m.mu.Lock()
	subs := make([]Handler, 0, len(m.handlers[f.Event]))
	for _, h := range m.handlers[f.Event] {
		subs = append(subs, h)
	}
	m.mu.Unlock()

	for _, h := range subs {
		h(f.Data)
	}
}

func encodeFrame(event string, payload any, ack uint64) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("channel: encode %s: %w", event, err)
		}
		data = b
	}
	return json.Marshal(Frame{Event: event, Data: data, Ack: ack})
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d)/4+1))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
