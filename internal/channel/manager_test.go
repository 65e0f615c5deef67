package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chatsync/internal/auth"
	"go-chatsync/internal/logger"
)

type fakeConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *fakeConn) write(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(f)
}

type fakeServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	frames []Frame
	conns  []*fakeConn
	auth   []string
	noAck  bool
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &fakeConn{ws: ws}
		fs.mu.Lock()
		fs.conns = append(fs.conns, c)
		fs.auth = append(fs.auth, r.Header.Get("Authorization"))
		fs.mu.Unlock()

		for {
			var f Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			fs.mu.Lock()
			fs.frames = append(fs.frames, f)
			noAck := fs.noAck
			fs.mu.Unlock()
			if f.Ack > 0 && !noAck {
				_ = c.write(Frame{Event: EventAck, Ack: f.Ack, Data: f.Data})
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) joined() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var rooms []string
	for _, f := range fs.frames {
		if f.Event != EventJoin {
			continue
		}
		var p roomPayload
		_ = json.Unmarshal(f.Data, &p)
		rooms = append(rooms, p.ConversationID)
	}
	return rooms
}

func (fs *fakeServer) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *fakeServer) last() *fakeConn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conns[len(fs.conns)-1]
}

func newTestManager(t *testing.T, url string) *Manager {
	m := NewManager(Options{
		URL:          url,
		AckTimeout:   time.Second,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	}, logger.Discard())
	t.Cleanup(m.Disconnect)
	return m
}

func testToken(t *testing.T, userID string) string {
	tok, err := auth.Issue("secret", userID, "", time.Hour)
	require.NoError(t, err)
	return tok
}

func waitConnected(t *testing.T, m *Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.WaitConnected(ctx))
}

func TestConnectJoinsUserRoom(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url())

	tok := testToken(t, "u1")
	require.NoError(t, m.Connect(tok))
	waitConnected(t, m)

	assert.Equal(t, "u1", m.UserID())
	require.Eventually(t, func() bool {
		return len(fs.joined()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"user:u1"}, fs.joined())
	fs.mu.Lock()
	assert.Equal(t, "Bearer "+tok, fs.auth[0])
	fs.mu.Unlock()
}

func TestConnectRejectsBadToken(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/ws")
	assert.Error(t, m.Connect("garbage"))
	assert.Empty(t, m.UserID())
}

func TestEmitWithAck(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url())
	require.NoError(t, m.Connect(testToken(t, "u1")))
	waitConnected(t, m)

	data, err := m.EmitWithAck(context.Background(), EventSendMessage, map[string]string{"content": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"hi"}`, string(data))
}

func TestEmitWithAckTimeout(t *testing.T) {
	fs := newFakeServer(t)
	fs.mu.Lock()
	fs.noAck = true
	fs.mu.Unlock()
	m := newTestManager(t, fs.url())
	m.opts.AckTimeout = 50 * time.Millisecond
	require.NoError(t, m.Connect(testToken(t, "u1")))
	waitConnected(t, m)

	_, err := m.EmitWithAck(context.Background(), EventSendMessage, nil)
	assert.ErrorIs(t, err, ErrAckTimeout)
}

func TestEmitWhileDisconnected(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/ws")
	assert.ErrorIs(t, m.Emit(EventMessageSeen, nil), ErrNotConnected)

	_, err := m.EmitWithAck(context.Background(), EventSendMessage, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHandlersReceiveInOrder(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url())

	var mu sync.Mutex
	var got []int
	m.On(EventReceiveMessage, func(data json.RawMessage) {
		var n int
		_ = json.Unmarshal(data, &n)
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(testToken(t, "u1")))
	waitConnected(t, m)
	require.Eventually(t, func() bool { return fs.connCount() == 1 }, time.Second, 5*time.Millisecond)

	c := fs.last()
	for i := 1; i <= 5; i++ {
		require.NoError(t, c.write(Frame{Event: EventReceiveMessage, Data: json.RawMessage{byte('0' + i)}}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestReconnectRejoinsAndFiresHook(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url())

	hooks := make(chan bool, 4)
	m.OnConnect(func(ctx context.Context, reconnected bool) { hooks <- reconnected })

	require.NoError(t, m.Connect(testToken(t, "u1")))
	waitConnected(t, m)
	assert.False(t, <-hooks)

	require.NoError(t, m.Join("c-1"))
	require.Eventually(t, func() bool { return len(fs.joined()) == 2 }, time.Second, 5*time.Millisecond)

	// Server drops the socket.
	fs.last().ws.Close()

	select {
	case reconnected := <-hooks:
		assert.True(t, reconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect")
	}
	require.Eventually(t, func() bool { return len(fs.joined()) == 4 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"user:u1", "c-1", "user:u1", "c-1"}, fs.joined())
}

func TestLeaveIsNotRejoined(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url())
	require.NoError(t, m.Connect(testToken(t, "u1")))
	waitConnected(t, m)

	require.Eventually(t, func() bool { return len(fs.joined()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Join("c-1"))
	require.NoError(t, m.Leave("c-1"))
	require.Eventually(t, func() bool { return len(fs.joined()) == 2 }, time.Second, 5*time.Millisecond)
	fs.last().ws.Close()

	require.Eventually(t, func() bool { return fs.connCount() == 2 && m.Connected() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(fs.joined()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"user:u1", "c-1", "user:u1"}, fs.joined())
}

func TestConnectReplacesSession(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url())

	require.NoError(t, m.Connect(testToken(t, "u1")))
	waitConnected(t, m)
	require.NoError(t, m.Connect(testToken(t, "u2")))
	waitConnected(t, m)

	assert.Equal(t, "u2", m.UserID())
	require.Eventually(t, func() bool { return fs.connCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDisconnect(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url())
	require.NoError(t, m.Connect(testToken(t, "u1")))
	waitConnected(t, m)

	m.Disconnect()
	assert.False(t, m.Connected())
	assert.Empty(t, m.UserID())
	assert.ErrorIs(t, m.Join("c-1"), ErrNotConnected)
}

func TestHandlerDisconnectsFromOwnGoroutine(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url())

	stopped := make(chan struct{})
	m.On(EventNotification, func(json.RawMessage) {
		go func() {
			m.Disconnect()
			close(stopped)
		}()
	})

	require.NoError(t, m.Connect(testToken(t, "u1")))
	waitConnected(t, m)
	require.Eventually(t, func() bool { return fs.connCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, fs.last().write(Frame{Event: EventNotification, Data: json.RawMessage(`{}`)}))

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not return")
	}
	assert.False(t, m.Connected())
	assert.Empty(t, m.UserID())
}
