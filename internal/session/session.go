package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"go-chatsync/internal/api"
	"go-chatsync/internal/auth"
	"go-chatsync/internal/channel"
	"go-chatsync/internal/chat"
	"go-chatsync/internal/config"
	"go-chatsync/internal/notification"
	"go-chatsync/internal/seen"
	"go-chatsync/internal/uistate"
	"go-chatsync/internal/unread"
)

type Options struct {
	APIURL        string
	APITimeout    time.Duration
	SocketURL     string
	AckTimeout    time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	PollInterval  time.Duration
	PageSize      int
	SeenThreshold float64
	RecentLimit   int
	// Cache backs UI state. A memory cache is used when nil.
	Cache uistate.Cache
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		APIURL:        cfg.API.URL,
		APITimeout:    cfg.API.Timeout,
		SocketURL:     cfg.Socket.URL,
		AckTimeout:    cfg.Socket.AckTimeout,
		ReconnectMin:  cfg.Socket.ReconnectMin,
		ReconnectMax:  cfg.Socket.ReconnectMax,
		PollInterval:  cfg.Unread.PollInterval,
		PageSize:      cfg.Notification.PageSize,
		SeenThreshold: cfg.Seen.Threshold,
		RecentLimit:   cfg.UIState.RecentLimit,
	}
}

// Session owns every sync component of one logged-in user. Login builds and
// wires them; Logout tears them down and zeroes the counters.
type Session struct {
	UserID        string
	Channel       *channel.Manager
	Chat          *chat.Client
	Conversation  *chat.Synchronizer
	Seen          *seen.Tracker
	ChatUnread    *unread.Chat
	Notifications *notification.Feed
	UI            *uistate.Store

	log    *logrus.Entry
	cancel context.CancelFunc
	unsubs []func()
	wg     sync.WaitGroup
	once   sync.Once
}

// Login connects the channel for token and starts background reconciliation.
// The first reconciliation runs once the channel is up.
func Login(token string, opts Options, log *logrus.Entry) (*Session, error) {
	userID, err := auth.Peek(token)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	log = log.WithField("user_id", userID)

	rest := api.NewClient(opts.APIURL, token, opts.APITimeout)
	mgr := channel.NewManager(channel.Options{
		URL:          opts.SocketURL,
		AckTimeout:   opts.AckTimeout,
		ReconnectMin: opts.ReconnectMin,
		ReconnectMax: opts.ReconnectMax,
	}, log.WithField("component", "channel"))

	chatClient := chat.NewClient(rest)
	conv := chat.NewSynchronizer(mgr, chatClient, log.WithField("component", "conversation"))
	chatUnread := unread.NewChat(userID, chatClient, opts.PollInterval, log.WithField("component", "chat_unread"))
	cache := opts.Cache
	if cache == nil {
		cache = uistate.NewMemoryCache()
	}

	s := &Session{
		UserID:        userID,
		Channel:       mgr,
		Chat:          chatClient,
		Conversation:  conv,
		Seen:          seen.NewTracker(userID, opts.SeenThreshold, mgr, conv, chatUnread, log.WithField("component", "seen")),
		ChatUnread:    chatUnread,
		Notifications: notification.NewFeed(rest, opts.PageSize, log.WithField("component", "notifications")),
		UI:            uistate.NewStore(cache, userID, opts.RecentLimit, log.WithField("component", "uistate")),
		log:           log,
	}

	s.unsubs = append(s.unsubs,
		mgr.On(channel.EventReceiveMessage, s.onMessage),
		mgr.On(channel.EventMessageSeen, s.onReceipt),
		mgr.On(channel.EventNotification, s.onNotification),
		mgr.OnConnect(s.onConnect),
	)

	if err := mgr.Connect(token); err != nil {
		s.unsubscribe()
		return nil, fmt.Errorf("session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		chatUnread.Run(ctx)
	}()

	log.Info("session started")
	return s, nil
}

func (s *Session) onMessage(data json.RawMessage) {
	var m chat.Message
	if err := json.Unmarshal(data, &m); err != nil || m.ID == "" {
		s.log.WithError(err).Warn("dropping malformed message event")
		return
	}
	s.ChatUnread.HandleMessage(m)
	s.Conversation.HandleMessage(m)
}

func (s *Session) onReceipt(data json.RawMessage) {
	var r chat.Receipt
	if err := json.Unmarshal(data, &r); err != nil || r.MessageID == "" {
		s.log.WithError(err).Warn("dropping malformed receipt event")
		return
	}
	s.Conversation.HandleReceipt(r)
}

func (s *Session) onNotification(data json.RawMessage) {
	var n notification.Notification
	if err := json.Unmarshal(data, &n); err != nil || n.ID == "" {
		s.log.WithError(err).Warn("dropping malformed notification event")
		return
	}
	s.Notifications.HandlePush(n)
}

// onConnect reconciles both counters on every connect, and the open
// conversation after a reconnect, since pushes may have been missed.
func (s *Session) onConnect(ctx context.Context, reconnected bool) {
	if err := s.ChatUnread.Reconcile(ctx); errors.Is(err, api.ErrUnauthorized) {
		s.log.Warn("token rejected by backend")
	}
	_ = s.Notifications.Reconcile(ctx)

	if !reconnected || s.Conversation.ConversationID() == "" {
		return
	}
	if err := s.Conversation.Refresh(ctx); err != nil && !errors.Is(err, chat.ErrStaleConversation) {
		s.log.WithError(err).Warn("refresh after reconnect failed")
	}
}

// OpenConversation switches the conversation view.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	return s.Conversation.Open(ctx, conversationID)
}

// StartConversation finds or creates the conversation with peerID and opens it.
func (s *Session) StartConversation(ctx context.Context, peerID string) (chat.Conversation, error) {
	conv, err := s.Chat.StartConversation(ctx, peerID)
	if err != nil {
		return chat.Conversation{}, err
	}
	return conv, s.Conversation.Open(ctx, conv.ID)
}

// Send sends content to receiverID in the open conversation and clears its draft.
func (s *Session) Send(ctx context.Context, receiverID, content string) (chat.Message, error) {
	msg, err := s.Conversation.Send(ctx, receiverID, content)
	if err != nil {
		return chat.Message{}, err
	}
	if err := s.UI.ClearDraft(ctx, msg.ConversationID); err != nil {
		s.log.WithError(err).Debug("clear draft failed")
	}
	return msg, nil
}

// MarkVisible reports a message's visible fraction to the seen tracker.
func (s *Session) MarkVisible(m chat.Message, visibleRatio float64) bool {
	return s.Seen.MarkSeenIfVisible(m, visibleRatio)
}

// Logout disconnects and resets all session state. Safe to call more than once.
func (s *Session) Logout() {
	s.once.Do(func() {
		s.cancel()
		s.unsubscribe()
		s.Conversation.Close()
		s.Channel.Disconnect()
		s.wg.Wait()

		s.Seen.Reset()
		s.ChatUnread.Reset()
		s.Notifications.Reset()
		s.log.Info("session ended")
	})
}

func (s *Session) unsubscribe() {
	for _, fn := range s.unsubs {
		fn()
	}
	s.unsubs = nil
}
