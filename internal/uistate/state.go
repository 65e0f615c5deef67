package uistate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRecentLimit caps the recent emoji list.
const DefaultRecentLimit = 24

// DefaultEmojis is shown until the user has picked anything.
var DefaultEmojis = []string{"😀", "❤️", "👍", "🎉", "😊", "🔥", "💯", "✨"}

const draftTTL = 7 * 24 * time.Hour

// Store holds one user's composer state: recently used emojis and unsent drafts.
// Failures degrade to defaults; UI state is never worth failing a send over.
type Store struct {
	cache  Cache
	prefix string
	limit  int
	log    *logrus.Entry
}

func NewStore(cache Cache, userID string, limit int, log *logrus.Entry) *Store {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return &Store{
		cache:  cache,
		prefix: "chatsync:" + userID + ":",
		limit:  limit,
		log:    log,
	}
}

func (s *Store) recentKey() string { return s.prefix + "recent-emojis" }

func (s *Store) draftKey(conversationID string) string {
	return s.prefix + "draft:" + conversationID
}

// RecentEmojis returns the most recent first, or the default palette if none.
func (s *Store) RecentEmojis(ctx context.Context) []string {
	list, err := s.loadRecent(ctx)
	if err != nil || len(list) == 0 {
		return slices.Clone(DefaultEmojis)
	}
	return list
}

func (s *Store) loadRecent(ctx context.Context) ([]string, error) {
	raw, err := s.cache.Get(ctx, s.recentKey())
	if errors.Is(err, ErrMiss) {
		return nil, nil
	}
	if err != nil {
		s.log.WithError(err).Warn("load recent emojis failed")
		return nil, err
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		s.log.WithError(err).Warn("discarding corrupt recent emoji list")
		return nil, nil
	}
	return list, nil
}

// UseEmoji moves emoji to the front, dropping any earlier occurrence and
// anything past the limit.
func (s *Store) UseEmoji(ctx context.Context, emoji string) ([]string, error) {
	if emoji == "" {
		return s.RecentEmojis(ctx), nil
	}
	list, err := s.loadRecent(ctx)
	if err != nil {
		return nil, err
	}
	list = slices.DeleteFunc(list, func(e string) bool { return e == emoji })
	list = slices.Insert(list, 0, emoji)
	if len(list) > s.limit {
		list = list[:s.limit]
	}
	buf, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, s.recentKey(), string(buf), 0); err != nil {
		return nil, fmt.Errorf("uistate: save recent emojis: %w", err)
	}
	return list, nil
}

// Draft returns the unsent text for a conversation, empty if none.
func (s *Store) Draft(ctx context.Context, conversationID string) string {
	v, err := s.cache.Get(ctx, s.draftKey(conversationID))
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			s.log.WithError(err).WithField("conversation_id", conversationID).Warn("load draft failed")
		}
		return ""
	}
	return v
}

// SaveDraft stores text for a conversation. Empty text clears it.
func (s *Store) SaveDraft(ctx context.Context, conversationID, text string) error {
	if text == "" {
		return s.ClearDraft(ctx, conversationID)
	}
	return s.cache.Set(ctx, s.draftKey(conversationID), text, draftTTL)
}

func (s *Store) ClearDraft(ctx context.Context, conversationID string) error {
	return s.cache.Del(ctx, s.draftKey(conversationID))
}
