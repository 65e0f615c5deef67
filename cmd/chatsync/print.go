package main

import (
	"fmt"
	"time"

	"go-chatsync/internal/chat"
	"go-chatsync/internal/session"
)

type printer struct {
	sess    *session.Session
	loc     *time.Location
	printed map[string]bool
	header  string
}

// timeline prints messages not printed yet under their day header. Everything
// printed counts as seen.
func (p *printer) timeline() {
	if p.printed == nil {
		p.printed = make(map[string]bool)
	}
	st := p.sess.Conversation.State()
	if st.Err != nil {
		fmt.Printf("! history unavailable: %v\n", st.Err)
	}
	now := time.Now()
	day := ""
	for _, item := range chat.Group(st.Timeline, p.loc) {
		if item.Kind == chat.ItemDate {
			day = chat.DayLabel(item.Day, now, p.loc)
			continue
		}
		m := item.Message
		p.sess.MarkVisible(m, 1)
		if p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		if day != p.header {
			fmt.Printf("---- %s ----\n", day)
			p.header = day
		}
		content := m.Content
		if chat.IsHeart(content) {
			content = "<3"
		}
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.In(p.loc).Format("15:04"), m.SenderID, content)
	}
}

func (p *printer) counters() {
	fmt.Printf("-- unread chats: %d, notifications: %d\n",
		p.sess.ChatUnread.Value(), p.sess.Notifications.Unread().Value())
}
