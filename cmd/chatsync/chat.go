package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go-chatsync/internal/chat"
	"go-chatsync/internal/notification"
	"go-chatsync/internal/session"
)

var peerFlag string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open a conversation and chat from stdin",
	Long: `Opens the conversation with --peer, prints the timeline and counters as they
change and sends each stdin line. Lines starting with ":" are commands:
  :notifications   list loaded notifications
  :more            load the next notification page
  :read <id>       mark one notification seen
  :readall         mark every notification seen
  :emoji <e>       send an emoji and remember it
  :emojis          show recently used emojis
  :quit            leave`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if peerFlag == "" {
			return fmt.Errorf("--peer is required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess, logout, err := login(ctx)
		if err != nil {
			return err
		}
		defer logout()

		conv, err := sess.StartConversation(ctx, peerFlag)
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		if draft := sess.UI.Draft(ctx, conv.ID); draft != "" {
			fmt.Printf("(draft) %s\n", draft)
		}
		if _, err := sess.Notifications.FetchPage(ctx, notification.Query{Page: 1}); err != nil {
			log.WithError(err).Warn("load notifications")
		}

		lines := make(chan string)
		go readLines(lines)

		p := &printer{sess: sess, loc: time.Local}
		p.timeline()
		p.counters()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sess.Conversation.Changed():
				p.timeline()
			case <-sess.ChatUnread.Changed():
				p.counters()
			case <-sess.Notifications.Changed():
				p.counters()
			case line, ok := <-lines:
				if !ok || !handleLine(ctx, sess, conv, line) {
					return nil
				}
			}
		}
	},
}

func init() {
	chatCmd.Flags().StringVar(&peerFlag, "peer", "", "user id to chat with")
}

func handleLine(ctx context.Context, sess *session.Session, conv chat.Conversation, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case ":quit":
		return false
	case ":notifications":
		printNotifications(sess.Notifications.State().Items)
	case ":more":
		if err := sess.Notifications.LoadMore(ctx); err != nil {
			log.WithError(err).Warn("load more notifications")
		}
		printNotifications(sess.Notifications.State().Items)
	case ":read":
		if err := sess.Notifications.MarkSeen(ctx, arg); err != nil {
			log.WithError(err).Warn("mark seen")
		}
	case ":readall":
		if err := sess.Notifications.MarkAllSeen(ctx); err != nil {
			log.WithError(err).Warn("mark all seen")
		}
	case ":emojis":
		fmt.Println("recent:", strings.Join(sess.UI.RecentEmojis(ctx), " "))
	case ":emoji":
		if _, err := sess.UI.UseEmoji(ctx, arg); err != nil {
			log.WithError(err).Warn("save emoji")
		}
		send(ctx, sess, conv, arg)
	default:
		send(ctx, sess, conv, line)
	}
	return true
}

func send(ctx context.Context, sess *session.Session, conv chat.Conversation, text string) {
	if _, err := sess.Send(ctx, conv.Participant.ID, text); err != nil {
		log.WithError(err).Warn("send failed, kept as draft")
		_ = sess.UI.SaveDraft(ctx, conv.ID, text)
	}
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- sc.Text()
	}
}
