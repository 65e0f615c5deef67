package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"go-chatsync/internal/chat"
	"go-chatsync/internal/logger"
	"go-chatsync/internal/notification"
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with their unread counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rest, err := restClient()
		if err != nil {
			return err
		}
		client := chat.NewClient(rest)
		convs, err := client.Conversations(cmd.Context())
		if err != nil {
			return err
		}
		total, err := client.UnreadCount(cmd.Context())
		if err != nil {
			return err
		}
		now := time.Now()
		for _, c := range convs {
			last := ""
			if c.LastMessage != nil {
				last = c.LastMessage.Content
			}
			fmt.Printf("%-36s %-16s %3d unread  %s  %s\n",
				c.ID, c.Participant.Name, c.UnreadCount, chat.DayLabel(c.LastMessageAt, now, time.Local), last)
		}
		fmt.Printf("total unread: %d\n", total)
		return nil
	},
}

var (
	pageFlag    int
	unseenFlag  bool
	typeFlag    string
	markAllFlag bool
)

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rest, err := restClient()
		if err != nil {
			return err
		}
		feed := notification.NewFeed(rest, cfg.Notification.PageSize, logger.Component(log, "notifications"))
		ctx := cmd.Context()

		if markAllFlag {
			if err := feed.MarkAllSeen(ctx); err != nil {
				return err
			}
		}

		q := notification.Query{Page: pageFlag, Type: typeFlag}
		if unseenFlag {
			unseen := false
			q.Seen = &unseen
		}
		page, err := feed.FetchPage(ctx, q)
		if err != nil {
			return err
		}
		if err := feed.Reconcile(ctx); err != nil {
			return err
		}
		printNotifications(page.Items)
		fmt.Printf("page %d of %d, %d unseen in total\n", max(pageFlag, 1), page.TotalPages, feed.Unread().Value())
		return nil
	},
}

func init() {
	notificationsCmd.Flags().IntVar(&pageFlag, "page", 1, "page number")
	notificationsCmd.Flags().BoolVar(&unseenFlag, "unseen", false, "only unseen notifications")
	notificationsCmd.Flags().StringVar(&typeFlag, "type", "", "only notifications of this type")
	notificationsCmd.Flags().BoolVar(&markAllFlag, "mark-all-seen", false, "mark everything seen first")
}

func printNotifications(items []notification.Notification) {
	for _, n := range items {
		mark := " "
		if !n.IsSeen {
			mark = "*"
		}
		fmt.Printf("%s %s [%s] %s: %s\n", mark, n.ID, n.Type, n.Title, n.Message)
	}
}
