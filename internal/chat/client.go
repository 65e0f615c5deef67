package chat

import (
	"context"
	"net/url"

	"go-chatsync/internal/api"
)

// Client is the REST side of chat: history, conversation list, authoritative unread count.
type Client struct {
	api *api.Client
}

func NewClient(c *api.Client) *Client {
	return &Client{api: c}
}

// History returns the stored messages of a conversation. Order is not relied upon.
func (c *Client) History(ctx context.Context, conversationID string) ([]Message, error) {
	var res struct {
		Data []Message `json:"data"`
	}
	if err := c.api.Get(ctx, "/chat/history/"+url.PathEscape(conversationID), nil, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// Conversations lists the current user's conversations with last message and unread count.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var res struct {
		Data []Conversation `json:"data"`
	}
	if err := c.api.Get(ctx, "/chat/conversations", nil, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// StartConversation finds or creates the conversation with userID.
func (c *Client) StartConversation(ctx context.Context, userID string) (Conversation, error) {
	var res struct {
		Data Conversation `json:"data"`
	}
	if err := c.api.Get(ctx, "/chat/conversation/"+url.PathEscape(userID), nil, &res); err != nil {
		return Conversation{}, err
	}
	return res.Data, nil
}

// UnreadCount is the server-authoritative number of unseen messages addressed to the user.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var res struct {
		UnreadCount int `json:"unreadCount"`
	}
	if err := c.api.Get(ctx, "/chat/unread-count", nil, &res); err != nil {
		return 0, err
	}
	return res.UnreadCount, nil
}
