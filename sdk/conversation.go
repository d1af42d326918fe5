package sdk

import (
	"context"
	"net/url"

	"github.com/mbeoliero/marketchat/internal/entity"
)

// ListConversations gets all conversations for the current user
func (c *Client) ListConversations(ctx context.Context) ([]*entity.Conversation, error) {
	var result []*entity.Conversation
	if err := c.get(ctx, "/conversations", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetConversation gets a conversation with its full message history
func (c *Client) GetConversation(ctx context.Context, conversationId string) (*entity.Conversation, error) {
	var result entity.Conversation
	if err := c.get(ctx, "/conversations/"+url.PathEscape(conversationId), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartConversation returns the existing or newly created conversation with otherUserId
func (c *Client) StartConversation(ctx context.Context, otherUserId string) (*entity.Conversation, error) {
	var result entity.Conversation
	req := &StartConversationRequest{OtherUserId: otherUserId}
	if err := c.post(ctx, "/conversations/start", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
