package sdk

import (
	"context"
	"net/url"

	"github.com/mbeoliero/marketchat/internal/entity"
)

// PostMessage persists a message in a conversation and returns the created message
func (c *Client) PostMessage(ctx context.Context, conversationId string, req *PostMessageRequest) (*entity.Message, error) {
	var result entity.Message
	if err := c.post(ctx, "/conversations/"+url.PathEscape(conversationId)+"/messages", req, &result); err != nil {
		return nil, err
	}
	if result.ConversationId == "" {
		result.ConversationId = conversationId
	}
	return &result, nil
}
