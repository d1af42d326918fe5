package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbeoliero/marketchat/internal/entity"
)

// Frame is the envelope of every channel message
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload joins the personal notification room of a user
type JoinPayload struct {
	UserId string `json:"userId"`
}

// ChatRoomPayload joins or leaves the room of a conversation
type ChatRoomPayload struct {
	ConversationId string `json:"conversationId"`
}

// NewMessageEvent is pushed to the room of a conversation when a message is persisted
type NewMessageEvent struct {
	ChatId       string                 `json:"chatId"`
	Message      *entity.Message        `json:"message"`
	LastMessage  *entity.MessagePreview `json:"lastMessage,omitempty"`
	LastActivity time.Time              `json:"lastActivity"`
}

// Validate checks the event before it reaches any store
func (e *NewMessageEvent) Validate() error {
	if e.ChatId == "" {
		return fmt.Errorf("%w: new_message without chatId", ErrInvalidProtocol)
	}
	if e.Message == nil {
		return fmt.Errorf("%w: new_message without message", ErrInvalidProtocol)
	}
	if err := e.Message.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProtocol, err)
	}
	if e.Message.ConversationId == "" {
		e.Message.ConversationId = e.ChatId
	}
	if e.Message.ConversationId != e.ChatId {
		return fmt.Errorf("%w: message %s belongs to %s, not %s",
			ErrInvalidProtocol, e.Message.Id, e.Message.ConversationId, e.ChatId)
	}
	return nil
}

// Patch returns the list preview delta carried by the event
func (e *NewMessageEvent) Patch() entity.ConversationPatch {
	p := entity.ConversationPatch{
		ConversationId: e.ChatId,
		LastMessage:    e.LastMessage,
		LastActivity:   e.LastActivity,
	}
	if p.LastMessage == nil {
		p.LastMessage = e.Message.Preview()
	}
	if p.LastActivity.IsZero() {
		p.LastActivity = e.Message.Timestamp
	}
	return p
}

// ChatListUpdateEvent is pushed to the personal room of a participant
type ChatListUpdateEvent struct {
	UserId       string                 `json:"userId"`
	ChatId       string                 `json:"chatId"`
	LastMessage  *entity.MessagePreview `json:"lastMessage,omitempty"`
	LastActivity time.Time              `json:"lastActivity"`
}

// Validate checks the event before it reaches any store
func (e *ChatListUpdateEvent) Validate() error {
	if e.UserId == "" {
		return fmt.Errorf("%w: chat_list_update without userId", ErrInvalidProtocol)
	}
	if e.ChatId == "" {
		return fmt.Errorf("%w: chat_list_update without chatId", ErrInvalidProtocol)
	}
	return nil
}

// Patch returns the list preview delta carried by the event
func (e *ChatListUpdateEvent) Patch() entity.ConversationPatch {
	p := entity.ConversationPatch{
		ConversationId: e.ChatId,
		LastMessage:    e.LastMessage,
		LastActivity:   e.LastActivity,
	}
	if p.LastActivity.IsZero() && p.LastMessage != nil {
		p.LastActivity = p.LastMessage.Timestamp
	}
	return p
}

// EncodeFrame builds the wire form of an outbound event
func EncodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// DecodeFrame parses the envelope of an inbound message
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProtocol, err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("%w: frame without event", ErrInvalidProtocol)
	}
	return &f, nil
}

// DecodeNewMessage decodes and validates a new_message payload
func DecodeNewMessage(data json.RawMessage) (*NewMessageEvent, error) {
	var ev NewMessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProtocol, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// DecodeChatListUpdate decodes and validates a chat_list_update payload
func DecodeChatListUpdate(data json.RawMessage) (*ChatListUpdateEvent, error) {
	var ev ChatListUpdateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProtocol, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}
