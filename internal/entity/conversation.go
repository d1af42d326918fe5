package entity

import (
	"fmt"
	"time"
)

// MessagePreview is the denormalized last message shown in the conversation list
type MessagePreview struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Sender    UserRef   `json:"sender"`
}

// Conversation represents a 1:1 conversation
type Conversation struct {
	Id           string          `json:"_id"`
	Participants []UserRef       `json:"participants,omitempty"`
	OtherUser    *UserRef        `json:"otherUser,omitempty"`
	LastMessage  *MessagePreview `json:"lastMessage,omitempty"`
	LastActivity time.Time       `json:"lastActivity"`
	UnreadCount  int             `json:"unreadCount"`
	Messages     []*Message      `json:"messages,omitempty"`
}

// Validate checks the conversation invariants
func (c *Conversation) Validate() error {
	if c.Id == "" {
		return fmt.Errorf("conversation id is empty")
	}
	if n := len(c.Participants); n != 0 && n != 2 {
		return fmt.Errorf("conversation %s has %d participants", c.Id, n)
	}
	if c.UnreadCount < 0 {
		return fmt.Errorf("conversation %s has negative unread count", c.Id)
	}
	return nil
}

// Counterpart returns the participant that is not selfId
func (c *Conversation) Counterpart(selfId string) *UserRef {
	if c.OtherUser != nil {
		return c.OtherUser
	}
	for i := range c.Participants {
		if c.Participants[i].Id != selfId {
			return &c.Participants[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the list fields of c, without the message history
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Messages = nil
	if c.Participants != nil {
		cp.Participants = append([]UserRef(nil), c.Participants...)
	}
	if c.OtherUser != nil {
		u := *c.OtherUser
		cp.OtherUser = &u
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	return &cp
}

// ConversationPatch carries the preview fields updated by push events
type ConversationPatch struct {
	ConversationId string
	LastMessage    *MessagePreview
	LastActivity   time.Time
}
