package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UserRef is a reference to a user as embedded in chat payloads
type UserRef struct {
	Id           string `json:"_id"`
	Name         string `json:"name,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// UnmarshalJSON accepts both a populated user object and a bare id string
func (u *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*u = UserRef{Id: id}
		return nil
	}

	type plain UserRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*u = UserRef(p)
	return nil
}

// Message represents a chat message
type Message struct {
	Id             string    `json:"_id"`
	ConversationId string    `json:"chat,omitempty"`
	Sender         UserRef   `json:"sender"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	IsRead         bool      `json:"isRead"`
	IsTemporary    bool      `json:"isTemporary,omitempty"`
	ClientMsgId    string    `json:"clientMsgId,omitempty"`
}

// UnmarshalJSON also accepts the owning conversation as conversationId
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		ConversationId string `json:"conversationId"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if m.ConversationId == "" {
		m.ConversationId = aux.ConversationId
	}
	return nil
}

// DedupKey identifies a message independently of its id
type DedupKey struct {
	SenderId  string
	Content   string
	Timestamp int64
}

// Key returns the de-duplication key of m
func (m *Message) Key() DedupKey {
	return DedupKey{
		SenderId:  m.Sender.Id,
		Content:   m.Content,
		Timestamp: m.Timestamp.UnixNano(),
	}
}

// SameAs reports whether m and other are copies of the same message
func (m *Message) SameAs(other *Message) bool {
	if m.ClientMsgId != "" && m.ClientMsgId == other.ClientMsgId {
		return true
	}
	return m.Key() == other.Key()
}

// Clone returns a copy of m
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// Validate checks the fields every stored message must carry
func (m *Message) Validate() error {
	if m.Id == "" {
		return fmt.Errorf("message id is empty")
	}
	if m.Sender.Id == "" {
		return fmt.Errorf("message %s has no sender", m.Id)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("message %s has no content", m.Id)
	}
	return nil
}

// Preview returns the list preview snapshot of m
func (m *Message) Preview() *MessagePreview {
	return &MessagePreview{
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Sender:    UserRef{Id: m.Sender.Id},
	}
}
