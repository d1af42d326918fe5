package store

import (
	"context"
	"errors"
	"sync"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/pkg/errcode"
)

// HistoryLoader fetches a conversation with its message history
type HistoryLoader interface {
	GetConversation(ctx context.Context, conversationId string) (*entity.Conversation, error)
}

// RoomMembership moves the channel in and out of conversation rooms
type RoomMembership interface {
	JoinThread(conversationId string)
	LeaveThread(conversationId string)
}

// UnreadResetter marks a conversation as read
type UnreadResetter interface {
	ResetUnread(conversationId string) bool
}

// PushResult tells what a pushed message did to the thread
type PushResult int

const (
	PushIgnored PushResult = iota
	PushAppended
	PushConfirmed
	PushDuplicate
)

func (r PushResult) String() string {
	switch r {
	case PushAppended:
		return "appended"
	case PushConfirmed:
		return "confirmed"
	case PushDuplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

// ThreadStore holds the message sequence of the open conversation
type ThreadStore struct {
	api    HistoryLoader
	rooms  RoomMembership
	unread UnreadResetter

	// roomMu orders room calls; joined is the room the channel was last moved to
	roomMu sync.Mutex
	joined string

	mu       sync.Mutex
	openId   string
	messages []*entity.Message
	loading  bool
	token    uint64
	cancel   context.CancelFunc
}

// NewThreadStore creates a store with no open thread
func NewThreadStore(api HistoryLoader, rooms RoomMembership, unread UnreadResetter) *ThreadStore {
	return &ThreadStore{
		api:    api,
		rooms:  rooms,
		unread: unread,
	}
}

// Open makes conversationId the open thread and loads its history.
// A newer Open supersedes this one; the superseded call returns ErrThreadSuperseded and changes nothing.
func (s *ThreadStore) Open(ctx context.Context, conversationId string) (*entity.Conversation, error) {
	if conversationId == "" {
		return nil, errcode.ErrInvalidParam.WithMsg("conversation id is empty")
	}

	s.mu.Lock()
	prev := s.openId
	if s.cancel != nil {
		s.cancel()
	}
	s.token++
	token := s.token
	fetchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.openId = conversationId
	s.loading = true
	if prev != conversationId {
		s.messages = nil
	}
	s.mu.Unlock()
	defer cancel()

	s.unread.ResetUnread(conversationId)
	if !s.syncRoom(token) {
		log.CtxDebug(ctx, "open superseded before fetch: conversation_id=%s", conversationId)
		return nil, errcode.ErrThreadSuperseded
	}

	conv, err := s.api.GetConversation(fetchCtx, conversationId)

	s.mu.Lock()
	if token != s.token {
		s.mu.Unlock()
		log.CtxDebug(ctx, "drop stale history: conversation_id=%s", conversationId)
		return nil, errcode.ErrThreadSuperseded
	}
	s.loading = false
	s.cancel = nil

	if err != nil {
		notFound := errors.Is(err, errcode.ErrNotFound)
		if notFound {
			s.openId = ""
			s.messages = nil
		}
		s.mu.Unlock()

		log.CtxWarn(ctx, "load history failed: conversation_id=%s, error=%v", conversationId, err)
		switch {
		case notFound:
			s.syncRoom(token)
			return nil, errcode.ErrConvNotFound.Wrap(err)
		case errcode.IsAuth(err):
			return nil, err
		default:
			return nil, errcode.ErrHistoryFailed.Wrap(err)
		}
	}

	s.messages = mergeHistory(ctx, conv.Messages, s.messages)
	result := conv.Clone()
	result.Messages = cloneMessages(s.messages)
	s.mu.Unlock()

	log.CtxDebug(ctx, "thread opened: conversation_id=%s, messages=%d", conversationId, len(result.Messages))
	return result, nil
}

// syncRoom moves the channel to the open thread's room.
// It reports false, without touching the channel, when token is no longer the latest request.
func (s *ThreadStore) syncRoom(token uint64) bool {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()

	s.mu.Lock()
	want := s.openId
	current := token == s.token
	s.mu.Unlock()
	if !current {
		return false
	}

	if s.joined == want {
		return true
	}
	if s.joined != "" {
		s.rooms.LeaveThread(s.joined)
	}
	if want != "" {
		s.rooms.JoinThread(want)
	}
	s.joined = want
	return true
}

// mergeHistory keeps the fetched history and appends what arrived while it was in flight
func mergeHistory(ctx context.Context, history, arrived []*entity.Message) []*entity.Message {
	merged := make([]*entity.Message, 0, len(history)+len(arrived))
	for _, m := range history {
		if m == nil {
			continue
		}
		if err := m.Validate(); err != nil {
			log.CtxWarn(ctx, "skip history message: error=%v", err)
			continue
		}
		merged = append(merged, m.Clone())
	}
	for _, m := range arrived {
		if indexOfSame(merged, m) < 0 {
			merged = append(merged, m)
		}
	}
	return merged
}

// Close leaves the open thread and forgets its history
func (s *ThreadStore) Close() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.token++
	token := s.token
	s.openId = ""
	s.messages = nil
	s.loading = false
	s.mu.Unlock()

	s.syncRoom(token)
}

// ReceivePush merges a message delivered by the channel
func (s *ThreadStore) ReceivePush(msg *entity.Message) PushResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openId == "" || msg.ConversationId != s.openId {
		return PushIgnored
	}
	if i := indexOfSame(s.messages, msg); i >= 0 {
		if !s.messages[i].IsTemporary {
			return PushDuplicate
		}
		confirmed := msg.Clone()
		confirmed.IsTemporary = false
		s.messages[i] = confirmed
		return PushConfirmed
	}

	appended := msg.Clone()
	appended.IsTemporary = false
	s.messages = append(s.messages, appended)
	return PushAppended
}

// InsertTemporary appends an optimistic copy of a message being sent
func (s *ThreadStore) InsertTemporary(msg *entity.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openId == "" || msg.ConversationId != s.openId {
		return errcode.ErrNoOpenThread
	}
	tmp := msg.Clone()
	tmp.IsTemporary = true
	s.messages = append(s.messages, tmp)
	return nil
}

// RemoveMessage drops the message with id, reporting whether it was there
func (s *ThreadStore) RemoveMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.messages {
		if m.Id == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// ConfirmTemporary replaces the optimistic entry tempId with the server's copy.
// If the entry is gone the server copy is appended unless an equal message is already stored.
func (s *ThreadStore) ConfirmTemporary(tempId string, msg *entity.Message) PushResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openId == "" || msg.ConversationId != s.openId {
		return PushIgnored
	}
	confirmed := msg.Clone()
	confirmed.IsTemporary = false
	for i, m := range s.messages {
		if m.Id == tempId && m.IsTemporary {
			s.messages[i] = confirmed
			return PushConfirmed
		}
	}
	if indexOfSame(s.messages, msg) >= 0 {
		return PushDuplicate
	}
	s.messages = append(s.messages, confirmed)
	return PushAppended
}

// Messages returns a copy of the open thread's sequence
func (s *ThreadStore) Messages() []*entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

// OpenID returns the id of the open thread, empty when none is open
func (s *ThreadStore) OpenID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openId
}

// Loading reports whether the history of the open thread is being fetched
func (s *ThreadStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func indexOfSame(messages []*entity.Message, msg *entity.Message) int {
	for i, m := range messages {
		if m.SameAs(msg) {
			return i
		}
	}
	return -1
}

func cloneMessages(messages []*entity.Message) []*entity.Message {
	out := make([]*entity.Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}
