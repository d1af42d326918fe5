package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/pkg/errcode"
)

// ConversationLister fetches the conversations of the current user
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]*entity.Conversation, error)
}

// Filter selects conversations for display
type Filter struct {
	SearchTerm string
	UnreadOnly bool
}

// ConversationStore is the in-memory projection of the user's conversation list
type ConversationStore struct {
	api ConversationLister

	mu    sync.RWMutex
	byId  map[string]*entity.Conversation
	order []string
	// epoch advances on Clear so a load started before it is dropped
	epoch uint64
}

// NewConversationStore creates an empty store backed by api
func NewConversationStore(api ConversationLister) *ConversationStore {
	return &ConversationStore{
		api:  api,
		byId: make(map[string]*entity.Conversation),
	}
}

// Load replaces the list with the server's. On failure the previous list is kept.
func (s *ConversationStore) Load(ctx context.Context) error {
	s.mu.RLock()
	epoch := s.epoch
	s.mu.RUnlock()

	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		log.CtxWarn(ctx, "load conversations failed: error=%v", err)
		if errcode.IsAuth(err) {
			return err
		}
		return errcode.ErrLoadFailed.Wrap(err)
	}

	byId := make(map[string]*entity.Conversation, len(convs))
	order := make([]string, 0, len(convs))
	for _, conv := range convs {
		if conv == nil {
			continue
		}
		if err := conv.Validate(); err != nil {
			log.CtxWarn(ctx, "skip conversation: error=%v", err)
			continue
		}
		if _, ok := byId[conv.Id]; ok {
			continue
		}
		byId[conv.Id] = conv.Clone()
		order = append(order, conv.Id)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		log.CtxDebug(ctx, "conversations cleared while loading, result dropped")
		return nil
	}
	s.byId = byId
	s.order = order
	s.mu.Unlock()

	log.CtxDebug(ctx, "conversations loaded: count=%d", len(order))
	return nil
}

// ApplyPatch overwrites the preview of a known conversation.
// It reports whether the preview advanced; unknown ids, stale and empty patches change nothing.
func (s *ConversationStore) ApplyPatch(p entity.ConversationPatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.byId[p.ConversationId]
	if !ok {
		return false
	}
	if !p.LastActivity.IsZero() && p.LastActivity.Before(conv.LastActivity) {
		return false
	}

	advanced := false
	if p.LastMessage != nil && !samePreview(conv.LastMessage, p.LastMessage) {
		lm := *p.LastMessage
		conv.LastMessage = &lm
		advanced = true
	}
	if p.LastActivity.After(conv.LastActivity) {
		conv.LastActivity = p.LastActivity
		advanced = true
	}
	return advanced
}

func samePreview(a, b *entity.MessagePreview) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Content == b.Content && a.Sender.Id == b.Sender.Id && a.Timestamp.Equal(b.Timestamp)
}

// Filter returns copies of the matching conversations, most recently active first
func (s *ConversationStore) Filter(f Filter) []*entity.Conversation {
	term := strings.ToLower(strings.TrimSpace(f.SearchTerm))

	s.mu.RLock()
	result := make([]*entity.Conversation, 0, len(s.order))
	for _, id := range s.order {
		conv := s.byId[id]
		if f.UnreadOnly && conv.UnreadCount <= 0 {
			continue
		}
		if term != "" && !matches(conv, term) {
			continue
		}
		result = append(result, conv.Clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].LastActivity.After(result[j].LastActivity)
	})
	return result
}

func matches(conv *entity.Conversation, term string) bool {
	if conv.OtherUser != nil && strings.Contains(strings.ToLower(conv.OtherUser.Name), term) {
		return true
	}
	return conv.LastMessage != nil && strings.Contains(strings.ToLower(conv.LastMessage.Content), term)
}

// List returns every conversation, most recently active first
func (s *ConversationStore) List() []*entity.Conversation {
	return s.Filter(Filter{})
}

// ResetUnread marks the conversation as read
func (s *ConversationStore) ResetUnread(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byId[id]
	if !ok || conv.UnreadCount == 0 {
		return false
	}
	conv.UnreadCount = 0
	return true
}

// IncrementUnread counts one more unread message
func (s *ConversationStore) IncrementUnread(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byId[id]
	if !ok {
		return false
	}
	conv.UnreadCount++
	return true
}

// Upsert inserts conv or replaces the stored copy, keeping its position
func (s *ConversationStore) Upsert(conv *entity.Conversation) error {
	if err := conv.Validate(); err != nil {
		return errcode.ErrInvalidParam.WithMsg(err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byId[conv.Id]; ok && old.LastActivity.After(conv.LastActivity) {
		cp := conv.Clone()
		cp.LastActivity = old.LastActivity
		cp.LastMessage = old.LastMessage
		s.byId[conv.Id] = cp
		return nil
	}
	if _, ok := s.byId[conv.Id]; !ok {
		s.order = append(s.order, conv.Id)
	}
	s.byId[conv.Id] = conv.Clone()
	return nil
}

// Get returns a copy of the conversation
func (s *ConversationStore) Get(id string) (*entity.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.byId[id]
	if !ok {
		return nil, false
	}
	return conv.Clone(), true
}

// Len returns the number of conversations
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Clear drops every conversation
func (s *ConversationStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byId = make(map[string]*entity.Conversation)
	s.order = nil
	s.epoch++
}

// Remove drops a conversation the server no longer knows
func (s *ConversationStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byId[id]; !ok {
		return false
	}
	delete(s.byId, id)
	for i, cid := range s.order {
		if cid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}
