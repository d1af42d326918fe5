package store

import (
	"context"
	"sync"
	"time"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/pkg/errcode"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu         sync.Mutex
	convs      []*entity.Conversation
	listErr    error
	history    map[string]*entity.Conversation
	historyErr map[string]error
	gates      map[string]chan struct{}
	started    chan string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history:    make(map[string]*entity.Conversation),
		historyErr: make(map[string]error),
		gates:      make(map[string]chan struct{}),
		started:    make(chan string, 16),
	}
}

func (a *fakeAPI) ListConversations(ctx context.Context) ([]*entity.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	out := make([]*entity.Conversation, len(a.convs))
	for i, c := range a.convs {
		out[i] = c.Clone()
	}
	return out, nil
}

// GetConversation resolves late when a gate is set for id, whatever happens to ctx
func (a *fakeAPI) GetConversation(ctx context.Context, id string) (*entity.Conversation, error) {
	a.mu.Lock()
	gate := a.gates[id]
	a.mu.Unlock()

	a.started <- id
	if gate != nil {
		<-gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.historyErr[id]; err != nil {
		return nil, err
	}
	conv, ok := a.history[id]
	if !ok {
		return nil, errcode.ErrNotFound
	}
	out := conv.Clone()
	for _, m := range conv.Messages {
		out.Messages = append(out.Messages, m.Clone())
	}
	return out, nil
}

type fakeRooms struct {
	mu      sync.Mutex
	log     []string
	current string
}

func (r *fakeRooms) JoinThread(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, "join:"+id)
	r.current = id
}

func (r *fakeRooms) LeaveThread(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, "leave:"+id)
	if r.current == id {
		r.current = ""
	}
}

// room is the conversation room the channel is in
func (r *fakeRooms) room() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *fakeRooms) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func conversation(id, other string, activity time.Time, unread int) *entity.Conversation {
	return &entity.Conversation{
		Id:           id,
		Participants: []entity.UserRef{{Id: "u1"}, {Id: other}},
		OtherUser:    &entity.UserRef{Id: other, Name: other},
		LastMessage:  &entity.MessagePreview{Content: "last in " + id, Timestamp: activity, Sender: entity.UserRef{Id: other}},
		LastActivity: activity,
		UnreadCount:  unread,
	}
}

func message(id, conv, sender, content string, ts time.Time) *entity.Message {
	return &entity.Message{
		Id:             id,
		ConversationId: conv,
		Sender:         entity.UserRef{Id: sender},
		Content:        content,
		Timestamp:      ts,
	}
}

// gatedResetter holds ResetUnread for the blocked conversation until gate closes
type gatedResetter struct {
	next    UnreadResetter
	blocked string
	gate    chan struct{}
	entered chan string
}

func (g *gatedResetter) ResetUnread(id string) bool {
	if id == g.blocked {
		g.entered <- id
		<-g.gate
	}
	return g.next.ResetUnread(id)
}
