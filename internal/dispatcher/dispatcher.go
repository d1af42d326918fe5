package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/internal/store"
	"github.com/mbeoliero/marketchat/pkg/errcode"
	"github.com/mbeoliero/marketchat/pkg/idgen"
	"github.com/mbeoliero/marketchat/pkg/metrics"
	"github.com/mbeoliero/marketchat/sdk"
)

// State is the send state of one thread
type State int

const (
	StateIdle State = iota
	StateSending
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "SENDING"
	case StateConfirmed:
		return "CONFIRMED"
	case StateFailed:
		return "FAILED"
	default:
		return "IDLE"
	}
}

// API is the part of the REST collaborator the dispatcher calls
type API interface {
	PostMessage(ctx context.Context, conversationId string, req *sdk.PostMessageRequest) (*entity.Message, error)
	StartConversation(ctx context.Context, otherUserId string) (*entity.Conversation, error)
}

// Connection reports the channel state
type Connection interface {
	State() entity.ConnState
}

// Identity answers who the current user is
type Identity interface {
	Current() *entity.Identity
	IsSelf(userId string) bool
}

// Outcome is the result of a send attempt
type Outcome struct {
	State State
	// Draft is the text to put back in the compose box, empty unless the send failed
	Draft   string
	Message *entity.Message
}

// Config holds the dispatcher dependencies
type Config struct {
	API        API
	Thread     *store.ThreadStore
	List       *store.ConversationStore
	Conn       Connection
	Identity   Identity
	TempIDs    idgen.IDGenerator
	ClientIDs  idgen.IDGenerator
	Metrics    *metrics.Metrics
	ServerEcho bool
}

// Dispatcher sends messages into the open thread
type Dispatcher struct {
	api        API
	thread     *store.ThreadStore
	list       *store.ConversationStore
	conn       Connection
	identity   Identity
	tempIDs    idgen.IDGenerator
	clientIDs  idgen.IDGenerator
	metrics    *metrics.Metrics
	serverEcho bool

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a Dispatcher
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		api:        cfg.API,
		thread:     cfg.Thread,
		list:       cfg.List,
		conn:       cfg.Conn,
		identity:   cfg.Identity,
		tempIDs:    cfg.TempIDs,
		clientIDs:  cfg.ClientIDs,
		metrics:    cfg.Metrics,
		serverEcho: cfg.ServerEcho,
		inFlight:   make(map[string]bool),
	}
	if d.clientIDs == nil {
		d.clientIDs = idgen.NewUUIDGenerator()
	}
	return d
}

// State returns the send state of a thread
func (d *Dispatcher) State(conversationId string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[conversationId] {
		return StateSending
	}
	return StateIdle
}

func (d *Dispatcher) acquire(conversationId string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[conversationId] {
		return false
	}
	d.inFlight[conversationId] = true
	return true
}

func (d *Dispatcher) release(conversationId string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, conversationId)
}

// Send posts content into the open thread, showing it optimistically until the server has it.
// Rejected sends return the error before any I/O; a failed post returns the draft to restore.
func (d *Dispatcher) Send(ctx context.Context, content string) (*Outcome, error) {
	text := strings.TrimSpace(content)
	conversationId := d.thread.OpenID()

	if err := d.guard(text, conversationId); err != nil {
		d.metrics.ObserveSend(metrics.SendRejected)
		return &Outcome{State: StateIdle}, err
	}
	me := d.identity.Current()
	if me == nil {
		d.metrics.ObserveSend(metrics.SendRejected)
		return &Outcome{State: StateIdle}, errcode.ErrTokenMissing
	}
	if !d.acquire(conversationId) {
		d.metrics.ObserveSend(metrics.SendRejected)
		return &Outcome{State: StateSending}, errcode.ErrSendInFlight
	}
	defer d.release(conversationId)

	tempId, err := idgen.NextTempID(d.tempIDs)
	if err != nil {
		return d.fail(ctx, conversationId, "", text, errcode.ErrInternalServer.Wrap(err))
	}
	clientMsgId, err := d.clientIDs.NextID()
	if err != nil {
		return d.fail(ctx, conversationId, "", text, errcode.ErrInternalServer.Wrap(err))
	}

	tmp := &entity.Message{
		Id:             tempId,
		ConversationId: conversationId,
		Sender:         me.Ref(),
		Content:        text,
		Timestamp:      entity.Now(),
		IsTemporary:    true,
		ClientMsgId:    clientMsgId,
	}
	if err := d.thread.InsertTemporary(tmp); err != nil {
		// the thread was closed or switched since the guard
		d.metrics.ObserveSend(metrics.SendRejected)
		return &Outcome{State: StateIdle, Draft: text}, err
	}

	log.CtxDebug(ctx, "message sending: conversation_id=%s, temp_id=%s", conversationId, tempId)
	sent, err := d.api.PostMessage(ctx, conversationId, &sdk.PostMessageRequest{
		Content:     text,
		ClientMsgId: clientMsgId,
	})
	if err != nil {
		return d.fail(ctx, conversationId, tempId, text, err)
	}

	if sent.ConversationId == "" {
		sent.ConversationId = conversationId
	}
	if d.serverEcho {
		// the channel delivers the durable copy; it may already have replaced the temporary entry
		d.thread.RemoveMessage(tempId)
	} else if sent.Validate() == nil {
		d.thread.ConfirmTemporary(tempId, sent)
	} else {
		log.CtxWarn(ctx, "post returned no usable message: conversation_id=%s", conversationId)
		d.thread.RemoveMessage(tempId)
	}

	d.metrics.ObserveSend(metrics.SendConfirmed)
	log.CtxInfo(ctx, "message sent: conversation_id=%s, message_id=%s", conversationId, sent.Id)
	return &Outcome{State: StateConfirmed, Message: sent}, nil
}

func (d *Dispatcher) guard(text, conversationId string) error {
	if text == "" {
		return errcode.ErrEmptyMessage
	}
	if conversationId == "" {
		return errcode.ErrNoOpenThread
	}
	if d.conn.State() != entity.StateConnected {
		return errcode.ErrNotConnected
	}
	return nil
}

// fail rolls the optimistic entry back and hands the text back as the draft
func (d *Dispatcher) fail(ctx context.Context, conversationId, tempId, text string, err error) (*Outcome, error) {
	if tempId != "" {
		d.thread.RemoveMessage(tempId)
	}
	d.metrics.ObserveSend(metrics.SendFailed)
	log.CtxWarn(ctx, "message send failed: conversation_id=%s, error=%v", conversationId, err)

	switch {
	case errcode.IsAuth(err):
	case errors.Is(err, errcode.ErrNotFound):
		err = errcode.ErrConvNotFound.Wrap(err)
	default:
		err = errcode.ErrSendFailed.Wrap(err)
	}
	return &Outcome{State: StateFailed, Draft: text}, err
}

// StartConversation returns the conversation with otherUserId, creating it on the server if needed.
// Messaging yourself is rejected before any network call.
func (d *Dispatcher) StartConversation(ctx context.Context, otherUserId string) (*entity.Conversation, error) {
	otherUserId = strings.TrimSpace(otherUserId)
	if otherUserId == "" {
		return nil, errcode.ErrMissingRecipient
	}
	if d.identity.Current() == nil {
		return nil, errcode.ErrTokenMissing
	}
	if d.identity.IsSelf(otherUserId) {
		return nil, errcode.ErrSelfChat
	}

	conv, err := d.api.StartConversation(ctx, otherUserId)
	if err != nil {
		log.CtxWarn(ctx, "start conversation failed: other_user_id=%s, error=%v", otherUserId, err)
		switch {
		case errcode.IsAuth(err):
			return nil, err
		case errors.Is(err, errcode.ErrInvalidParam):
			return nil, err
		default:
			return nil, errcode.ErrStartChatFailed.Wrap(err)
		}
	}
	if conv == nil || conv.Id == "" {
		return nil, errcode.ErrStartChatFailed.WithMsg("start conversation returned no id")
	}
	if err := d.list.Upsert(conv); err != nil {
		log.CtxWarn(ctx, "started conversation not listed: conversation_id=%s, error=%v", conv.Id, err)
	}
	log.CtxInfo(ctx, "conversation started: conversation_id=%s, other_user_id=%s", conv.Id, otherUserId)
	return conv, nil
}

// MessageUser starts or reuses the conversation with otherUserId, opens it and sends content into it
func (d *Dispatcher) MessageUser(ctx context.Context, otherUserId, content string) (*Outcome, error) {
	if strings.TrimSpace(content) == "" {
		return &Outcome{State: StateIdle}, errcode.ErrEmptyMessage
	}
	conv, err := d.StartConversation(ctx, otherUserId)
	if err != nil {
		return &Outcome{State: StateIdle, Draft: strings.TrimSpace(content)}, err
	}
	if _, err := d.thread.Open(ctx, conv.Id); err != nil {
		return &Outcome{State: StateIdle, Draft: strings.TrimSpace(content)}, err
	}
	return d.Send(ctx, content)
}
