package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/marketchat/internal/config"
	"github.com/mbeoliero/marketchat/internal/dispatcher"
	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/internal/gateway"
	"github.com/mbeoliero/marketchat/internal/identity"
	"github.com/mbeoliero/marketchat/internal/store"
	"github.com/mbeoliero/marketchat/pkg/errcode"
	"github.com/mbeoliero/marketchat/pkg/idgen"
	"github.com/mbeoliero/marketchat/pkg/metrics"
	"github.com/mbeoliero/marketchat/sdk"
)

// Option configures a Session
type Option func(*options)

type options struct {
	dialer   gateway.Dialer
	metrics  *metrics.Metrics
	listener Listener
	logout   func()
	tempIDs  idgen.IDGenerator
}

// WithDialer replaces the websocket dialer
func WithDialer(d gateway.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithMetrics records session activity into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithListener sets the receiver of view updates
func WithListener(l Listener) Option {
	return func(o *options) { o.listener = l }
}

// WithLogout sets the global logout hook run whenever the server rejects the credential.
// The hook is expected to clear the credential; by default the resolver is cleared.
func WithLogout(fn func()) Option {
	return func(o *options) { o.logout = fn }
}

// WithTempIDs replaces the generator of optimistic message ids
func WithTempIDs(gen idgen.IDGenerator) Option {
	return func(o *options) { o.tempIDs = gen }
}

// Session ties the identity, the channel and the stores of one signed-in user together
type Session struct {
	api      *sdk.Client
	resolver *identity.Resolver
	listener Listener
	logout   func()
	metrics  *metrics.Metrics

	conn       *gateway.Manager
	list       *store.ConversationStore
	thread     *store.ThreadStore
	dispatcher *dispatcher.Dispatcher

	identMu     sync.Mutex
	userId      string
	unsubscribe func()
	closeOnce   sync.Once
}

// New creates a Session. Nothing connects until Start.
func New(cfg *config.Config, api *sdk.Client, resolver *identity.Resolver, opts ...Option) (*Session, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.dialer == nil {
		o.dialer = gateway.NewWebSocketDialer(cfg.Gateway)
	}
	if o.listener == nil {
		o.listener = NopListener{}
	}
	if o.logout == nil {
		o.logout = resolver.Clear
	}
	if o.tempIDs == nil {
		gen, err := idgen.NewSonyflakeGenerator(cfg.Chat.MachineID)
		if err != nil {
			return nil, err
		}
		o.tempIDs = gen
	}

	s := &Session{
		api:      api,
		resolver: resolver,
		listener: o.listener,
		logout:   o.logout,
		metrics:  o.metrics,
	}
	s.conn = gateway.NewManager(cfg.Gateway, o.dialer, &channelHandler{s: s},
		gateway.WithMetrics(o.metrics),
		gateway.WithTokenSource(resolver.Token),
	)
	s.list = store.NewConversationStore(api)
	s.thread = store.NewThreadStore(api, s.conn, s.list)
	s.dispatcher = dispatcher.New(dispatcher.Config{
		API:        api,
		Thread:     s.thread,
		List:       s.list,
		Conn:       s.conn,
		Identity:   resolver,
		TempIDs:    o.tempIDs,
		Metrics:    o.metrics,
		ServerEcho: cfg.Chat.ServerEcho,
	})
	api.SetUnauthorizedHandler(s.handleUnauthorized)
	return s, nil
}

// Start follows the credential from now on. With an active identity it connects and loads the list.
func (s *Session) Start(ctx context.Context) error {
	s.identMu.Lock()
	if s.unsubscribe == nil {
		s.unsubscribe = s.resolver.Subscribe(func(id *entity.Identity) {
			if s.apply(id) && id != nil {
				go func() {
					_ = s.Refresh(context.Background())
				}()
			}
		})
	}
	s.identMu.Unlock()

	id := s.resolver.Current()
	if id == nil {
		log.CtxInfo(ctx, "session waiting for a credential")
		return nil
	}
	s.apply(id)
	return s.Refresh(ctx)
}

// apply moves the session to id and reports whether the signed-in user changed
func (s *Session) apply(id *entity.Identity) bool {
	s.identMu.Lock()
	defer s.identMu.Unlock()

	if id == nil {
		if s.userId == "" && s.conn.State() == entity.StateDisconnected {
			return false
		}
		s.userId = ""
		s.reset()
		s.api.SetToken("")
		log.Info("session ended")
		s.listener.OnConnectionStateChanged(entity.StateDisconnected)
		s.listener.OnConversationsChanged()
		return true
	}

	changed := s.userId != id.UserId
	if changed && s.userId != "" {
		s.reset()
	}
	s.userId = id.UserId
	s.api.SetToken(s.resolver.Token())
	if err := s.conn.Connect(id); err != nil {
		log.Warn("session connect failed: user_id=%s, error=%v", id.UserId, err)
	}
	if changed {
		log.Info("session started: user_id=%s", id.UserId)
	}
	return changed
}

func (s *Session) reset() {
	s.conn.Disconnect()
	s.thread.Close()
	s.list.Clear()
}

// handleUnauthorized runs the logout hook once per rejected credential answer
func (s *Session) handleUnauthorized() {
	log.Warn("credential rejected, logging out")
	s.logout()
}

// Close stops following the credential and tears the channel down
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.identMu.Lock()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.identMu.Unlock()
		s.conn.Disconnect()
		s.thread.Close()
	})
}

// Refresh reloads the conversation list from the server
func (s *Session) Refresh(ctx context.Context) error {
	if err := s.list.Load(ctx); err != nil {
		s.notify(err)
		return err
	}
	s.listener.OnConversationsChanged()
	return nil
}

// Conversations returns the filtered list, most recently active first
func (s *Session) Conversations(f store.Filter) []*entity.Conversation {
	return s.list.Filter(f)
}

// Conversation returns one listed conversation
func (s *Session) Conversation(id string) (*entity.Conversation, bool) {
	return s.list.Get(id)
}

// OpenThread shows the history of a conversation and follows its live messages
func (s *Session) OpenThread(ctx context.Context, conversationId string) (*entity.Conversation, error) {
	conv, err := s.thread.Open(ctx, conversationId)
	if err != nil {
		if errors.Is(err, errcode.ErrConvNotFound) && s.list.Remove(conversationId) {
			s.listener.OnConversationsChanged()
		}
		s.notify(err)
		return nil, err
	}
	s.listener.OnThreadChanged(conversationId)
	s.listener.OnConversationsChanged()
	return conv, nil
}

// CloseThread leaves the open conversation
func (s *Session) CloseThread() {
	id := s.thread.OpenID()
	s.thread.Close()
	if id != "" {
		s.listener.OnThreadChanged("")
	}
}

// OpenID returns the open conversation id, empty when none is open
func (s *Session) OpenID() string {
	return s.thread.OpenID()
}

// Messages returns the open thread's messages in display order
func (s *Session) Messages() []*entity.Message {
	return s.thread.Messages()
}

// Send posts content into the open thread
func (s *Session) Send(ctx context.Context, content string) (*dispatcher.Outcome, error) {
	conversationId := s.thread.OpenID()
	out, err := s.dispatcher.Send(ctx, content)
	s.listener.OnThreadChanged(conversationId)
	if err != nil {
		s.dropIfGone(conversationId, err)
		s.notify(err)
		return out, err
	}
	s.applySent(out.Message)
	return out, nil
}

// StartConversation returns the conversation with otherUserId, creating it if needed
func (s *Session) StartConversation(ctx context.Context, otherUserId string) (*entity.Conversation, error) {
	conv, err := s.dispatcher.StartConversation(ctx, otherUserId)
	if err != nil {
		s.notify(err)
		return nil, err
	}
	s.listener.OnConversationsChanged()
	return conv, nil
}

// MessageUser opens the conversation with otherUserId and sends content into it
func (s *Session) MessageUser(ctx context.Context, otherUserId, content string) (*dispatcher.Outcome, error) {
	out, err := s.dispatcher.MessageUser(ctx, otherUserId, content)
	conversationId := s.thread.OpenID()
	s.listener.OnConversationsChanged()
	s.listener.OnThreadChanged(conversationId)
	if err != nil {
		s.dropIfGone(conversationId, err)
		s.notify(err)
		return out, err
	}
	s.applySent(out.Message)
	return out, nil
}

// applySent moves the list preview to a message the server accepted
func (s *Session) applySent(msg *entity.Message) {
	if msg == nil || msg.ConversationId == "" {
		return
	}
	if s.list.ApplyPatch(entity.ConversationPatch{
		ConversationId: msg.ConversationId,
		LastMessage:    msg.Preview(),
		LastActivity:   msg.Timestamp,
	}) {
		s.listener.OnConversationsChanged()
	}
}

// SendState returns the send state of a conversation
func (s *Session) SendState(conversationId string) dispatcher.State {
	return s.dispatcher.State(conversationId)
}

// State returns the channel state
func (s *Session) State() entity.ConnState {
	return s.conn.State()
}

// BannerVisible reports whether the "cannot connect" banner is shown
func (s *Session) BannerVisible() bool {
	return s.conn.BannerVisible()
}

// Identity returns the signed-in user, nil when signed out
func (s *Session) Identity() *entity.Identity {
	return s.resolver.Current()
}

func (s *Session) dropIfGone(conversationId string, err error) {
	if conversationId == "" || !errors.Is(err, errcode.ErrConvNotFound) {
		return
	}
	s.thread.Close()
	if s.list.Remove(conversationId) {
		s.listener.OnConversationsChanged()
	}
	s.listener.OnThreadChanged("")
}

func (s *Session) notify(err error) {
	if err == nil || errors.Is(err, errcode.ErrThreadSuperseded) {
		return
	}
	s.listener.OnNotice(Notice{
		Kind:    errcode.KindOf(err),
		Message: errcode.MessageOf(err),
		Err:     err,
	})
}

// countUnread bumps the unread badge of a conversation that advanced while not open
func (s *Session) countUnread(conversationId, senderId string, advanced bool) {
	if !advanced || conversationId == s.thread.OpenID() || s.resolver.IsSelf(senderId) {
		return
	}
	s.list.IncrementUnread(conversationId)
}
