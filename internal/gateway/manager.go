package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/marketchat/internal/config"
	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/pkg/errcode"
	"github.com/mbeoliero/marketchat/pkg/metrics"
)

// Handler receives everything the channel delivers.
// Callbacks run one at a time on the Manager's loop goroutine and must not call Disconnect.
type Handler interface {
	OnMessageDelivered(ev *NewMessageEvent)
	OnConversationPatched(ev *ChatListUpdateEvent)
	OnConnectionStateChanged(state entity.ConnState)
	OnConnectTimeout()
	OnConnectError(err error)
}

// Manager owns the single real-time channel of a session
type Manager struct {
	cfg     config.GatewayConfig
	dialer  Dialer
	handler Handler
	metrics *metrics.Metrics
	token   func() string

	mu      sync.Mutex
	state   entity.ConnState
	banner  bool
	running bool
	thread  string
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithMetrics records channel activity on m
func WithMetrics(m *metrics.Metrics) ManagerOption {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithTokenSource sets where the credential for the handshake comes from
func WithTokenSource(fn func() string) ManagerOption {
	return func(mgr *Manager) {
		mgr.token = fn
	}
}

// NewManager creates a disconnected Manager
func NewManager(cfg config.GatewayConfig, dialer Dialer, handler Handler, opts ...ManagerOption) *Manager {
	if cfg.ReconnectMinDelay <= 0 {
		cfg.ReconnectMinDelay = time.Second
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectMinDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectMinDelay
	}
	m := &Manager{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		token:   func() string { return "" },
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect starts the channel for identity. It is a no-op while the channel is connecting or connected.
func (m *Manager) Connect(identity *entity.Identity) error {
	if identity == nil || identity.UserId == "" {
		return errcode.ErrTokenMissing
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.loop(ctx, identity, m.done)
	return nil
}

// Disconnect tears the channel down. It is idempotent and no callback fires after it returns.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// JoinThread makes conversationId the room the channel is in; it is sent once connected
func (m *Manager) JoinThread(conversationId string) {
	m.mu.Lock()
	m.thread = conversationId
	m.mu.Unlock()
	m.signal()
}

// LeaveThread leaves the room of conversationId if it is the current one
func (m *Manager) LeaveThread(conversationId string) {
	m.mu.Lock()
	if m.thread == conversationId {
		m.thread = ""
	}
	m.mu.Unlock()
	m.signal()
}

// State returns the channel state
func (m *Manager) State() entity.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BannerVisible reports whether the channel failed to connect within the connect timeout
func (m *Manager) BannerVisible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banner
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

type dialResult struct {
	conn ClientConn
	err  error
}

type inbound struct {
	conn ClientConn
	data []byte
	err  error
}

// loop owns the connection; every handler callback is issued from here
func (m *Manager) loop(ctx context.Context, identity *entity.Identity, done chan struct{}) {
	var (
		conn     ClientConn
		joined   string
		attempt  int
		dialCh   chan dialResult
		frames   = make(chan inbound)
		retry    *time.Timer
		retryC   <-chan time.Time
		banner   *time.Timer
		bannerC  <-chan time.Time
		stopping bool
	)

	defer func() {
		if conn != nil {
			conn.Close()
		}
		stopTimer(retry)
		stopTimer(banner)
		m.mu.Lock()
		m.running = false
		m.banner = false
		if ctx.Err() != nil {
			// torn down by Disconnect, report nothing
			m.state = entity.StateDisconnected
		}
		m.mu.Unlock()
		m.metrics.SetConnState(entity.StateDisconnected)
		close(done)
	}()

	armBanner := func() {
		if banner == nil && m.cfg.ConnectTimeout > 0 && !m.BannerVisible() {
			banner = time.NewTimer(m.cfg.ConnectTimeout)
			bannerC = banner.C
		}
	}
	disarmBanner := func() {
		stopTimer(banner)
		banner, bannerC = nil, nil
	}

	dial := func() {
		m.setState(ctx, entity.StateConnecting)
		armBanner()
		token := m.token()
		rawURL, err := channelURL(m.cfg.URL, token)
		ch := make(chan dialResult, 1)
		dialCh = ch
		if err != nil {
			ch <- dialResult{err: err}
			return
		}
		header := http.Header{}
		if token != "" {
			header.Set(HeaderAuthorization, "Bearer "+token)
		}
		go func() {
			c, err := m.dialer.Dial(ctx, rawURL, header)
			if err == nil && ctx.Err() != nil {
				c.Close()
				return
			}
			ch <- dialResult{conn: c, err: err}
		}()
	}

	scheduleRetry := func() {
		delay := Backoff(attempt, m.cfg.ReconnectMinDelay, m.cfg.ReconnectMaxDelay)
		attempt++
		log.CtxInfo(ctx, "channel reconnect scheduled: user_id=%s, attempt=%d, delay=%s", identity.UserId, attempt, delay)
		retry = time.NewTimer(delay)
		retryC = retry.C
	}

	dial()

	for !stopping {
		select {
		case <-ctx.Done():
			return

		case res := <-dialCh:
			dialCh = nil
			if res.err != nil {
				if ctx.Err() != nil {
					return
				}
				log.CtxWarn(ctx, "channel connect error: user_id=%s, error=%v", identity.UserId, res.err)
				m.metrics.ObservePush(EventConnectError)
				m.deliver(ctx, func() { m.handler.OnConnectError(res.err) })
				m.setState(ctx, entity.StateDisconnected)
				if errcode.IsAuth(res.err) {
					stopping = true
					continue
				}
				scheduleRetry()
				continue
			}

			conn = res.conn
			joined = ""
			attempt = 0
			go m.readLoop(ctx, conn, frames)
			disarmBanner()
			m.mu.Lock()
			m.banner = false
			m.mu.Unlock()

			log.CtxInfo(ctx, "channel connected: user_id=%s", identity.UserId)
			m.metrics.ObservePush(EventConnect)
			m.send(ctx, conn, EventJoin, JoinPayload{UserId: identity.UserId})
			joined = m.syncRoom(ctx, conn, joined)
			m.setState(ctx, entity.StateConnected)

		case in := <-frames:
			if in.conn != conn {
				continue
			}
			if in.err != nil {
				log.CtxWarn(ctx, "channel dropped: user_id=%s, error=%v", identity.UserId, in.err)
				m.metrics.ObservePush(EventDisconnect)
				conn.Close()
				conn = nil
				m.setState(ctx, entity.StateDisconnected)
				armBanner()
				scheduleRetry()
				continue
			}
			m.dispatch(ctx, in.data)

		case <-m.wake:
			if conn != nil {
				joined = m.syncRoom(ctx, conn, joined)
			}

		case <-retryC:
			retry, retryC = nil, nil
			m.metrics.ObserveReconnect()
			dial()

		case <-bannerC:
			banner, bannerC = nil, nil
			m.mu.Lock()
			m.banner = true
			m.mu.Unlock()
			log.CtxWarn(ctx, "channel not connected after %s: user_id=%s", m.cfg.ConnectTimeout, identity.UserId)
			m.deliver(ctx, m.handler.OnConnectTimeout)
		}
	}
}

// readLoop forwards frames of conn to the loop until conn fails
func (m *Manager) readLoop(ctx context.Context, conn ClientConn, frames chan<- inbound) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			log.CtxError(ctx, "channel read loop panic: error=%v", r)
		}
		select {
		case frames <- inbound{conn: conn, err: err}:
		case <-ctx.Done():
		}
	}()

	for {
		var data []byte
		data, err = conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case frames <- inbound{conn: conn, data: data}:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
	}
}

// syncRoom moves the connection into the wanted thread room, returning the room now joined
func (m *Manager) syncRoom(ctx context.Context, conn ClientConn, joined string) string {
	m.mu.Lock()
	want := m.thread
	m.mu.Unlock()

	if want == joined {
		return joined
	}
	if joined != "" {
		m.send(ctx, conn, EventLeaveChat, ChatRoomPayload{ConversationId: joined})
	}
	if want != "" {
		if err := m.send(ctx, conn, EventJoinChat, ChatRoomPayload{ConversationId: want}); err != nil {
			return ""
		}
	}
	return want
}

func (m *Manager) send(ctx context.Context, conn ClientConn, event string, payload any) error {
	data, err := EncodeFrame(event, payload)
	if err != nil {
		log.CtxError(ctx, "encode frame failed: event=%s, error=%v", event, err)
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		log.CtxWarn(ctx, "write frame failed: event=%s, error=%v", event, err)
		return err
	}
	log.CtxDebug(ctx, "frame sent: event=%s", event)
	return nil
}

// dispatch validates an inbound frame and hands it to the handler
func (m *Manager) dispatch(ctx context.Context, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		m.metrics.ObserveInvalidFrame()
		log.CtxWarn(ctx, "drop frame: error=%v", err)
		return
	}

	switch frame.Event {
	case EventNewMessage:
		ev, err := DecodeNewMessage(frame.Data)
		if err != nil {
			m.metrics.ObserveInvalidFrame()
			log.CtxWarn(ctx, "drop frame: event=%s, error=%v", frame.Event, err)
			return
		}
		m.metrics.ObservePush(frame.Event)
		m.deliver(ctx, func() { m.handler.OnMessageDelivered(ev) })
	case EventChatListUpdate:
		ev, err := DecodeChatListUpdate(frame.Data)
		if err != nil {
			m.metrics.ObserveInvalidFrame()
			log.CtxWarn(ctx, "drop frame: event=%s, error=%v", frame.Event, err)
			return
		}
		m.metrics.ObservePush(frame.Event)
		m.deliver(ctx, func() { m.handler.OnConversationPatched(ev) })
	default:
		log.CtxDebug(ctx, "ignore frame: event=%s", frame.Event)
	}
}

func (m *Manager) setState(ctx context.Context, state entity.ConnState) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	m.mu.Unlock()
	if !changed {
		return
	}
	m.metrics.SetConnState(state)
	m.deliver(ctx, func() { m.handler.OnConnectionStateChanged(state) })
}

// deliver runs fn unless the channel is being torn down
func (m *Manager) deliver(ctx context.Context, fn func()) {
	if ctx.Err() != nil {
		return
	}
	fn()
}

// Backoff returns the jittered reconnect delay for the given attempt.
// The delay doubles per attempt from minDelay and is capped at maxDelay, then jittered into [d/2, d].
func Backoff(attempt int, minDelay, maxDelay time.Duration) time.Duration {
	delay := minDelay
	for i := 0; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + rand.N(half+1)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
