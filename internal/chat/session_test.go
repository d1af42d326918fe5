package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/marketchat/internal/config"
	"github.com/mbeoliero/marketchat/internal/dispatcher"
	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/internal/identity"
	"github.com/mbeoliero/marketchat/internal/store"
	"github.com/mbeoliero/marketchat/pkg/errcode"
	"github.com/mbeoliero/marketchat/pkg/metrics"
	"github.com/mbeoliero/marketchat/sdk"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type recorder struct {
	NopListener
	mu      sync.Mutex
	notices []Notice
	states  []entity.ConnState
}

func (r *recorder) OnNotice(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recorder) OnConnectionStateChanged(state entity.ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) lastNotice() (Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return Notice{}, false
	}
	return r.notices[len(r.notices)-1], true
}

func (r *recorder) lastState() entity.ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return entity.StateDisconnected
	}
	return r.states[len(r.states)-1]
}

type fixture struct {
	backend  *fakeBackend
	resolver *identity.Resolver
	listener *recorder
	session  *Session
	logouts  atomic.Int32
}

func testConfig(b *fakeBackend) *config.Config {
	return &config.Config{
		API: config.APIConfig{BaseURL: b.server.URL, Prefix: "/api"},
		Gateway: config.GatewayConfig{
			URL:               b.wsURL(),
			ConnectTimeout:    2 * time.Second,
			ReconnectMinDelay: 20 * time.Millisecond,
			ReconnectMaxDelay: 100 * time.Millisecond,
			WriteWait:         time.Second,
			PongWait:          10 * time.Second,
			PingPeriod:        5 * time.Second,
			MaxMessageSize:    51200,
			WriteChannelSize:  64,
		},
		Chat: config.ChatConfig{ServerEcho: true, MachineID: 1},
	}
}

// newFixture signs u1 in against a backend holding c1 (with Bob) and c2 (with Carol)
func newFixture(t *testing.T, setup ...func(b *fakeBackend)) *fixture {
	t.Helper()
	return newFixtureWithResolver(t, identity.NewResolver(), setup...)
}

func newFixtureWithResolver(t *testing.T, resolver *identity.Resolver, setup ...func(b *fakeBackend)) *fixture {
	t.Helper()
	b := newFakeBackend(t)
	b.addConversation("c1", "u1", "u2", t0, 2)
	b.addConversation("c2", "u1", "u3", t0.Add(time.Minute), 0)
	for _, fn := range setup {
		fn(b)
	}

	f := &fixture{backend: b, resolver: resolver, listener: &recorder{}}
	_, err := f.resolver.SetCredential(b.login(t, "u1"))
	require.NoError(t, err)

	cfg := testConfig(b)
	api, err := sdk.NewClient(cfg.API.BaseURL, sdk.WithPrefix(cfg.API.Prefix))
	require.NoError(t, err)

	f.session, err = New(cfg, api, f.resolver,
		WithListener(f.listener),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
		WithLogout(func() {
			f.logouts.Add(1)
			f.resolver.Clear()
		}),
	)
	require.NoError(t, err)
	t.Cleanup(f.session.Close)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.session.State() == entity.StateConnected && f.backend.count("join:u1") > 0
	}, waitFor, tick)
}

func (f *fixture) open(t *testing.T, id string) {
	t.Helper()
	joins := f.backend.count("join_chat:" + id)
	_, err := f.session.OpenThread(context.Background(), id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.backend.count("join_chat:"+id) > joins }, waitFor, tick)
}

func (f *fixture) conversation(t *testing.T, id string) *entity.Conversation {
	t.Helper()
	conv, ok := f.session.Conversation(id)
	require.True(t, ok, "conversation %s not listed", id)
	return conv
}

func (f *fixture) preview(id string) string {
	conv, ok := f.session.Conversation(id)
	if !ok || conv.LastMessage == nil {
		return ""
	}
	return conv.LastMessage.Content
}

func countContent(messages []*entity.Message, content string) (n int, temporary bool) {
	for _, m := range messages {
		if m.Content == content {
			n++
			temporary = temporary || m.IsTemporary
		}
	}
	return n, temporary
}

func conversationIds(convs []*entity.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.Id
	}
	return out
}

func TestSession_Start(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	assert.Equal(t, []string{"c2", "c1"}, conversationIds(f.session.Conversations(store.Filter{})))
	assert.Equal(t, "Bob", f.conversation(t, "c1").OtherUser.Name)
	assert.Equal(t, "u1", f.session.Identity().UserId)
	assert.False(t, f.session.BannerVisible())
	assert.Eventually(t, func() bool { return f.listener.lastState() == entity.StateConnected }, waitFor, tick)
}

func TestSession_WaitsForCredential(t *testing.T) {
	f := newFixture(t)
	f.resolver.Clear()

	require.NoError(t, f.session.Start(context.Background()))
	assert.Equal(t, entity.StateDisconnected, f.session.State())
	assert.Empty(t, f.session.Conversations(store.Filter{}))

	_, err := f.resolver.SetCredential(f.backend.login(t, "u1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.session.State() == entity.StateConnected && len(f.session.Conversations(store.Filter{})) == 2
	}, waitFor, tick)
}

func TestSession_UnreadCounting(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	assert.Equal(t, 2, f.conversation(t, "c1").UnreadCount)

	f.open(t, "c1")
	assert.Zero(t, f.conversation(t, "c1").UnreadCount)

	// the open thread takes the message without counting it
	f.backend.say("c1", "u2", "are you there?")
	require.Eventually(t, func() bool {
		n, _ := countContent(f.session.Messages(), "are you there?")
		return n == 1 && f.preview("c1") == "are you there?"
	}, waitFor, tick)
	assert.Zero(t, f.conversation(t, "c1").UnreadCount)

	// an unopened conversation counts once per message
	f.backend.say("c2", "u3", "yo")
	require.Eventually(t, func() bool { return f.preview("c2") == "yo" }, waitFor, tick)
	assert.Equal(t, 1, f.conversation(t, "c2").UnreadCount)
	n, _ := countContent(f.session.Messages(), "yo")
	assert.Zero(t, n)

	// a second notification for the same message does not count again
	last := f.backend.say("c2", "u3", "still there?")
	require.Eventually(t, func() bool { return f.preview("c2") == "still there?" }, waitFor, tick)
	f.backend.toUser("u1", "chat_list_update", map[string]any{
		"userId":       "u1",
		"chatId":       "c2",
		"lastMessage":  last.Preview(),
		"lastActivity": last.Timestamp,
	})
	f.backend.say("c2", "u3", "hello?")
	require.Eventually(t, func() bool { return f.preview("c2") == "hello?" }, waitFor, tick)
	assert.Equal(t, 3, f.conversation(t, "c2").UnreadCount)

	// my own messages from another device do not count
	f.backend.say("c2", "u1", "sorry, here")
	require.Eventually(t, func() bool { return f.preview("c2") == "sorry, here" }, waitFor, tick)
	assert.Equal(t, 3, f.conversation(t, "c2").UnreadCount)

	// switching threads resets the newly opened one
	f.open(t, "c2")
	assert.Zero(t, f.conversation(t, "c2").UnreadCount)
	assert.Equal(t, 1, f.backend.count("leave_chat:c1"))
}

func TestSession_IgnoresOtherUsersListUpdates(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.backend.toUser("u1", "chat_list_update", map[string]any{
		"userId":       "u9",
		"chatId":       "c1",
		"lastMessage":  map[string]any{"content": "not yours", "timestamp": time.Now().UTC(), "sender": "u9"},
		"lastActivity": time.Now().UTC(),
	})
	f.backend.say("c2", "u3", "marker")
	require.Eventually(t, func() bool { return f.preview("c2") == "marker" }, waitFor, tick)

	assert.Equal(t, "earlier in c1", f.preview("c1"))
	assert.Equal(t, 2, f.conversation(t, "c1").UnreadCount)
	assert.Equal(t, []string{"c2", "c1"}, conversationIds(f.session.Conversations(store.Filter{})))
}

func TestSession_SendWithEcho(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.open(t, "c1")

	out, err := f.session.Send(context.Background(), "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, dispatcher.StateConfirmed, out.State)
	assert.Equal(t, "hello", out.Message.Content)
	assert.Equal(t, "hello", f.preview("c1"))

	require.Eventually(t, func() bool {
		n, temporary := countContent(f.session.Messages(), "hello")
		return n == 1 && !temporary
	}, waitFor, tick)

	// anything after the echo proves it was handled exactly once
	f.backend.say("c1", "u2", "got it")
	require.Eventually(t, func() bool {
		n, _ := countContent(f.session.Messages(), "got it")
		return n == 1
	}, waitFor, tick)
	n, _ := countContent(f.session.Messages(), "hello")
	assert.Equal(t, 1, n)
	assert.Zero(t, f.conversation(t, "c1").UnreadCount)

	ids := f.backend.sentClientIds()
	require.Len(t, ids, 1)
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, dispatcher.StateIdle, f.session.SendState("c1"))
}

func TestSession_SendRejected(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.session.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, errcode.ErrNoOpenThread)

	f.open(t, "c1")
	_, err = f.session.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, errcode.ErrEmptyMessage)

	n, ok := f.listener.lastNotice()
	require.True(t, ok)
	assert.Equal(t, errcode.KindValidation, n.Kind)
	assert.Equal(t, "message is empty", n.Message)
	assert.Empty(t, f.backend.sentClientIds())
}

func TestSession_StartConversationWithSelf(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.session.StartConversation(context.Background(), "u1")
	assert.ErrorIs(t, err, errcode.ErrSelfChat)
	assert.Zero(t, f.backend.starts())

	n, ok := f.listener.lastNotice()
	require.True(t, ok)
	assert.Equal(t, "cannot message yourself", n.Message)
}

func TestSession_MessageUser(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	out, err := f.session.MessageUser(context.Background(), "u4", "is the bike still for sale?")
	require.NoError(t, err)
	assert.Equal(t, dispatcher.StateConfirmed, out.State)

	id := f.session.OpenID()
	require.NotEmpty(t, id)
	assert.Equal(t, "Dave", f.conversation(t, id).OtherUser.Name)
	assert.Equal(t, "is the bike still for sale?", f.preview(id))
	assert.Equal(t, id, f.session.Conversations(store.Filter{})[0].Id)

	// reusing the conversation does not create another one
	conv, err := f.session.StartConversation(context.Background(), "u4")
	require.NoError(t, err)
	assert.Equal(t, id, conv.Id)
	assert.Len(t, f.session.Conversations(store.Filter{}), 3)
}

func TestSession_DeletedConversation(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.backend.deleteConversation("c2")

	_, err := f.session.OpenThread(context.Background(), "c2")
	assert.ErrorIs(t, err, errcode.ErrConvNotFound)
	assert.Empty(t, f.session.OpenID())
	_, ok := f.session.Conversation("c2")
	assert.False(t, ok)

	n, ok := f.listener.lastNotice()
	require.True(t, ok)
	assert.Equal(t, errcode.KindConflict, n.Kind)

	f.open(t, "c1")
	f.backend.deleteConversation("c1")
	out, err := f.session.Send(context.Background(), "anyone?")
	assert.ErrorIs(t, err, errcode.ErrConvNotFound)
	assert.Equal(t, "anyone?", out.Draft)
	assert.Empty(t, f.session.OpenID())
	assert.Empty(t, f.session.Conversations(store.Filter{}))
}

func TestSession_UnauthorizedLogsOut(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.open(t, "c1")

	f.backend.revoke()
	err := f.session.Refresh(context.Background())
	assert.True(t, errcode.IsAuth(err))
	assert.EqualValues(t, 1, f.logouts.Load())

	assert.Nil(t, f.session.Identity())
	assert.Equal(t, entity.StateDisconnected, f.session.State())
	assert.Empty(t, f.session.Conversations(store.Filter{}))
	assert.Empty(t, f.session.OpenID())
	assert.Equal(t, entity.StateDisconnected, f.listener.lastState())

	// signed out, nothing reaches the server and nobody logs out again
	err = f.session.Refresh(context.Background())
	assert.ErrorIs(t, err, errcode.ErrTokenMissing)
	assert.EqualValues(t, 1, f.logouts.Load())
}

func TestSession_CredentialExpiry(t *testing.T) {
	// test tokens live an hour; this clock puts their exp one to two seconds away
	clock := func() time.Time { return time.Now().Add(time.Hour - 2*time.Second) }
	f := newFixtureWithResolver(t, identity.NewResolver(identity.WithClock(clock)))
	f.start(t)
	f.open(t, "c1")

	require.Eventually(t, func() bool {
		return f.resolver.Token() == "" &&
			f.session.State() == entity.StateDisconnected &&
			f.listener.lastState() == entity.StateDisconnected
	}, 5*time.Second, tick)
	assert.Nil(t, f.session.Identity())
	assert.Empty(t, f.session.Conversations(store.Filter{}))
	assert.Empty(t, f.session.OpenID())
	// expiry ends the session without a logout round
	assert.Zero(t, f.logouts.Load())
}

func TestSession_ChannelRejectsCredential(t *testing.T) {
	f := newFixture(t, func(b *fakeBackend) { b.rejectChannel = true })

	// the logout may land before the list is loaded
	_ = f.session.Start(context.Background())
	require.Eventually(t, func() bool { return f.logouts.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return f.session.Identity() == nil }, waitFor, tick)
	assert.Equal(t, entity.StateDisconnected, f.session.State())
	assert.Empty(t, f.session.Conversations(store.Filter{}))
}

func TestSession_ReconnectRejoins(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.open(t, "c1")

	f.backend.dropConnections()
	require.Eventually(t, func() bool {
		return f.backend.count("join:u1") == 2 && f.backend.count("join_chat:c1") == 2
	}, waitFor, tick)
	require.Eventually(t, func() bool { return f.session.State() == entity.StateConnected }, waitFor, tick)

	f.backend.say("c1", "u2", "back online")
	require.Eventually(t, func() bool {
		n, _ := countContent(f.session.Messages(), "back online")
		return n == 1
	}, waitFor, tick)
}

func TestSession_SwitchUser(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.open(t, "c1")

	_, err := f.resolver.SetCredential(f.backend.login(t, "u3"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.backend.count("join:u3") == 1 &&
			len(f.session.Conversations(store.Filter{})) == 1
	}, waitFor, tick)
	assert.Equal(t, "c2", f.session.Conversations(store.Filter{})[0].Id)
	assert.Empty(t, f.session.OpenID())
	assert.Empty(t, f.session.Messages())
}

func TestSession_Close(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.session.Close()
	f.session.Close()
	assert.Equal(t, entity.StateDisconnected, f.session.State())

	// the session no longer follows the credential
	f.resolver.Clear()
	assert.Len(t, f.session.Conversations(store.Filter{}), 2)
}
