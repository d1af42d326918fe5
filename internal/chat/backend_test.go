package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/internal/gateway"
	"github.com/mbeoliero/marketchat/internal/identity"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

var users = map[string]string{
	"u1": "Alice",
	"u2": "Bob",
	"u3": "Carol",
	"u4": "Dave",
}

// testToken builds a credential for userId; the backend only checks it is known
func testToken(t *testing.T, userId string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, identity.Claims{
		UserId: userId,
		Name:   users[userId],
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

type backendConv struct {
	id           string
	participants [2]string
	messages     []*entity.Message
	lastMessage  *entity.MessagePreview
	lastActivity time.Time
	unread       map[string]int
}

func (c *backendConv) has(userId string) bool {
	return c.participants[0] == userId || c.participants[1] == userId
}

func (c *backendConv) view(userId string, withMessages bool) *entity.Conversation {
	out := &entity.Conversation{
		Id:           c.id,
		LastActivity: c.lastActivity,
		UnreadCount:  c.unread[userId],
	}
	for _, p := range c.participants {
		ref := entity.UserRef{Id: p, Name: users[p]}
		out.Participants = append(out.Participants, ref)
		if p != userId {
			other := ref
			out.OtherUser = &other
		}
	}
	if c.lastMessage != nil {
		lm := *c.lastMessage
		out.LastMessage = &lm
	}
	if withMessages {
		for _, m := range c.messages {
			out.Messages = append(out.Messages, m.Clone())
		}
	}
	return out
}

type peer struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	userId string
	rooms  map[string]bool
}

func (p *peer) write(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteMessage(websocket.TextMessage, data)
}

// fakeBackend serves the REST endpoints and the real-time channel from memory
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	tokens        map[string]string
	convs         map[string]*backendConv
	peers         map[*peer]bool
	events        []string
	clientIds     []string
	startCalls    int
	seq           int
	revoked       bool
	rejectChannel bool
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		t:      t,
		tokens: make(map[string]string),
		convs:  make(map[string]*backendConv),
		peers:  make(map[*peer]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", b.authed(b.listConversations))
	mux.HandleFunc("GET /api/conversations/{id}", b.authed(b.getConversation))
	mux.HandleFunc("POST /api/conversations/start", b.authed(b.startConversation))
	mux.HandleFunc("POST /api/conversations/{id}/messages", b.authed(b.postMessage))
	mux.HandleFunc("GET /ws", b.serveChannel)

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
}

func (b *fakeBackend) login(t *testing.T, userId string) string {
	token := testToken(t, userId)
	b.mu.Lock()
	b.tokens[token] = userId
	b.mu.Unlock()
	return token
}

func (b *fakeBackend) addConversation(id, a, c string, activity time.Time, unreadForA int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convs[id] = &backendConv{
		id:           id,
		participants: [2]string{a, c},
		lastMessage:  &entity.MessagePreview{Content: "earlier in " + id, Timestamp: activity, Sender: entity.UserRef{Id: c}},
		lastActivity: activity,
		unread:       map[string]int{a: unreadForA},
	}
}

func (b *fakeBackend) deleteConversation(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.convs, id)
}

func (b *fakeBackend) revoke() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked = true
}

func (b *fakeBackend) userOf(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	userId, ok := b.tokens[token]
	return userId, ok && !b.revoked
}

func (b *fakeBackend) authed(fn func(w http.ResponseWriter, r *http.Request, userId string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userId, ok := b.userOf(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Not authorized, token failed"})
			return
		}
		fn(w, r, userId)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) listConversations(w http.ResponseWriter, _ *http.Request, userId string) {
	b.mu.Lock()
	out := []*entity.Conversation{}
	for _, c := range b.convs {
		if c.has(userId) {
			out = append(out, c.view(userId, false))
		}
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *fakeBackend) getConversation(w http.ResponseWriter, r *http.Request, userId string) {
	b.mu.Lock()
	c, ok := b.convs[r.PathValue("id")]
	var out *entity.Conversation
	if ok && c.has(userId) {
		c.unread[userId] = 0
		out = c.view(userId, true)
	}
	b.mu.Unlock()
	if out == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Chat not found"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *fakeBackend) startConversation(w http.ResponseWriter, r *http.Request, userId string) {
	var req struct {
		OtherUserId string `json:"otherUserId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	b.startCalls++
	if req.OtherUserId == "" || req.OtherUserId == userId {
		b.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid user"})
		return
	}
	for _, c := range b.convs {
		if c.has(userId) && c.has(req.OtherUserId) {
			out := c.view(userId, false)
			b.mu.Unlock()
			writeJSON(w, http.StatusOK, out)
			return
		}
	}
	b.seq++
	c := &backendConv{
		id:           fmt.Sprintf("c%d", 100+b.seq),
		participants: [2]string{userId, req.OtherUserId},
		lastActivity: entity.Now(),
		unread:       map[string]int{},
	}
	b.convs[c.id] = c
	out := c.view(userId, false)
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, out)
}

func (b *fakeBackend) postMessage(w http.ResponseWriter, r *http.Request, userId string) {
	var req struct {
		Content     string `json:"content"`
		ClientMsgId string `json:"clientMsgId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	b.clientIds = append(b.clientIds, req.ClientMsgId)
	b.mu.Unlock()

	msg, ok := b.persist(r.PathValue("id"), userId, req.Content, req.ClientMsgId)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Chat not found"})
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// persist stores a message and fans it out the way the real server does:
// new_message to the conversation room, chat_list_update to each participant's personal room
func (b *fakeBackend) persist(convId, senderId, content, clientMsgId string) (*entity.Message, bool) {
	b.mu.Lock()
	c, ok := b.convs[convId]
	if !ok || !c.has(senderId) {
		b.mu.Unlock()
		return nil, false
	}
	b.seq++
	msg := &entity.Message{
		Id:             fmt.Sprintf("m%d", b.seq),
		ConversationId: convId,
		Sender:         entity.UserRef{Id: senderId, Name: users[senderId]},
		Content:        content,
		Timestamp:      entity.Now(),
		ClientMsgId:    clientMsgId,
	}
	c.messages = append(c.messages, msg)
	c.lastMessage = msg.Preview()
	c.lastActivity = msg.Timestamp
	for _, p := range c.participants {
		if p != senderId {
			c.unread[p]++
		}
	}
	participants := c.participants
	b.mu.Unlock()

	b.toRoom(convId, gateway.EventNewMessage, gateway.NewMessageEvent{
		ChatId:       convId,
		Message:      msg,
		LastMessage:  msg.Preview(),
		LastActivity: msg.Timestamp,
	})
	for _, p := range participants {
		b.toUser(p, gateway.EventChatListUpdate, gateway.ChatListUpdateEvent{
			UserId:       p,
			ChatId:       convId,
			LastMessage:  msg.Preview(),
			LastActivity: msg.Timestamp,
		})
	}
	return msg, true
}

// say posts content into convId on behalf of senderId
func (b *fakeBackend) say(convId, senderId, content string) *entity.Message {
	msg, ok := b.persist(convId, senderId, content, "")
	require.True(b.t, ok, "conversation %s", convId)
	return msg
}

func (b *fakeBackend) toRoom(room, event string, payload any) {
	b.broadcast(event, payload, func(p *peer) bool { return p.rooms[room] })
}

func (b *fakeBackend) toUser(userId, event string, payload any) {
	b.broadcast(event, payload, func(p *peer) bool { return p.userId == userId })
}

func (b *fakeBackend) broadcast(event string, payload any, match func(p *peer) bool) {
	data, err := gateway.EncodeFrame(event, payload)
	require.NoError(b.t, err)

	b.mu.Lock()
	var targets []*peer
	for p := range b.peers {
		if match(p) {
			targets = append(targets, p)
		}
	}
	b.mu.Unlock()
	for _, p := range targets {
		p.write(data)
	}
}

func (b *fakeBackend) serveChannel(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.userOf(r); !ok || b.channelRejected() {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication error"})
		return
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn, rooms: make(map[string]bool)}
	b.mu.Lock()
	b.peers[p] = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.peers, p)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := gateway.DecodeFrame(data)
		if err != nil {
			continue
		}
		b.mu.Lock()
		switch frame.Event {
		case gateway.EventJoin:
			var join gateway.JoinPayload
			_ = json.Unmarshal(frame.Data, &join)
			p.userId = join.UserId
			b.events = append(b.events, "join:"+join.UserId)
		case gateway.EventJoinChat:
			var room gateway.ChatRoomPayload
			_ = json.Unmarshal(frame.Data, &room)
			p.rooms[room.ConversationId] = true
			b.events = append(b.events, "join_chat:"+room.ConversationId)
		case gateway.EventLeaveChat:
			var room gateway.ChatRoomPayload
			_ = json.Unmarshal(frame.Data, &room)
			delete(p.rooms, room.ConversationId)
			b.events = append(b.events, "leave_chat:"+room.ConversationId)
		}
		b.mu.Unlock()
	}
}

func (b *fakeBackend) channelRejected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejectChannel
}

// dropConnections closes every channel connection from the server side
func (b *fakeBackend) dropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := range b.peers {
		_ = p.conn.Close()
	}
}

func (b *fakeBackend) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == event {
			n++
		}
	}
	return n
}

func (b *fakeBackend) starts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startCalls
}

func (b *fakeBackend) sentClientIds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.clientIds...)
}
