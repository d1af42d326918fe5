package chat

import (
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/internal/gateway"
	"github.com/mbeoliero/marketchat/internal/store"
	"github.com/mbeoliero/marketchat/pkg/errcode"
)

// channelHandler routes channel events into the session stores
type channelHandler struct {
	s *Session
}

var _ gateway.Handler = (*channelHandler)(nil)

func (h *channelHandler) OnMessageDelivered(ev *gateway.NewMessageEvent) {
	s := h.s
	res := s.thread.ReceivePush(ev.Message)
	switch res {
	case store.PushDuplicate:
		s.metrics.ObserveDuplicate()
	case store.PushAppended, store.PushConfirmed:
		s.listener.OnThreadChanged(ev.ChatId)
	}

	advanced := s.list.ApplyPatch(ev.Patch())
	s.countUnread(ev.ChatId, ev.Message.Sender.Id, advanced)
	if advanced {
		s.listener.OnConversationsChanged()
	}
}

func (h *channelHandler) OnConversationPatched(ev *gateway.ChatListUpdateEvent) {
	s := h.s
	if !s.resolver.IsSelf(ev.UserId) {
		log.Debug("chat list update for another user ignored: chat_id=%s", ev.ChatId)
		return
	}

	var senderId string
	if ev.LastMessage != nil {
		senderId = ev.LastMessage.Sender.Id
	}
	advanced := s.list.ApplyPatch(ev.Patch())
	s.countUnread(ev.ChatId, senderId, advanced)
	if advanced {
		s.listener.OnConversationsChanged()
	}
}

func (h *channelHandler) OnConnectionStateChanged(state entity.ConnState) {
	h.s.listener.OnConnectionStateChanged(state)
	if state == entity.StateConnected {
		h.s.listener.OnBannerChanged(false)
	}
}

func (h *channelHandler) OnConnectTimeout() {
	h.s.listener.OnBannerChanged(true)
}

func (h *channelHandler) OnConnectError(err error) {
	if errcode.IsAuth(err) {
		// the channel goroutine cannot wait on its own teardown
		go h.s.handleUnauthorized()
		return
	}
	log.Debug("channel connect error: %v", err)
}
