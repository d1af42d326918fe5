package chat

import (
	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/pkg/errcode"
)

// Notice is a user-facing, dismissible message
type Notice struct {
	Kind    errcode.Kind
	Message string
	Err     error
}

// Listener receives view updates from a Session.
// Callbacks may run on the channel goroutine and must not block or call back into Close.
type Listener interface {
	OnNotice(n Notice)
	OnConnectionStateChanged(state entity.ConnState)
	OnBannerChanged(visible bool)
	OnConversationsChanged()
	OnThreadChanged(conversationId string)
}

// NopListener ignores every update; embed it to implement only part of Listener
type NopListener struct{}

func (NopListener) OnNotice(Notice)                           {}
func (NopListener) OnConnectionStateChanged(entity.ConnState) {}
func (NopListener) OnBannerChanged(bool)                      {}
func (NopListener) OnConversationsChanged()                   {}
func (NopListener) OnThreadChanged(string)                    {}
