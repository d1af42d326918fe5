package gateway

import "time"

// Channel event names
const (
	// Transport lifecycle, never sent as frames
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"

	// Outbound
	EventJoin      = "join"
	EventJoinChat  = "join_chat"
	EventLeaveChat = "leave_chat"

	// Inbound
	EventNewMessage     = "new_message"
	EventChatListUpdate = "chat_list_update"
)

// Timeout constants used when no configuration is supplied
const (
	// WriteWait is time allowed to write a message to the peer
	WriteWait = 10 * time.Second

	// PongWait is time allowed to read the next pong message from the peer
	PongWait = 60 * time.Second

	// PingPeriod is period between pings. Must be less than PongWait
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize is maximum message size allowed from peer
	MaxMessageSize = 51200

	// WriteChannelSize is the number of frames queued before writes are rejected
	WriteChannelSize = 256
)

// Handshake keys
const (
	QueryToken          = "token"
	HeaderAuthorization = "Authorization"
)
