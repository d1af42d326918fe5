package gateway

import (
	"errors"

	"github.com/mbeoliero/marketchat/pkg/errcode"
)

// Gateway errors
var (
	ErrConnClosed       = errcode.ErrConnClosed
	ErrWriteChannelFull = errcode.ErrWriteChannelFull
	ErrInvalidProtocol  = errcode.ErrInvalidProtocol
	ErrPanic            = errors.New("panic error")
)
