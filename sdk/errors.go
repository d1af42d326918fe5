package sdk

import (
	"encoding/json"
	"strings"

	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/mbeoliero/marketchat/pkg/errcode"
)

// Errors returned by the client, re-exported for callers that only import sdk
var (
	ErrTokenMissing = errcode.ErrTokenMissing
	ErrUnauthorized = errcode.ErrUnauthorized
	ErrInvalidParam = errcode.ErrInvalidParam
	ErrNotFound     = errcode.ErrNotFound
	ErrNetwork      = errcode.ErrNetwork
	ErrBadResponse  = errcode.ErrBadResponse
	ErrServer       = errcode.ErrInternalServer
)

// errorBody is the error shape the backend answers with
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorFromStatus maps a non-2xx answer onto a coded error, keeping the server's text
func errorFromStatus(status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := strings.TrimSpace(eb.Error)
	if msg == "" {
		msg = strings.TrimSpace(eb.Message)
	}

	switch {
	case status == consts.StatusUnauthorized:
		return ErrUnauthorized
	case status == consts.StatusBadRequest:
		return ErrInvalidParam.WithMsg(msg)
	case status == consts.StatusNotFound:
		return ErrNotFound.WithMsg(msg)
	case status >= consts.StatusInternalServerError:
		return ErrServer.WithMsg(msg)
	default:
		return ErrBadResponse.WithMsg(msg)
	}
}
