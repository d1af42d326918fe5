package errcode

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the chat core reacts to it
type Kind int

const (
	KindInternal Kind = iota
	// KindAuth is fatal to the session and leads to a global logout
	KindAuth
	// KindTransient is surfaced as a dismissible notice, never retried by the core
	KindTransient
	// KindValidation is rejected before any I/O
	KindValidation
	// KindConflict covers not-found and conflict answers; local state is rolled back
	KindConflict
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error represents a chat core error
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Kind Kind   `json:"-"`
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("errcode: %d, msg: %s: %v", e.Code, e.Msg, e.err)
	}
	return fmt.Sprintf("errcode: %d, msg: %s", e.Code, e.Msg)
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target carries the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new error with code and message
func New(code int, kind Kind, msg string) *Error {
	return &Error{Code: code, Kind: kind, Msg: msg}
}

// Wrap wraps an error with additional context
func (e *Error) Wrap(err error) *Error {
	if err == nil {
		return e
	}
	return &Error{
		Code: e.Code,
		Kind: e.Kind,
		Msg:  e.Msg,
		err:  err,
	}
}

// WithMsg returns a copy of e carrying a server supplied message
func (e *Error) WithMsg(msg string) *Error {
	if msg == "" {
		return e
	}
	return &Error{Code: e.Code, Kind: e.Kind, Msg: msg, err: e.err}
}

// KindOf returns the kind of err, KindInternal when err is not coded
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the text to show for err
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}

// IsAuth reports whether err must end the session
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

var (
	// Common errors (1xxx)
	ErrInvalidParam   = New(1001, KindValidation, "invalid parameter")
	ErrInternalServer = New(1002, KindTransient, "internal server error")
	ErrNotFound       = New(1005, KindConflict, "not found")
	ErrNetwork        = New(1008, KindTransient, "network error")
	ErrBadResponse    = New(1009, KindTransient, "unexpected response")

	// Auth errors (2xxx)
	ErrUnauthorized = New(2000, KindAuth, "session expired, please login again")
	ErrTokenInvalid = New(2001, KindAuth, "token invalid")
	ErrTokenExpired = New(2002, KindAuth, "token expired")
	ErrTokenMissing = New(2003, KindAuth, "token missing")

	// Chat errors (4xxx)
	ErrEmptyMessage     = New(4000, KindValidation, "message is empty")
	ErrSelfChat         = New(4001, KindValidation, "cannot message yourself")
	ErrNoOpenThread     = New(4002, KindValidation, "no conversation is open")
	ErrConvNotFound     = New(4003, KindConflict, "conversation not found")
	ErrSendInFlight     = New(4004, KindValidation, "a message is already being sent")
	ErrSendFailed       = New(4005, KindTransient, "failed to send message")
	ErrLoadFailed       = New(4006, KindTransient, "failed to load chats")
	ErrHistoryFailed    = New(4007, KindTransient, "failed to load chat details")
	ErrThreadSuperseded = New(4008, KindInternal, "thread superseded by a newer open")
	ErrStartChatFailed  = New(4009, KindTransient, "cannot start conversation")
	ErrMissingRecipient = New(4010, KindValidation, "recipient information not available")

	// Channel errors (5xxx)
	ErrNotConnected     = New(5000, KindTransient, "not connected")
	ErrConnClosed       = New(5002, KindTransient, "connection closed")
	ErrInvalidProtocol  = New(5003, KindInternal, "invalid protocol")
	ErrWriteChannelFull = New(5005, KindTransient, "write channel full")
)
