package entity

import "time"

// Now returns the current instant at the precision the backend stores
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// ConnState is the state of the real-time channel
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns the state name
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}
