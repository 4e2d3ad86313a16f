package session

import "errors"

// State is the local process's relationship to the voice channel.
type State int

const (
	// StateDisconnected: no gateway room joined.
	StateDisconnected State = iota
	// StatePreviewing: room joined, no audio published and none played.
	StatePreviewing
	// StateConnected: local audio published, remote audio audible.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StatePreviewing:
		return "previewing"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	ErrActiveSession = errors.New("session already active")
	ErrNotPreviewing = errors.New("session is not previewing")
	ErrNotConnected  = errors.New("session is not connected")
	ErrJoinFailed    = errors.New("join failed")
	ErrJoinCanceled  = errors.New("join canceled by teardown")
)
