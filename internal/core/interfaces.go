package core

import (
	"errors"

	"github.com/dkeye/Chatline/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is one encoded event ready for the wire.
type Frame []byte

// SessionID is assigned per transport connection and never reused while live.
type SessionID string

// Close codes sent by the server when it terminates a session.
const (
	CloseSuperseded = 4001
	CloseGoingAway  = 1001
)

// SignalConnection abstracts a session's messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	// Terminate sends a close frame with code and reason, then closes.
	Terminate(code int, reason string)
	Close()
}

// PresenceSink observes every change of the online set.
// Implementations must not block.
type PresenceSink interface {
	PresenceChanged(online []domain.UserID)
}

// PresenceSinkFunc adapts a function to PresenceSink.
type PresenceSinkFunc func(online []domain.UserID)

func (f PresenceSinkFunc) PresenceChanged(online []domain.UserID) { f(online) }
