package app

import (
	"github.com/dkeye/Chatline/internal/core"
	"github.com/dkeye/Chatline/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickSession
)

// Policy decides what happens to a session whose send buffer is full.
type Policy interface {
	OnBackPressure(sid core.SessionID, uid domain.UserID) BackpressureAction
}

// SimplePolicy kicks slow sessions; the client reconnects with a fresh buffer.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.SessionID, domain.UserID) BackpressureAction {
	return KickSession
}
