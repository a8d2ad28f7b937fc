// Package call drives one peer-to-peer voice call per client.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Chatline/internal/domain"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOutgoing
	PhaseRinging
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOutgoing:
		return "outgoing-pending"
	case PhaseRinging:
		return "incoming-ringing"
	case PhaseActive:
		return "active"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

var (
	ErrBusy         = errors.New("a call is already in progress")
	ErrInvalidPhase = errors.New("operation not valid in current phase")
	ErrPeerOffline  = errors.New("peer is offline")
	// ErrCallEnded is returned by an operation whose call was torn down while it ran.
	ErrCallEnded = errors.New("call ended")
)

// MediaAcquisitionError reports that the local microphone is unavailable.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string { return "media acquisition: " + e.Err.Error() }
func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// NegotiationError reports a description or candidate rejected by the media layer.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string { return "negotiation " + e.Op + ": " + e.Err.Error() }
func (e *NegotiationError) Unwrap() error { return e.Err }

// Signaler sends call envelopes to the peer through the server relay.
type Signaler interface {
	Send(env domain.Envelope) error
}

// PresenceChecker answers from the latest presence snapshot.
type PresenceChecker interface {
	IsOnline(uid domain.UserID) bool
}

// LocalMedia is an acquired local audio track.
type LocalMedia interface {
	SetEnabled(enabled bool)
	Enabled() bool
	Close() error
}

type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	return [...]string{"new", "connecting", "connected", "disconnected", "failed", "closed"}[s]
}

// Lost reports whether the media path is gone for good.
func (s ConnState) Lost() bool {
	return s == ConnDisconnected || s == ConnFailed || s == ConnClosed
}

// HandleEvents are invoked by a Handle from its own goroutines.
type HandleEvents struct {
	OnCandidate   func(candidate json.RawMessage)
	OnStateChange func(ConnState)
}

// Handle is the negotiation handle for one call attempt.
type Handle interface {
	AttachMedia(m LocalMedia) error
	// CreateOffer and CreateAnswer also set the local description.
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	CreateAnswer(ctx context.Context) (json.RawMessage, error)
	SetRemoteDescription(ctx context.Context, desc json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	Close() error
}

type Negotiator interface {
	NewHandle(peer domain.UserID, events HandleEvents) (Handle, error)
}

type NoticeKind string

const (
	NoticeRejected          NoticeKind = "rejected"
	NoticeEnded             NoticeKind = "ended"
	NoticeUnanswered        NoticeKind = "unanswered"
	NoticeMissed            NoticeKind = "missed"
	NoticeConnectionLost    NoticeKind = "connection-lost"
	NoticeTransportLost     NoticeKind = "transport-lost"
	NoticeNegotiationFailed NoticeKind = "negotiation-failed"
)

// Notice is a one-shot user-visible event about a call.
type Notice struct {
	Kind NoticeKind
	Peer domain.UserID
	Err  error
}

// State is a snapshot of the machine.
type State struct {
	Phase  Phase
	Role   Role
	Peer   domain.UserID
	Caller *domain.User
	Muted  bool
}

// Hooks observe the machine. They run outside the machine's lock.
type Hooks struct {
	OnState  func(State)
	OnNotice func(Notice)
}
