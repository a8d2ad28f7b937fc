package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Chatline/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultRingTimeout = 30 * time.Second

// session is one call attempt. A pointer to it is the call's identity: every
// asynchronous step re-checks that its session is still current before it
// mutates anything.
type session struct {
	peer   domain.UserID
	role   Role
	phase  Phase
	caller *domain.User

	handle Handle
	media  LocalMedia

	answering bool
	answered  bool
	// described is set once our offer or answer is on the wire.
	described bool
	outbox    []json.RawMessage

	remoteReady bool
	pending     []json.RawMessage

	ring *time.Timer
}

// Machine is the client call state machine. At most one session exists at a
// time; an offer arriving while one does is rejected.
type Machine struct {
	Signaler   Signaler
	Media      MediaSource
	Negotiator Negotiator
	// Presence, when set, makes StartCall refuse offline peers.
	Presence PresenceChecker
	// Profile is attached to outgoing offers for the callee's display.
	Profile *domain.User
	// RingTimeout ends an unanswered outgoing call. Zero disables it.
	RingTimeout time.Duration
	Hooks       Hooks

	mu  sync.Mutex
	cur *session
}

func NewMachine(sig Signaler, media MediaSource, neg Negotiator) *Machine {
	return &Machine{
		Signaler:    sig,
		Media:       media,
		Negotiator:  neg,
		RingTimeout: DefaultRingTimeout,
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.cur
	if s == nil {
		return State{Phase: PhaseIdle}
	}
	st := State{Phase: s.phase, Role: s.role, Peer: s.peer, Caller: s.caller}
	if s.media != nil {
		st.Muted = !s.media.Enabled()
	}
	return st
}

// StartCall acquires the microphone, creates an offer and sends it to peer.
func (m *Machine) StartCall(ctx context.Context, peer domain.UserID) error {
	if !peer.Valid() {
		return fmt.Errorf("start call: %w", domain.ErrUserIDInvalid)
	}
	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	if m.Presence != nil && !m.Presence.IsOnline(peer) {
		m.mu.Unlock()
		return ErrPeerOffline
	}
	s := &session{peer: peer, role: RoleCaller, phase: PhaseOutgoing}
	m.cur = s
	m.mu.Unlock()

	logger := log.With().Str("module", "client.call").Str("peer", string(peer)).Logger()
	logger.Info().Msg("starting call")

	media, err := m.Media.Acquire(ctx)
	if err != nil {
		m.finish(s, nil, "", nil)
		logger.Warn().Err(err).Msg("microphone unavailable")
		return &MediaAcquisitionError{Err: err}
	}
	if !m.adopt(s, func() { s.media = media }) {
		_ = media.Close()
		return ErrCallEnded
	}

	h, err := m.Negotiator.NewHandle(peer, m.handleEvents(s))
	if err != nil {
		return m.fail(s, "create handle", err, "")
	}
	if !m.adopt(s, func() { s.handle = h }) {
		_ = h.Close()
		return ErrCallEnded
	}
	if err := h.AttachMedia(media); err != nil {
		return m.fail(s, "attach media", err, "")
	}
	offer, err := h.CreateOffer(ctx)
	if err != nil {
		return m.fail(s, "create offer", err, "")
	}

	if !m.adopt(s, func() {
		s.phase = PhaseOutgoing
		if m.RingTimeout > 0 {
			s.ring = time.AfterFunc(m.RingTimeout, func() { m.ringExpired(s) })
		}
	}) {
		return ErrCallEnded
	}

	if err := m.Signaler.Send(domain.Envelope{Type: domain.SignalInitiate, To: peer, Payload: offer, Caller: m.Profile}); err != nil {
		m.finish(s, nil, "", &Notice{Kind: NoticeTransportLost, Peer: peer, Err: err})
		return fmt.Errorf("send offer: %w", err)
	}
	var out []json.RawMessage
	if !m.adopt(s, func() {
		s.described = true
		out, s.outbox = s.outbox, nil
	}) {
		// Ended while the offer was in flight; the peer has it now.
		m.send(domain.Envelope{Type: domain.SignalEnd, To: peer})
		return ErrCallEnded
	}
	m.flush(peer, out)
	m.emit()
	return nil
}

// AnswerCall accepts the ringing call. If the microphone cannot be acquired
// the call keeps ringing.
func (m *Machine) AnswerCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.phase != PhaseRinging || s.answering {
		m.mu.Unlock()
		return ErrInvalidPhase
	}
	s.answering = true
	m.mu.Unlock()

	media, err := m.Media.Acquire(ctx)
	if err != nil {
		m.adopt(s, func() { s.answering = false })
		log.Warn().Err(err).Str("module", "client.call").Str("peer", string(s.peer)).Msg("microphone unavailable")
		return &MediaAcquisitionError{Err: err}
	}
	var h Handle
	if !m.adopt(s, func() { s.media, h = media, s.handle }) {
		_ = media.Close()
		return ErrCallEnded
	}
	if err := h.AttachMedia(media); err != nil {
		return m.fail(s, "attach media", err, domain.SignalEnd)
	}
	answer, err := h.CreateAnswer(ctx)
	if err != nil {
		return m.fail(s, "create answer", err, domain.SignalEnd)
	}
	if !m.adopt(s, func() { s.phase = PhaseActive }) {
		return ErrCallEnded
	}

	if err := m.Signaler.Send(domain.Envelope{Type: domain.SignalAnswer, To: s.peer, Payload: answer}); err != nil {
		m.finish(s, nil, "", &Notice{Kind: NoticeTransportLost, Peer: s.peer, Err: err})
		return fmt.Errorf("send answer: %w", err)
	}
	var out, pending []json.RawMessage
	if !m.adopt(s, func() {
		s.described = true
		out, s.outbox = s.outbox, nil
		s.remoteReady = true
		pending, s.pending = s.pending, nil
	}) {
		return ErrCallEnded
	}
	m.flush(s.peer, out)
	m.apply(s, h, pending)
	log.Info().Str("module", "client.call").Str("peer", string(s.peer)).Int("drained", len(pending)).Msg("call answered")
	m.emit()
	return nil
}

// RejectCall declines the ringing call.
func (m *Machine) RejectCall() error {
	ringing := func(s *session) bool { return s.phase == PhaseRinging }
	if !m.finish(nil, ringing, domain.SignalReject, nil) {
		return ErrInvalidPhase
	}
	return nil
}

// EndCall hangs up whatever call exists. It is a no-op when idle.
func (m *Machine) EndCall() {
	m.finish(nil, nil, domain.SignalEnd, nil)
}

// ToggleMute flips the local track and reports whether it is now muted.
// Outside an active call it does nothing.
func (m *Machine) ToggleMute() bool {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.phase != PhaseActive || s.media == nil {
		m.mu.Unlock()
		return false
	}
	enabled := !s.media.Enabled()
	s.media.SetEnabled(enabled)
	m.mu.Unlock()
	m.emit()
	return !enabled
}

// TransportDrop aborts the current call without signaling; the relay is unreachable.
func (m *Machine) TransportDrop() {
	m.mu.Lock()
	s := m.cur
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.finish(s, nil, "", &Notice{Kind: NoticeTransportLost, Peer: s.peer})
}

// HandleSignal processes one envelope received from the relay. Envelopes
// must be delivered in transport order from a single goroutine.
func (m *Machine) HandleSignal(ctx context.Context, env domain.Envelope) {
	switch env.Type {
	case domain.SignalInitiate:
		m.onOffer(ctx, env)
	case domain.SignalAnswer:
		m.onAnswer(ctx, env)
	case domain.SignalICECandidate:
		m.onRemoteCandidate(env)
	case domain.SignalReject:
		m.finish(nil, fromPeer(env.From), "", &Notice{Kind: NoticeRejected, Peer: env.From})
	case domain.SignalEnd:
		m.finish(nil, fromPeer(env.From), "", &Notice{Kind: NoticeEnded, Peer: env.From})
	default:
		log.Warn().Str("module", "client.call").Str("type", string(env.Type)).Msg("unknown signal")
	}
}

func (m *Machine) onOffer(ctx context.Context, env domain.Envelope) {
	m.mu.Lock()
	if m.cur != nil {
		busyWith := m.cur.peer
		m.mu.Unlock()
		log.Info().Str("module", "client.call").Str("from", string(env.From)).Str("busy_with", string(busyWith)).Msg("auto-rejecting offer")
		m.send(domain.Envelope{Type: domain.SignalReject, To: env.From})
		m.notify(Notice{Kind: NoticeMissed, Peer: env.From})
		return
	}
	caller := env.Caller
	if caller == nil {
		caller = &domain.User{ID: env.From}
	}
	s := &session{peer: env.From, role: RoleCallee, caller: caller}
	m.cur = s
	m.mu.Unlock()

	h, err := m.Negotiator.NewHandle(env.From, m.handleEvents(s))
	if err != nil {
		_ = m.fail(s, "create handle", err, domain.SignalReject)
		return
	}
	if !m.adopt(s, func() { s.handle = h }) {
		_ = h.Close()
		return
	}
	if err := h.SetRemoteDescription(ctx, env.Payload); err != nil {
		_ = m.fail(s, "set offer", err, domain.SignalReject)
		return
	}
	// The offer is the remote description: candidates apply from here on.
	var pending []json.RawMessage
	if !m.adopt(s, func() {
		s.phase = PhaseRinging
		s.remoteReady = true
		pending, s.pending = s.pending, nil
	}) {
		return
	}
	if !m.apply(s, h, pending) {
		return
	}
	log.Info().Str("module", "client.call").Str("from", string(env.From)).Msg("incoming call")
	m.emit()
}

func (m *Machine) onAnswer(ctx context.Context, env domain.Envelope) {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.role != RoleCaller || s.phase != PhaseOutgoing || s.peer != env.From || s.answered {
		m.mu.Unlock()
		log.Debug().Str("module", "client.call").Str("from", string(env.From)).Msg("ignoring answer")
		return
	}
	s.answered = true
	if s.ring != nil {
		s.ring.Stop()
	}
	h := s.handle
	m.mu.Unlock()

	if err := h.SetRemoteDescription(ctx, env.Payload); err != nil {
		_ = m.fail(s, "set answer", err, domain.SignalEnd)
		return
	}
	var pending []json.RawMessage
	if !m.adopt(s, func() {
		s.remoteReady = true
		s.phase = PhaseActive
		pending, s.pending = s.pending, nil
	}) {
		return
	}
	m.apply(s, h, pending)
	log.Info().Str("module", "client.call").Str("peer", string(s.peer)).Int("drained", len(pending)).Msg("call active")
	m.emit()
}

func (m *Machine) onRemoteCandidate(env domain.Envelope) {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.peer != env.From {
		m.mu.Unlock()
		log.Debug().Str("module", "client.call").Str("from", string(env.From)).Msg("dropping candidate for no call")
		return
	}
	if !s.remoteReady {
		s.pending = append(s.pending, env.Payload)
		m.mu.Unlock()
		return
	}
	h := s.handle
	m.mu.Unlock()
	m.apply(s, h, []json.RawMessage{env.Payload})
}

func (m *Machine) onLocalCandidate(s *session, c json.RawMessage) {
	m.mu.Lock()
	if m.cur != s {
		m.mu.Unlock()
		return
	}
	if !s.described {
		s.outbox = append(s.outbox, c)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.send(domain.Envelope{Type: domain.SignalICECandidate, To: s.peer, Payload: c})
}

func (m *Machine) handleEvents(s *session) HandleEvents {
	return HandleEvents{
		OnCandidate: func(c json.RawMessage) { m.onLocalCandidate(s, c) },
		OnStateChange: func(st ConnState) {
			log.Debug().Str("module", "client.call").Str("peer", string(s.peer)).Str("state", st.String()).Msg("media path state")
			if st.Lost() {
				m.finish(s, nil, domain.SignalEnd, &Notice{Kind: NoticeConnectionLost, Peer: s.peer})
			}
		},
	}
}

func (m *Machine) ringExpired(s *session) {
	unanswered := func(s *session) bool { return s.phase == PhaseOutgoing && !s.answered }
	if m.finish(s, unanswered, domain.SignalEnd, &Notice{Kind: NoticeUnanswered, Peer: s.peer}) {
		log.Info().Str("module", "client.call").Str("peer", string(s.peer)).Dur("after", m.RingTimeout).Msg("call unanswered")
	}
}

func (m *Machine) apply(s *session, h Handle, candidates []json.RawMessage) bool {
	for _, c := range candidates {
		if err := h.AddCandidate(c); err != nil {
			_ = m.fail(s, "add candidate", err, domain.SignalEnd)
			return false
		}
	}
	return true
}

func (m *Machine) flush(peer domain.UserID, out []json.RawMessage) {
	for _, c := range out {
		m.send(domain.Envelope{Type: domain.SignalICECandidate, To: peer, Payload: c})
	}
}

// adopt runs fn under the lock if s is still the current session.
func (m *Machine) adopt(s *session, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != s {
		return false
	}
	fn()
	return true
}

// finish tears down s (or the current session when s is nil) if cond holds.
// sig is sent only when the peer already knows about the call. It reports
// whether this call did the teardown.
func (m *Machine) finish(s *session, cond func(*session) bool, sig domain.SignalType, n *Notice) bool {
	m.mu.Lock()
	if s == nil {
		s = m.cur
	}
	if s == nil || m.cur != s || (cond != nil && !cond(s)) {
		m.mu.Unlock()
		return false
	}
	m.cur = nil
	if s.ring != nil {
		s.ring.Stop()
	}
	known := s.role == RoleCallee || s.described
	m.mu.Unlock()

	if sig != "" && known {
		m.send(domain.Envelope{Type: sig, To: s.peer})
	}
	m.release(s)
	log.Info().Str("module", "client.call").Str("peer", string(s.peer)).Str("role", s.role.String()).Msg("call finished")
	if n != nil {
		m.notify(*n)
	}
	m.emit()
	return true
}

func (m *Machine) fail(s *session, op string, err error, sig domain.SignalType) error {
	nerr := &NegotiationError{Op: op, Err: err}
	if !m.finish(s, nil, sig, &Notice{Kind: NoticeNegotiationFailed, Peer: s.peer, Err: nerr}) {
		return ErrCallEnded
	}
	log.Error().Err(err).Str("module", "client.call").Str("peer", string(s.peer)).Str("op", op).Msg("negotiation failed")
	return nerr
}

func (m *Machine) release(s *session) {
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			log.Warn().Err(err).Str("module", "client.call").Msg("close negotiation handle")
		}
	}
	if s.media != nil {
		if err := s.media.Close(); err != nil {
			log.Warn().Err(err).Str("module", "client.call").Msg("release microphone")
		}
	}
}

func (m *Machine) send(env domain.Envelope) {
	if err := m.Signaler.Send(env); err != nil {
		log.Warn().Err(err).Str("module", "client.call").Str("type", string(env.Type)).Str("to", string(env.To)).Msg("signal not sent")
	}
}

func (m *Machine) notify(n Notice) {
	if m.Hooks.OnNotice != nil {
		m.Hooks.OnNotice(n)
	}
}

func (m *Machine) emit() {
	if m.Hooks.OnState != nil {
		m.Hooks.OnState(m.State())
	}
}

func fromPeer(from domain.UserID) func(*session) bool {
	return func(s *session) bool { return s.peer == from }
}
