package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Chatline/internal/domain"
)

type fakeTrack struct {
	mu      sync.Mutex
	enabled bool
	closed  bool
}

func (t *fakeTrack) SetEnabled(v bool) { t.mu.Lock(); t.enabled = v; t.mu.Unlock() }
func (t *fakeTrack) Enabled() bool     { t.mu.Lock(); defer t.mu.Unlock(); return t.enabled }
func (t *fakeTrack) Close() error      { t.mu.Lock(); t.closed = true; t.mu.Unlock(); return nil }
func (t *fakeTrack) isClosed() bool    { t.mu.Lock(); defer t.mu.Unlock(); return t.closed }

type fakeMedia struct {
	mu     sync.Mutex
	err    error
	tracks []*fakeTrack
}

func (f *fakeMedia) Acquire(context.Context) (LocalMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTrack{enabled: true}
	f.tracks = append(f.tracks, t)
	return t, nil
}

func (f *fakeMedia) setErr(err error) { f.mu.Lock(); f.err = err; f.mu.Unlock() }

type fakeHandle struct {
	peer   domain.UserID
	events HandleEvents

	mu       sync.Mutex
	remote   json.RawMessage
	applied  []string
	attached LocalMedia
	closed   bool

	// offerCandidates are emitted while the local description is created.
	offerCandidates []string
	failRemote      error
	failAdd         error
	// gate, when set, blocks CreateOffer/CreateAnswer until closed; entered is signaled first.
	gate    chan struct{}
	entered chan struct{}
}

func (h *fakeHandle) AttachMedia(m LocalMedia) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attached = m
	return nil
}

func (h *fakeHandle) describe(kind string) (json.RawMessage, error) {
	if h.gate != nil {
		close(h.entered)
		<-h.gate
	}
	for _, c := range h.offerCandidates {
		h.events.OnCandidate(json.RawMessage(c))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("handle closed")
	}
	return json.RawMessage(fmt.Sprintf(`{"type":%q,"sdp":"for-%s"}`, kind, h.peer)), nil
}

func (h *fakeHandle) CreateOffer(context.Context) (json.RawMessage, error) { return h.describe("offer") }
func (h *fakeHandle) CreateAnswer(context.Context) (json.RawMessage, error) {
	return h.describe("answer")
}

func (h *fakeHandle) SetRemoteDescription(_ context.Context, desc json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failRemote != nil {
		return h.failRemote
	}
	h.remote = desc
	return nil
}

func (h *fakeHandle) AddCandidate(c json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAdd != nil {
		return h.failAdd
	}
	if h.remote == nil {
		return errors.New("candidate before remote description")
	}
	h.applied = append(h.applied, string(c))
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) appliedCandidates() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.applied...)
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeNegotiator struct {
	mu      sync.Mutex
	handles []*fakeHandle
	// prepare customizes each handle before it is returned.
	prepare func(*fakeHandle)
}

func (n *fakeNegotiator) NewHandle(peer domain.UserID, events HandleEvents) (Handle, error) {
	h := &fakeHandle{peer: peer, events: events}
	n.mu.Lock()
	prepare := n.prepare
	n.handles = append(n.handles, h)
	n.mu.Unlock()
	if prepare != nil {
		prepare(h)
	}
	return h, nil
}

func (n *fakeNegotiator) last() *fakeHandle {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.handles) == 0 {
		return nil
	}
	return n.handles[len(n.handles)-1]
}

// bus queues envelopes between machines and delivers them on demand,
// stamping From the way the server relay does.
type bus struct {
	mu       sync.Mutex
	queue    []domain.Envelope
	sent     []domain.Envelope
	machines map[domain.UserID]*Machine
}

func newBus() *bus { return &bus{machines: map[domain.UserID]*Machine{}} }

type busSignaler struct {
	b    *bus
	self domain.UserID
}

func (s busSignaler) Send(env domain.Envelope) error {
	env.From = s.self
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.queue = append(s.b.queue, env)
	s.b.sent = append(s.b.sent, env)
	return nil
}

func (b *bus) deliver(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		env := b.queue[0]
		b.queue = b.queue[1:]
		m := b.machines[env.To]
		b.mu.Unlock()
		if m != nil {
			m.HandleSignal(ctx, env)
		}
	}
}

func (b *bus) sentBy(from domain.UserID) []domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Envelope
	for _, e := range b.sent {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}

func types(envs []domain.Envelope) []domain.SignalType {
	out := make([]domain.SignalType, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

type peer struct {
	m       *Machine
	media   *fakeMedia
	neg     *fakeNegotiator
	mu      sync.Mutex
	notices []Notice
}

func (p *peer) lastNotice() (Notice, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.notices) == 0 {
		return Notice{}, false
	}
	return p.notices[len(p.notices)-1], true
}

func (b *bus) join(id domain.UserID) *peer {
	p := &peer{media: &fakeMedia{}, neg: &fakeNegotiator{}}
	p.m = NewMachine(busSignaler{b: b, self: id}, p.media, p.neg)
	p.m.RingTimeout = 0
	p.m.Hooks.OnNotice = func(n Notice) {
		p.mu.Lock()
		p.notices = append(p.notices, n)
		p.mu.Unlock()
	}
	b.mu.Lock()
	b.machines[id] = p.m
	b.mu.Unlock()
	return p
}

type presenceSet map[domain.UserID]bool

func (p presenceSet) IsOnline(uid domain.UserID) bool { return p[uid] }
