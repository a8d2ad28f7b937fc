package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Chatline/internal/domain"
)

type fakeSession struct {
	inbound chan domain.Message
	drop    chan error

	mu     sync.Mutex
	sent   []domain.Message
	closed bool
	done   chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		inbound: make(chan domain.Message, 16),
		drop:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (s *fakeSession) Send(frame []byte) error {
	msg, err := domain.Unmarshal(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSession) Run(handle func(domain.Message)) error {
	for {
		select {
		case m := <-s.inbound:
			handle(m)
		case err := <-s.drop:
			return err
		case <-s.done:
			return errors.New("use of closed connection")
		}
	}
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) sentEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Event
	}
	return out
}

func (s *fakeSession) sentMessages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.sent...)
}

func (s *fakeSession) push(t interface{ Fatalf(string, ...any) }, event string, data any) {
	b, err := domain.Marshal(event, data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := domain.Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	s.inbound <- msg
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	fail     func(n int) error
	gate     chan struct{}
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, _ domain.UserID) (Session, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != nil {
		if err := d.fail(d.dials); err != nil {
			return nil, err
		}
	}
	s := newFakeSession()
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) has(s State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, x := range l.states {
		if x == s {
			return true
		}
	}
	return false
}

func fastOptions(attempts int) Options {
	return Options{Attempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}
