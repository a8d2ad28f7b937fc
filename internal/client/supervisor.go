package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dkeye/Chatline/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNoIdentity = errors.New("no valid local user id")
	ErrClosed     = errors.New("supervisor torn down")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	return [...]string{"disconnected", "connecting", "connected", "reconnecting", "failed"}[s]
}

type Options struct {
	// Attempts bounds dials per connect cycle.
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultOptions() Options {
	return Options{Attempts: 5, InitialDelay: time.Second, MaxDelay: 5 * time.Second}
}

// Supervisor owns the single transport session of a client. It reconnects
// with bounded backoff and never keeps two sessions alive.
type Supervisor struct {
	dialer Dialer
	user   domain.UserID
	opts   Options

	// OnMessage receives every inbound event on the session's read goroutine.
	OnMessage func(domain.Message)
	// OnDrop runs synchronously when a live session is lost, before any reconnect.
	OnDrop   func(error)
	OnState  func(State)
	OnFailed func(error)

	sf singleflight.Group

	mu     sync.Mutex
	state  State
	sess   Session
	online map[domain.UserID]struct{}
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSupervisor(d Dialer, user domain.UserID, opts Options) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		dialer: d,
		user:   user,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect establishes the session. Concurrent calls share one attempt.
func (s *Supervisor) Connect() error {
	if !s.user.Valid() {
		return ErrNoIdentity
	}
	_, err, _ := s.sf.Do("connect", func() (any, error) {
		return nil, s.connect(0)
	})
	return err
}

func (s *Supervisor) connect(wait time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.sess != nil && s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	prior := s.sess
	s.sess = nil
	next := StateConnecting
	if s.state == StateReconnecting {
		next = StateReconnecting
	}
	s.state = next
	ctx := s.ctx
	s.mu.Unlock()
	s.emit(next)

	if prior != nil {
		_ = prior.Close()
	}
	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ErrClosed
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialDelay
	b.MaxInterval = s.opts.MaxDelay
	b.Multiplier = 2

	sess, err := backoff.Retry(ctx, func() (Session, error) {
		return s.dialer.Dial(ctx, s.user)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.Attempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn().Err(err).Str("module", "client.supervisor").Dur("retry_in", d).Msg("connect failed")
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ErrClosed
		}
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		s.emit(StateFailed)
		log.Error().Err(err).Str("module", "client.supervisor").Int("attempts", s.opts.Attempts).Msg("giving up")
		if s.OnFailed != nil {
			s.OnFailed(err)
		}
		return fmt.Errorf("connect: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sess.Close()
		return ErrClosed
	}
	s.sess = sess
	s.state = StateConnected
	s.mu.Unlock()
	s.emit(StateConnected)

	go s.serve(sess)
	if f, err := domain.Marshal(domain.EventPresenceRefresh, nil); err == nil {
		if err := sess.Send(f); err != nil {
			log.Warn().Err(err).Str("module", "client.supervisor").Msg("presence refresh")
		}
	}
	return nil
}

func (s *Supervisor) serve(sess Session) {
	err := sess.Run(s.dispatch)
	_ = sess.Close()

	s.mu.Lock()
	if s.sess != sess || s.closed {
		s.mu.Unlock()
		return
	}
	s.sess = nil
	s.online = nil
	superseded := errors.Is(err, ErrSuperseded)
	next := StateReconnecting
	if superseded {
		next = StateFailed
	}
	s.state = next
	s.mu.Unlock()

	log.Warn().Err(err).Str("module", "client.supervisor").Str("next", next.String()).Msg("transport lost")
	if s.OnDrop != nil {
		s.OnDrop(err)
	}
	s.emit(next)

	if superseded {
		if s.OnFailed != nil {
			s.OnFailed(err)
		}
		return
	}
	wait := s.opts.InitialDelay
	if errors.Is(err, ErrServerClosed) {
		wait = 0
	}
	for {
		_, _, _ = s.sf.Do("connect", func() (any, error) {
			return nil, s.connect(wait)
		})
		// A connect already in flight may have handed out the session we just lost.
		s.mu.Lock()
		again := !s.closed && s.sess == nil && s.state == StateReconnecting
		s.mu.Unlock()
		if !again {
			return
		}
	}
}

// Teardown closes the session for good. No reconnect follows.
func (s *Supervisor) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	sess := s.sess
	s.sess = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.sf.Forget("connect")
	if sess != nil {
		_ = sess.Close()
	}
	s.emit(StateDisconnected)
	log.Info().Str("module", "client.supervisor").Msg("torn down")
}

func (s *Supervisor) Send(frame []byte) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.Send(frame)
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsOnline answers from the last presence broadcast.
func (s *Supervisor) IsOnline(uid domain.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[uid]
	return ok
}

func (s *Supervisor) Online() []domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserID, 0, len(s.online))
	for uid := range s.online {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

func (s *Supervisor) dispatch(msg domain.Message) {
	if msg.Event == domain.EventOnlineUsers {
		var p domain.OnlineUsers
		if err := msg.Decode(&p); err != nil {
			log.Warn().Err(err).Str("module", "client.supervisor").Msg("bad presence")
			return
		}
		online := make(map[domain.UserID]struct{}, len(p.UserIDs))
		for _, uid := range p.UserIDs {
			online[uid] = struct{}{}
		}
		s.mu.Lock()
		s.online = online
		s.mu.Unlock()
	}
	if s.OnMessage != nil {
		s.OnMessage(msg)
	}
}

func (s *Supervisor) emit(st State) {
	if s.OnState != nil {
		s.OnState(st)
	}
}
