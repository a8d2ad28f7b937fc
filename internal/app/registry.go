package app

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/dkeye/Chatline/internal/core"
	"github.com/dkeye/Chatline/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotOnline      = errors.New("user not online")
)

type sessionEntry struct {
	UserID domain.UserID // empty until the session identifies
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Registry owns every live session and the presence map userID -> sessionID.
// Presence changes are broadcast while the write lock is held, so a relay
// lookup never observes a map newer or older than the last broadcast.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	users    map[domain.UserID]core.SessionID

	Policy  Policy
	Sinks   []core.PresenceSink
	Metrics *Metrics
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		users:    make(map[domain.UserID]core.SessionID),
	}
}

// Attach records a live session that is not yet part of presence and sends
// it the current online set.
func (r *Registry) Attach(sid core.SessionID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Conn: conn, Cancel: cancel}
	r.Metrics.sessionDelta(1)
	r.sendPresenceLocked(sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("attached session")
}

// Detach forgets a session. If it is the session on record for its user,
// the user goes offline and presence is broadcast.
func (r *Registry) Detach(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return
	}
	delete(r.sessions, sid)
	r.Metrics.sessionDelta(-1)
	if e.UserID != "" && r.users[e.UserID] == sid {
		delete(r.users, e.UserID)
		r.broadcastLocked()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(e.UserID)).Msg("detached session")
}

// Register binds uid to sid. A different session already on record for uid
// is terminated first (last connect wins).
func (r *Registry) Register(uid domain.UserID, sid core.SessionID) error {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}
	if e.UserID != "" && e.UserID != uid && r.users[e.UserID] == sid {
		delete(r.users, e.UserID)
	}
	var superseded *sessionEntry
	if prev, had := r.users[uid]; had && prev != sid {
		if pe, ok := r.sessions[prev]; ok {
			delete(r.sessions, prev)
			r.Metrics.sessionDelta(-1)
			r.Metrics.kick("superseded")
			superseded = pe
		}
		log.Info().Str("module", "app.registry").Str("user", string(uid)).
			Str("old_sid", string(prev)).Str("sid", string(sid)).Msg("superseded session")
	}
	r.users[uid] = sid
	e.UserID = uid
	r.broadcastLocked()
	r.mu.Unlock()

	// The close frame write may block on a stalled peer; keep it off the lock.
	if superseded != nil {
		superseded.Conn.Terminate(core.CloseSuperseded, "superseded by a newer connection")
		if superseded.Cancel != nil {
			superseded.Cancel()
		}
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(uid)).Msg("registered user")
	return nil
}

// Unregister removes uid only while sid is still the session on record.
func (r *Registry) Unregister(uid domain.UserID, sid core.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.users[uid]; !ok || cur != sid {
		log.Debug().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(uid)).Msg("stale unregister ignored")
		return false
	}
	delete(r.users, uid)
	if e, ok := r.sessions[sid]; ok {
		e.UserID = ""
	}
	r.broadcastLocked()
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(uid)).Msg("unregistered user")
	return true
}

func (r *Registry) Lookup(uid domain.UserID) (core.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.users[uid]
	return sid, ok
}

// UserOf returns the identity a session registered with.
func (r *Registry) UserOf(sid core.SessionID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.UserID == "" {
		return "", false
	}
	return e.UserID, true
}

// Deliver sends f to the session currently on record for uid.
func (r *Registry) Deliver(uid domain.UserID, f core.Frame) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.users[uid]
	if !ok {
		return ErrNotOnline
	}
	e, ok := r.sessions[sid]
	if !ok {
		return ErrNotOnline
	}
	return e.Conn.TrySend(f)
}

// Send writes f to one session regardless of identity.
func (r *Registry) Send(sid core.SessionID, f core.Frame) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return ErrUnknownSession
	}
	return e.Conn.TrySend(f)
}

// SendPresence replies with the online set to a single session.
func (r *Registry) SendPresence(sid core.SessionID) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.sendPresenceLocked(sid)
}

// Online returns the sorted online user ids.
func (r *Registry) Online() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll terminates every session, used on shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	conns := make([]core.SignalConnection, 0, len(r.sessions))
	for _, e := range r.sessions {
		conns = append(conns, e.Conn)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.Terminate(code, reason)
	}
	log.Info().Str("module", "app.registry").Int("sessions", len(conns)).Msg("closed all sessions")
}

func (r *Registry) onlineLocked() []domain.UserID {
	out := make([]domain.UserID, 0, len(r.users))
	for uid := range r.users {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) presenceFrame(online []domain.UserID) core.Frame {
	b, err := domain.Marshal(domain.EventOnlineUsers, domain.OnlineUsers{UserIDs: online})
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("presence marshal")
		return nil
	}
	return b
}

func (r *Registry) sendPresenceLocked(sid core.SessionID) {
	e, ok := r.sessions[sid]
	if !ok {
		return
	}
	if f := r.presenceFrame(r.onlineLocked()); f != nil {
		_ = e.Conn.TrySend(f)
	}
}

func (r *Registry) broadcastLocked() {
	online := r.onlineLocked()
	r.Metrics.onlineCount(len(online))
	for _, s := range r.Sinks {
		s.PresenceChanged(online)
	}
	f := r.presenceFrame(online)
	if f == nil {
		return
	}
	sent := 0
	for sid, e := range r.sessions {
		if err := e.Conn.TrySend(f); err != nil {
			r.onBackpressure(sid, e, err)
			continue
		}
		sent++
	}
	log.Debug().Str("module", "app.registry").Int("online", len(online)).Int("sent_to", sent).Msg("presence broadcast")
}

func (r *Registry) onBackpressure(sid core.SessionID, e *sessionEntry, err error) {
	if r.Policy == nil || errors.Is(err, core.ErrConnClosed) {
		return
	}
	switch r.Policy.OnBackPressure(sid, e.UserID) {
	case KickSession:
		log.Warn().Err(err).Str("module", "app.registry").Str("sid", string(sid)).Msg("kicking slow session")
		r.Metrics.kick("backpressure")
		e.Conn.Close()
	case DropFrame, NoAction:
	}
}
