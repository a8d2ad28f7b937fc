package app

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Chatline/internal/core"
	"github.com/dkeye/Chatline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []domain.Message
	full   bool
	closed bool
	code   int
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	msg, err := domain.Unmarshal(f)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, msg)
	return nil
}

func (c *fakeConn) Terminate(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code = code
	c.closed = true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) events(name string) []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Message
	for _, m := range c.frames {
		if m.Event == name {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) lastPresence(t *testing.T) []domain.UserID {
	t.Helper()
	msgs := c.events(domain.EventOnlineUsers)
	require.NotEmpty(t, msgs)
	var p domain.OnlineUsers
	require.NoError(t, msgs[len(msgs)-1].Decode(&p))
	return p.UserIDs
}

func attach(r *Registry, sid core.SessionID) *fakeConn {
	c := &fakeConn{}
	r.Attach(sid, c, nil)
	return c
}

func TestRegistryPresenceScenario(t *testing.T) {
	r := NewRegistry()
	cx := attach(r, "sx")
	cy := attach(r, "sy")

	require.NoError(t, r.Register("x", "sx"))
	assert.Equal(t, []domain.UserID{"x"}, cx.lastPresence(t))
	assert.Equal(t, []domain.UserID{"x"}, cy.lastPresence(t))

	require.NoError(t, r.Register("y", "sy"))
	assert.Equal(t, []domain.UserID{"x", "y"}, cx.lastPresence(t))
	assert.Equal(t, []domain.UserID{"x", "y"}, cy.lastPresence(t))

	r.Detach("sx")
	assert.Equal(t, []domain.UserID{"y"}, cy.lastPresence(t))
	assert.Equal(t, []domain.UserID{"y"}, r.Online())
}

func TestRegistryAttachSendsSnapshot(t *testing.T) {
	r := NewRegistry()
	attach(r, "sx")
	require.NoError(t, r.Register("x", "sx"))

	anon := attach(r, "anon")
	assert.Equal(t, []domain.UserID{"x"}, anon.lastPresence(t))
	_, ok := r.UserOf("anon")
	assert.False(t, ok)
}

func TestRegistryLastConnectWins(t *testing.T) {
	r := NewRegistry()
	old := attach(r, "s1")
	require.NoError(t, r.Register("x", "s1"))
	newer := attach(r, "s2")
	require.NoError(t, r.Register("x", "s2"))

	assert.True(t, old.isClosed())
	assert.Equal(t, core.CloseSuperseded, old.code)
	assert.False(t, newer.isClosed())

	sid, ok := r.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, core.SessionID("s2"), sid)
}

// stalledConn blocks in Terminate until released, like a close frame
// written to a peer that stopped reading.
type stalledConn struct {
	fakeConn
	entered chan struct{}
	release chan struct{}
}

func (c *stalledConn) Terminate(code int, reason string) {
	close(c.entered)
	<-c.release
	c.fakeConn.Terminate(code, reason)
}

func TestRegistrySupersedeDoesNotBlockOtherUsers(t *testing.T) {
	r := NewRegistry()
	old := &stalledConn{entered: make(chan struct{}), release: make(chan struct{})}
	r.Attach("s1", old, nil)
	require.NoError(t, r.Register("alice", "s1"))
	attach(r, "sb")
	require.NoError(t, r.Register("bob", "sb"))
	attach(r, "s2")

	done := make(chan error, 1)
	go func() { done <- r.Register("alice", "s2") }()
	<-old.entered

	looked := make(chan core.SessionID, 1)
	go func() {
		sid, _ := r.Lookup("bob")
		looked <- sid
	}()
	select {
	case sid := <-looked:
		assert.Equal(t, core.SessionID("sb"), sid)
	case <-time.After(time.Second):
		t.Fatal("lookup blocked behind a stalled terminate")
	}
	sid, ok := r.Lookup("alice")
	assert.True(t, ok)
	assert.Equal(t, core.SessionID("s2"), sid)

	close(old.release)
	require.NoError(t, <-done)
	assert.Equal(t, core.CloseSuperseded, old.code)
}

func TestRegistryStaleDisconnectKeepsNewerEntry(t *testing.T) {
	r := NewRegistry()
	attach(r, "s1")
	require.NoError(t, r.Register("x", "s1"))
	attach(r, "s2")
	require.NoError(t, r.Register("x", "s2"))

	assert.False(t, r.Unregister("x", "s1"))
	r.Detach("s1")

	sid, ok := r.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, core.SessionID("s2"), sid)
	assert.Equal(t, []domain.UserID{"x"}, r.Online())

	assert.True(t, r.Unregister("x", "s2"))
	assert.Empty(t, r.Online())
}

func TestRegistryRegisterUnknownSession(t *testing.T) {
	r := NewRegistry()
	require.ErrorIs(t, r.Register("x", "ghost"), ErrUnknownSession)
	assert.Empty(t, r.Online())
}

func TestRegistryReidentifySession(t *testing.T) {
	r := NewRegistry()
	attach(r, "s1")
	require.NoError(t, r.Register("x", "s1"))
	require.NoError(t, r.Register("z", "s1"))
	assert.Equal(t, []domain.UserID{"z"}, r.Online())
}

func TestRegistryKicksSlowSession(t *testing.T) {
	r := NewRegistry()
	r.Policy = SimplePolicy{}
	slow := attach(r, "slow")
	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()
	attach(r, "sx")

	require.NoError(t, r.Register("x", "sx"))
	assert.True(t, slow.isClosed())
}

func TestRegistrySinksSeeEveryChange(t *testing.T) {
	r := NewRegistry()
	var seen [][]domain.UserID
	r.Sinks = []core.PresenceSink{core.PresenceSinkFunc(func(online []domain.UserID) {
		seen = append(seen, online)
	})}
	attach(r, "sx")
	attach(r, "sy")
	require.NoError(t, r.Register("x", "sx"))
	require.NoError(t, r.Register("y", "sy"))
	r.Detach("sy")

	assert.Equal(t, [][]domain.UserID{{"x"}, {"x", "y"}, {"x"}}, seen)
}

// Random register/unregister/detach sequences never leave two live sessions
// registered for the same user, and the last broadcast always matches Online.
func TestRegistryNeverReportsTwoSessionsPerUser(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	users := []domain.UserID{"a", "b", "c"}

	for round := 0; round < 50; round++ {
		r := NewRegistry()
		observer := attach(r, "observer")
		conns := map[core.SessionID]*fakeConn{}
		next := 0

		for step := 0; step < 60; step++ {
			uid := users[rng.Intn(len(users))]
			switch rng.Intn(4) {
			case 0, 1:
				sid := core.SessionID(fmt.Sprintf("s%d", next))
				next++
				conns[sid] = attach(r, sid)
				require.NoError(t, r.Register(uid, sid))
			case 2:
				if next > 0 {
					r.Unregister(uid, core.SessionID(fmt.Sprintf("s%d", rng.Intn(next))))
				}
			case 3:
				if next > 0 {
					r.Detach(core.SessionID(fmt.Sprintf("s%d", rng.Intn(next))))
				}
			}

			r.mu.RLock()
			live := map[domain.UserID]int{}
			for sid, e := range r.sessions {
				if e.UserID != "" && !conns[sid].isClosed() {
					live[e.UserID]++
				}
			}
			r.mu.RUnlock()
			for u, n := range live {
				require.LessOrEqual(t, n, 1, "user %s has %d live sessions", u, n)
			}
			if len(observer.events(domain.EventOnlineUsers)) > 0 {
				assert.Equal(t, r.Online(), observer.lastPresence(t))
			}
		}
	}
}
