package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Chatline/internal/app"
	"github.com/dkeye/Chatline/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// IdentityKey is the gin context key holding a cookie-backed user id.
const IdentityKey = "user_id"

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:  64 << 10,
		PingPeriod: 2 * time.Second,
		PongWait:   5 * time.Second,
		WriteWait:  5 * time.Second,
		SendBuffer: 64,
	}
}

type SignalWSController struct {
	Registry *app.Registry
	Relay    *app.Relay
	Limiter  *InitiateLimiter

	opts Options
}

func NewSignalWSController(reg *app.Registry, relay *app.Relay, limiter *InitiateLimiter, opts Options) *SignalWSController {
	return &SignalWSController{
		Registry: reg,
		Relay:    relay,
		Limiter:  limiter,
		opts:     opts,
	}
}

// WsSignalConn is one transport session. Frames are queued on send and
// written by the session's write pump.
type WsSignalConn struct {
	conn      *websocket.Conn
	send      chan core.Frame
	writeWait time.Duration

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, opts Options) *WsSignalConn {
	return &WsSignalConn{
		conn:      ws,
		send:      make(chan core.Frame, opts.SendBuffer),
		writeWait: opts.WriteWait,
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Terminate writes a close frame with code and reason before closing.
func (c *WsSignalConn) Terminate(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait)); err != nil {
		log.Debug().Err(err).Str("module", "signal").Int("code", code).Msg("close frame")
	}
	_ = c.conn.Close()
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the session until either pump exits.
// Identity comes from the userId query parameter, falling back to the cookie identity.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	conn := newWsSignalConn(ws, ctl.opts)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctl.Registry.Attach(sid, conn, cancel)

	raw := c.Query("userId")
	if raw == "" {
		raw = c.GetString(IdentityKey)
	}
	if raw != "" {
		ctl.identify(sid, conn, raw)
	}

	var wg conc.WaitGroup
	wg.Go(func() { ctl.writePump(ctx, conn) })
	wg.Go(func() { ctl.readPump(ctx, cancel, sid, conn) })
	wg.Wait()

	ctl.Registry.Detach(sid)
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("session closed")
}
