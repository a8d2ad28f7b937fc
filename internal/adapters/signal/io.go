package signal

import (
	"context"
	"time"

	"github.com/dkeye/Chatline/internal/core"
	"github.com/dkeye/Chatline/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	}
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = extend()
			ctl.handleMessage(sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleMessage(sid core.SessionID, c *WsSignalConn, data []byte) {
	msg, err := domain.Unmarshal(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad json")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch msg.Event {
	case domain.EventIdentify:
		ctl.handleIdentify(sid, c, msg)
	case domain.EventPresenceRefresh:
		ctl.Registry.SendPresence(sid)
	case domain.EventPing:
		ctl.handlePing(c)
	case domain.EventTyping:
		ctl.handleTyping(sid, c, msg)
	case domain.EventCallInitiate, domain.EventCallAnswer, domain.EventCallICECandidate,
		domain.EventCallReject, domain.EventCallEnd:
		ctl.handleCall(sid, c, msg)
	default:
		log.Warn().Str("module", "signal").Str("event", msg.Event).Msg("unknown event")
	}
}

func (ctl *SignalWSController) sendEvent(c *WsSignalConn, event string, v any) {
	b, err := domain.Marshal(event, v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendEvent marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, reason string) {
	ctl.sendEvent(c, domain.EventError, domain.ErrorNotice{Error: reason})
}
