package signal

import (
	"github.com/dkeye/Chatline/internal/core"
	"github.com/dkeye/Chatline/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleIdentify(sid core.SessionID, conn *WsSignalConn, msg domain.Message) {
	var p domain.Identify
	if err := msg.Decode(&p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad identify payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	ctl.identify(sid, conn, p.UserID)
}

// identify registers the session under raw. An invalid id leaves the
// session attached but outside presence.
func (ctl *SignalWSController) identify(sid core.SessionID, conn *WsSignalConn, raw string) {
	uid, err := domain.ParseUserID(raw)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("rejected identity")
		ctl.sendError(conn, "invalid_user_id")
		return
	}
	if err := ctl.Registry.Register(uid, sid); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("register")
	}
}

func (ctl *SignalWSController) handleTyping(sid core.SessionID, conn *WsSignalConn, msg domain.Message) {
	from, ok := ctl.Registry.UserOf(sid)
	if !ok {
		ctl.sendError(conn, "not_identified")
		return
	}
	var p domain.TypingRequest
	if err := msg.Decode(&p); err != nil || p.To == "" {
		log.Warn().Err(err).Str("module", "signal").Msg("bad typing payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	ctl.Relay.Typing(from, p.To, p.IsTyping)
}
