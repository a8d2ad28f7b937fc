package signal

import (
	"fmt"

	"github.com/dkeye/Chatline/internal/core"
	"github.com/dkeye/Chatline/internal/domain"
	"github.com/rs/zerolog/log"
)

// handleCall relays a call:* event to its target. The sender id is always
// the session's registered identity, never the payload's.
func (ctl *SignalWSController) handleCall(sid core.SessionID, conn *WsSignalConn, msg domain.Message) {
	from, ok := ctl.Registry.UserOf(sid)
	if !ok {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("event", msg.Event).Msg("call event from unidentified session")
		ctl.sendError(conn, "not_identified")
		return
	}
	env, err := envelopeFrom(from, msg)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad call payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if env.Type == domain.SignalInitiate && ctl.Limiter != nil && !ctl.Limiter.Allow(from) {
		log.Warn().Str("module", "signal").Str("user", string(from)).Msg("initiate rate limited")
		ctl.sendError(conn, "rate_limited")
		return
	}
	ctl.Relay.Relay(env)
}

func envelopeFrom(from domain.UserID, msg domain.Message) (domain.Envelope, error) {
	env := domain.Envelope{From: from}
	switch msg.Event {
	case domain.EventCallInitiate:
		var p domain.InitiateRequest
		if err := msg.Decode(&p); err != nil {
			return env, err
		}
		env.Type, env.To, env.Payload, env.Caller = domain.SignalInitiate, p.To, p.Offer, p.Caller()
		if env.Caller != nil {
			env.Caller.ID = from
		}
	case domain.EventCallAnswer:
		var p domain.AnswerRequest
		if err := msg.Decode(&p); err != nil {
			return env, err
		}
		env.Type, env.To, env.Payload = domain.SignalAnswer, p.To, p.Answer
	case domain.EventCallICECandidate:
		var p domain.CandidateRequest
		if err := msg.Decode(&p); err != nil {
			return env, err
		}
		env.Type, env.To, env.Payload = domain.SignalICECandidate, p.To, p.Candidate
	case domain.EventCallReject, domain.EventCallEnd:
		var p domain.PeerRequest
		if err := msg.Decode(&p); err != nil {
			return env, err
		}
		env.Type, env.To = domain.SignalEnd, p.To
		if msg.Event == domain.EventCallReject {
			env.Type = domain.SignalReject
		}
	default:
		return env, fmt.Errorf("%w: %s is not a call event", domain.ErrBadMessage, msg.Event)
	}
	if env.To == "" {
		return env, fmt.Errorf("%w: %s without target", domain.ErrBadMessage, msg.Event)
	}
	return env, nil
}
