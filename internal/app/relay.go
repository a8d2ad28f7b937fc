package app

import (
	"errors"

	"github.com/dkeye/Chatline/internal/domain"
	"github.com/rs/zerolog/log"
)

// Relay forwards signaling envelopes to the target user's current session.
// It is fire-and-forget: a miss is logged and counted, never reported to the sender.
type Relay struct {
	Registry *Registry
	Metrics  *Metrics
}

func NewRelay(reg *Registry, m *Metrics) *Relay {
	return &Relay{Registry: reg, Metrics: m}
}

// Relay reports whether the envelope reached a live session.
func (r *Relay) Relay(env domain.Envelope) bool {
	logger := log.With().
		Str("module", "app.relay").
		Str("type", string(env.Type)).
		Str("from", string(env.From)).
		Str("to", string(env.To)).
		Logger()

	f, err := env.Frame()
	if err != nil {
		logger.Error().Err(err).Msg("encode envelope")
		return false
	}
	err = r.Registry.Deliver(env.To, f)
	switch {
	case err == nil:
		r.Metrics.relayed(string(env.Type), true)
		logger.Debug().Msg("relayed")
		return true
	case errors.Is(err, ErrNotOnline):
		logger.Debug().Msg("target offline, dropped")
	default:
		logger.Warn().Err(err).Msg("relay send failed")
	}
	r.Metrics.relayed(string(env.Type), false)
	return false
}

// Typing forwards a typing indicator using the same best-effort path.
func (r *Relay) Typing(from, to domain.UserID, isTyping bool) bool {
	f, err := domain.Marshal(domain.EventTyping, domain.TypingNotice{UserID: from, IsTyping: isTyping})
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("encode typing")
		return false
	}
	ok := r.Registry.Deliver(to, f) == nil
	r.Metrics.relayed(domain.EventTyping, ok)
	return ok
}
