package client

import (
	"context"

	"github.com/dkeye/Chatline/internal/client/call"
	"github.com/dkeye/Chatline/internal/domain"
	"github.com/rs/zerolog/log"
)

// Agent ties the connection supervisor to the call machine and the typing emitter.
type Agent struct {
	Supervisor *Supervisor
	Calls      *call.Machine
	Typing     *TypingEmitter

	OnPresence func([]domain.UserID)
	OnTyping   func(domain.TypingNotice)

	ctx    context.Context
	cancel context.CancelFunc
}

func NewAgent(sup *Supervisor, media call.MediaSource, neg call.Negotiator, profile *domain.User) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{Supervisor: sup, ctx: ctx, cancel: cancel}
	a.Calls = call.NewMachine(a, media, neg)
	a.Calls.Presence = sup
	a.Calls.Profile = profile
	a.Typing = NewTypingEmitter(sup, DefaultTypingTimeout)

	sup.OnMessage = a.dispatch
	sup.OnDrop = func(error) { a.Calls.TransportDrop() }
	return a
}

// Send implements call.Signaler over the supervised session.
func (a *Agent) Send(env domain.Envelope) error {
	f, err := env.RequestFrame()
	if err != nil {
		return err
	}
	return a.Supervisor.Send(f)
}

func (a *Agent) dispatch(msg domain.Message) {
	env, ok, err := domain.ParseCallEvent(msg)
	if ok {
		if err != nil {
			log.Warn().Err(err).Str("module", "client.agent").Str("event", msg.Event).Msg("bad call event")
			return
		}
		a.Calls.HandleSignal(a.ctx, env)
		return
	}

	switch msg.Event {
	case domain.EventOnlineUsers:
		if a.OnPresence != nil {
			a.OnPresence(a.Supervisor.Online())
		}
	case domain.EventTyping:
		var n domain.TypingNotice
		if err := msg.Decode(&n); err != nil {
			log.Warn().Err(err).Str("module", "client.agent").Msg("bad typing event")
			return
		}
		if a.OnTyping != nil {
			a.OnTyping(n)
		}
	case domain.EventError:
		var n domain.ErrorNotice
		_ = msg.Decode(&n)
		log.Warn().Str("module", "client.agent").Str("error", n.Error).Msg("server error")
	case domain.EventPong:
	default:
		log.Debug().Str("module", "client.agent").Str("event", msg.Event).Msg("unhandled event")
	}
}

// Close hangs up, clears typing and tears the connection down.
func (a *Agent) Close() {
	a.Calls.EndCall()
	a.Typing.Stop()
	a.cancel()
	a.Supervisor.Teardown()
}
