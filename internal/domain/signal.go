package domain

import (
	"encoding/json"
	"fmt"
)

// SignalType names one step of the call negotiation.
type SignalType string

const (
	SignalInitiate     SignalType = "initiate"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalReject       SignalType = "reject"
	SignalEnd          SignalType = "end"
)

// Envelope is a signaling message addressed by user ids.
// Payload is opaque: an offer/answer description or an ICE candidate.
type Envelope struct {
	Type    SignalType
	From    UserID
	To      UserID
	Payload json.RawMessage
	// Caller is presentation data for initiate only.
	Caller *User
}

// OutboundEvent is the server-to-client event name mirroring the envelope type.
func (e Envelope) OutboundEvent() string {
	switch e.Type {
	case SignalInitiate:
		return EventCallIncoming
	case SignalAnswer:
		return EventCallAnswered
	case SignalICECandidate:
		return EventCallICECandidate
	case SignalReject:
		return EventCallRejected
	case SignalEnd:
		return EventCallEnded
	}
	return ""
}

// Frame encodes the envelope the way the recipient expects it.
func (e Envelope) Frame() ([]byte, error) {
	var body any
	switch e.Type {
	case SignalInitiate:
		body = IncomingCall{From: e.From, Offer: e.Payload, Caller: e.Caller}
	case SignalAnswer:
		body = CallAnswered{From: e.From, Answer: e.Payload}
	case SignalICECandidate:
		body = CallCandidate{From: e.From, Candidate: e.Payload}
	case SignalReject, SignalEnd:
		body = CallClosed{From: e.From}
	default:
		return nil, fmt.Errorf("%w: unknown signal %q", ErrBadMessage, e.Type)
	}
	return Marshal(e.OutboundEvent(), body)
}

// RequestEvent is the client-to-server event name for the envelope type.
func (e Envelope) RequestEvent() string {
	switch e.Type {
	case SignalInitiate:
		return EventCallInitiate
	case SignalAnswer:
		return EventCallAnswer
	case SignalICECandidate:
		return EventCallICECandidate
	case SignalReject:
		return EventCallReject
	case SignalEnd:
		return EventCallEnd
	}
	return ""
}

// RequestFrame encodes the envelope as a client request. From is left to the server.
func (e Envelope) RequestFrame() ([]byte, error) {
	var body any
	switch e.Type {
	case SignalInitiate:
		req := InitiateRequest{To: e.To, Offer: e.Payload}
		if e.Caller != nil {
			b, err := json.Marshal(e.Caller)
			if err != nil {
				return nil, fmt.Errorf("marshal caller: %w", err)
			}
			req.From = b
		}
		body = req
	case SignalAnswer:
		body = AnswerRequest{To: e.To, Answer: e.Payload}
	case SignalICECandidate:
		body = CandidateRequest{To: e.To, Candidate: e.Payload}
	case SignalReject, SignalEnd:
		body = PeerRequest{To: e.To}
	default:
		return nil, fmt.Errorf("%w: unknown signal %q", ErrBadMessage, e.Type)
	}
	return Marshal(e.RequestEvent(), body)
}

// ParseCallEvent decodes a server-to-client call mirror into an envelope
// addressed to the local user. ok is false for non-call events.
func ParseCallEvent(msg Message) (env Envelope, ok bool, err error) {
	switch msg.Event {
	case EventCallIncoming:
		var p IncomingCall
		err = msg.Decode(&p)
		env = Envelope{Type: SignalInitiate, From: p.From, Payload: p.Offer, Caller: p.Caller}
	case EventCallAnswered:
		var p CallAnswered
		err = msg.Decode(&p)
		env = Envelope{Type: SignalAnswer, From: p.From, Payload: p.Answer}
	case EventCallICECandidate:
		var p CallCandidate
		err = msg.Decode(&p)
		env = Envelope{Type: SignalICECandidate, From: p.From, Payload: p.Candidate}
	case EventCallRejected, EventCallEnded:
		var p CallClosed
		err = msg.Decode(&p)
		env = Envelope{Type: SignalEnd, From: p.From}
		if msg.Event == EventCallRejected {
			env.Type = SignalReject
		}
	default:
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, true, err
	}
	if env.From == "" {
		return Envelope{}, true, fmt.Errorf("%w: %s without sender", ErrBadMessage, msg.Event)
	}
	return env, true, nil
}
