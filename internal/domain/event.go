package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Named events carried over the transport session.
const (
	EventOnlineUsers     = "getOnlineUsers"
	EventIdentify        = "identify"
	EventPresenceRefresh = "presence:refresh"
	EventPing            = "ping"
	EventPong            = "pong"
	EventError           = "error"
	EventTyping          = "user:typing"

	EventCallInitiate     = "call:initiate"
	EventCallAnswer       = "call:answer"
	EventCallICECandidate = "call:ice-candidate"
	EventCallReject       = "call:reject"
	EventCallEnd          = "call:end"

	EventCallIncoming = "call:incoming"
	EventCallAnswered = "call:answered"
	EventCallRejected = "call:rejected"
	EventCallEnded    = "call:ended"
)

var ErrBadMessage = errors.New("bad message")

// Message is one transport frame: a named event and its JSON body.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Marshal encodes a named event. A nil data produces a frame without a body.
func Marshal(event string, data any) ([]byte, error) {
	msg := Message{Event: event}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", event, err)
		}
		msg.Data = b
	}
	return json.Marshal(msg)
}

func Unmarshal(b []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if msg.Event == "" {
		return Message{}, fmt.Errorf("%w: missing event", ErrBadMessage)
	}
	return msg, nil
}

// Decode unmarshals the message body into v. An absent body leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadMessage, m.Event, err)
	}
	return nil
}

type OnlineUsers struct {
	UserIDs []UserID `json:"userIds"`
}

type Identify struct {
	UserID string `json:"userId"`
}

type TypingRequest struct {
	To       UserID `json:"to"`
	IsTyping bool   `json:"isTyping"`
}

type TypingNotice struct {
	UserID   UserID `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type ErrorNotice struct {
	Error string `json:"error"`
}

// Client-to-server call requests.

type InitiateRequest struct {
	To    UserID          `json:"to"`
	Offer json.RawMessage `json:"offer"`
	// From may be the caller's profile object; the server never trusts its id.
	From json.RawMessage `json:"from,omitempty"`
}

// Caller returns the profile attached to the request, if it is an object.
func (r InitiateRequest) Caller() *User {
	if len(r.From) == 0 || r.From[0] != '{' {
		return nil
	}
	var u User
	if err := json.Unmarshal(r.From, &u); err != nil {
		return nil
	}
	return &u
}

type AnswerRequest struct {
	To     UserID          `json:"to"`
	Answer json.RawMessage `json:"answer"`
}

type CandidateRequest struct {
	To        UserID          `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
}

// PeerRequest is the body of call:reject and call:end.
type PeerRequest struct {
	To UserID `json:"to"`
}

// Server-to-client call mirrors. From is always the relaying sender's registered id.

type IncomingCall struct {
	From   UserID          `json:"from"`
	Offer  json.RawMessage `json:"offer"`
	Caller *User           `json:"caller,omitempty"`
}

type CallAnswered struct {
	From   UserID          `json:"from"`
	Answer json.RawMessage `json:"answer"`
}

type CallCandidate struct {
	From      UserID          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

// CallClosed is the body of call:rejected and call:ended.
type CallClosed struct {
	From UserID `json:"from"`
}
