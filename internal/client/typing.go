package client

import (
	"sync"
	"time"

	"github.com/dkeye/Chatline/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultTypingTimeout = 2 * time.Second

type FrameSender interface {
	Send(frame []byte) error
}

// TypingEmitter turns keystrokes into user:typing events: true on the first
// keystroke, false once no keystroke arrived for the timeout.
type TypingEmitter struct {
	sender  FrameSender
	timeout time.Duration

	mu    sync.Mutex
	peer  domain.UserID
	gen   uint64
	timer *time.Timer
}

func NewTypingEmitter(sender FrameSender, timeout time.Duration) *TypingEmitter {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingEmitter{sender: sender, timeout: timeout}
}

func (t *TypingEmitter) Keystroke(to domain.UserID) {
	t.mu.Lock()
	prev := t.peer
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.peer = to
	t.timer = time.AfterFunc(t.timeout, func() { t.expire(gen) })
	t.mu.Unlock()

	if prev == to {
		return
	}
	if prev != "" {
		t.emit(prev, false)
	}
	t.emit(to, true)
}

// Stop clears the indicator right away, e.g. when the message is sent.
func (t *TypingEmitter) Stop() {
	t.mu.Lock()
	prev := t.peer
	t.peer = ""
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	if prev != "" {
		t.emit(prev, false)
	}
}

func (t *TypingEmitter) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.peer == "" {
		t.mu.Unlock()
		return
	}
	prev := t.peer
	t.peer = ""
	t.timer = nil
	t.mu.Unlock()
	t.emit(prev, false)
}

func (t *TypingEmitter) emit(to domain.UserID, typing bool) {
	f, err := domain.Marshal(domain.EventTyping, domain.TypingRequest{To: to, IsTyping: typing})
	if err != nil {
		return
	}
	if err := t.sender.Send(f); err != nil {
		log.Debug().Err(err).Str("module", "client.typing").Str("to", string(to)).Msg("typing not sent")
	}
}
