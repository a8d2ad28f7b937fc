// Package client keeps a signaling connection alive and routes its events.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/Chatline/internal/core"
	"github.com/dkeye/Chatline/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrServerClosed = errors.New("server closed the connection")
	ErrSuperseded   = errors.New("session superseded by a newer connection")
	ErrNotConnected = errors.New("not connected")
)

// Session is one live transport connection.
type Session interface {
	Send(frame []byte) error
	// Run reads until the connection drops and reports why.
	Run(handle func(domain.Message)) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, uid domain.UserID) (Session, error)
}

// WSDialer opens WebSocket sessions with the user id as handshake identity.
type WSDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
}

func (d *WSDialer) Dial(ctx context.Context, uid domain.UserID) (Session, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	q := u.Query()
	q.Set("userId", string(uid))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	log.Info().Str("module", "client.transport").Str("url", u.Redacted()).Msg("connected")
	return &wsSession{ws: ws, pongWait: d.PongWait, writeWait: d.WriteWait}, nil
}

type wsSession struct {
	ws        *websocket.Conn
	pongWait  time.Duration
	writeWait time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *wsSession) Send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *wsSession) Run(handle func(domain.Message)) error {
	extend := func() {
		if s.pongWait > 0 {
			_ = s.ws.SetReadDeadline(time.Now().Add(s.pongWait))
		}
	}
	extend()
	// The server pings; a missing ping within pongWait means a stalled path.
	s.ws.SetPingHandler(func(data string) error {
		extend()
		err := s.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return classify(err)
		}
		extend()
		msg, err := domain.Unmarshal(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.transport").Msg("bad frame")
			continue
		}
		handle(msg)
	}
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait))
		err = s.ws.Close()
	})
	return err
}

// classify maps a read error to ErrSuperseded, ErrServerClosed or the raw drop.
// 1006 is synthesized locally when the socket ends without a close frame.
func classify(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code == websocket.CloseAbnormalClosure {
		return err
	}
	if ce.Code == core.CloseSuperseded {
		return fmt.Errorf("%w: %s", ErrSuperseded, ce.Text)
	}
	return fmt.Errorf("%w: %v", ErrServerClosed, err)
}
