// Package rtc implements call negotiation and local audio on top of pion/webrtc.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Chatline/internal/client/call"
	"github.com/dkeye/Chatline/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrForeignMedia = errors.New("media was not acquired from an rtc source")

// DefaultICEServers are used when the configuration names none.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}

// Negotiator creates one peer connection per call.
type Negotiator struct {
	api    *webrtc.API
	config webrtc.Configuration
	// RecordDir receives the remote audio of each call when set.
	RecordDir string
}

func NewNegotiator(iceServers []string) (*Negotiator, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	return &Negotiator{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
		},
	}, nil
}

func (n *Negotiator) NewHandle(peer domain.UserID, events call.HandleEvents) (call.Handle, error) {
	pc, err := n.api.NewPeerConnection(n.config)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc, peer: peer, events: events, recordDir: n.RecordDir}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.start()
	return c, nil
}

// Connection is the call.Handle for one peer connection.
type Connection struct {
	pc        *webrtc.PeerConnection
	peer      domain.UserID
	events    call.HandleEvents
	recordDir string

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *Connection) start() {
	logger := log.With().Str("module", "rtc").Str("peer", string(c.peer)).Logger()

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.cancel()
		}
		if c.events.OnStateChange != nil {
			c.events.OnStateChange(connState(s))
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.events.OnCandidate == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			logger.Warn().Err(err).Msg("encode candidate")
			return
		}
		c.events.OnCandidate(b)
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		if c.recordDir == "" {
			go drain(c.ctx, track)
			return
		}
		go func() {
			if err := recordTrack(c.ctx, c.recordDir, c.peer, track); err != nil {
				logger.Warn().Err(err).Msg("recording stopped")
			}
		}()
	})
}

func (c *Connection) AttachMedia(m call.LocalMedia) error {
	mic, ok := m.(*Microphone)
	if !ok {
		return ErrForeignMedia
	}
	sender, err := c.pc.AddTrack(mic.track)
	if err != nil {
		return err
	}
	// RTCP has to be read for the interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Connection) CreateOffer(context.Context) (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return c.setLocal(offer)
}

func (c *Connection) CreateAnswer(context.Context) (json.RawMessage, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return c.setLocal(answer)
}

// setLocal applies desc; candidates trickle through OnCandidate afterwards.
func (c *Connection) setLocal(desc webrtc.SessionDescription) (json.RawMessage, error) {
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	return json.Marshal(c.pc.LocalDescription())
}

func (c *Connection) SetRemoteDescription(_ context.Context, raw json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("decode description: %w", err)
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) AddCandidate(raw json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) Close() error {
	c.cancel()
	err := c.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.peer)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("peer", string(c.peer)).Msg("closed")
	}
	return err
}

func connState(s webrtc.PeerConnectionState) call.ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return call.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return call.ConnClosed
	}
	return call.ConnNew
}

func drain(ctx context.Context, track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
