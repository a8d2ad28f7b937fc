package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Chatline/internal/client/call"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// FileSource plays an Ogg/Opus file in a loop as the microphone.
// With no Path it produces silence.
type FileSource struct {
	Path string
}

func (s FileSource) Acquire(context.Context) (call.LocalMedia, error) {
	var frames frameReader = silence{}
	if s.Path != "" {
		r, err := openOgg(s.Path)
		if err != nil {
			return nil, err
		}
		frames = r
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "chatline",
	)
	if err != nil {
		frames.Close()
		return nil, err
	}
	m := &Microphone{track: track, frames: frames, done: make(chan struct{})}
	m.enabled.Store(true)
	go m.pump()
	return m, nil
}

// Microphone feeds frames into a local track. Muting stops the samples but keeps the track.
type Microphone struct {
	track  *webrtc.TrackLocalStaticSample
	frames frameReader

	enabled   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func (m *Microphone) SetEnabled(enabled bool) { m.enabled.Store(enabled) }
func (m *Microphone) Enabled() bool           { return m.enabled.Load() }

func (m *Microphone) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *Microphone) pump() {
	defer m.frames.Close()
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		data, d, err := m.frames.Next()
		if err != nil {
			log.Warn().Err(err).Str("module", "rtc.media").Msg("microphone stopped")
			return
		}
		if !m.enabled.Load() {
			continue
		}
		if err := m.track.WriteSample(media.Sample{Data: data, Duration: d}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debug().Err(err).Str("module", "rtc.media").Msg("write sample")
		}
	}
}

type frameReader interface {
	Next() ([]byte, time.Duration, error)
	Close() error
}

type silence struct{}

func (silence) Next() ([]byte, time.Duration, error) { return opusSilence, frameDuration, nil }
func (silence) Close() error                         { return nil }

// oggFile loops over the pages of an Ogg/Opus file.
type oggFile struct {
	f           *os.File
	ogg         *oggreader.OggReader
	lastGranule uint64
}

func openOgg(path string) (*oggFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open microphone file: %w", err)
	}
	ogg, header, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read ogg header: %w", err)
	}
	log.Info().Str("module", "rtc.media").Str("file", path).
		Uint32("sample_rate", header.SampleRate).Uint8("channels", header.Channels).Msg("microphone file")
	return &oggFile{f: f, ogg: ogg}, nil
}

func (o *oggFile) Next() ([]byte, time.Duration, error) {
	page, header, err := o.ogg.ParseNextPage()
	if errors.Is(err, io.EOF) {
		if _, err := o.f.Seek(0, io.SeekStart); err != nil {
			return nil, 0, err
		}
		if o.ogg, _, err = oggreader.NewWith(o.f); err != nil {
			return nil, 0, err
		}
		o.lastGranule = 0
		page, header, err = o.ogg.ParseNextPage()
	}
	if err != nil {
		return nil, 0, err
	}
	d := frameDuration
	if header.GranulePosition > o.lastGranule {
		samples := header.GranulePosition - o.lastGranule
		d = time.Duration(samples) * time.Second / 48000
	}
	o.lastGranule = header.GranulePosition
	return page, d, nil
}

func (o *oggFile) Close() error { return o.f.Close() }
