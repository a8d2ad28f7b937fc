package rtc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dkeye/Chatline/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

// recordTrack writes the remote Opus track to <dir>/<peer>-<unix>.ogg until it ends.
func recordTrack(ctx context.Context, dir string, peer domain.UserID, track *webrtc.TrackRemote) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.ogg", peer, time.Now().Unix()))
	w, err := oggwriter.New(path, track.Codec().ClockRate, track.Codec().Channels)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	log.Info().Str("module", "rtc.record").Str("file", path).Msg("recording remote audio")
	return record(ctx, w, func() (*rtp.Packet, error) {
		p, _, err := track.ReadRTP()
		return p, err
	})
}

// record copies packets from next into w until next fails or ctx ends.
func record(ctx context.Context, w rtpWriter, next func() (*rtp.Packet, error)) error {
	defer func() {
		if err := w.Close(); err != nil {
			log.Warn().Err(err).Str("module", "rtc.record").Msg("close recording")
		}
	}()
	for ctx.Err() == nil {
		p, err := next()
		if err != nil {
			return nil
		}
		if err := w.WriteRTP(p); err != nil {
			return err
		}
	}
	return nil
}
