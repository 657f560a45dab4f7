package media

import (
	"context"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20 ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// PumpSilence writes silent Opus frames to the audio track until ctx is
// cancelled, so the remote side sees the track arrive without a capture
// device. It returns immediately when there is no audio track.
func (l *Local) PumpSilence(ctx context.Context) {
	if l == nil || l.audio == nil {
		return
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrClosedPipe only means no connection is bound right now.
			_ = l.audio.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration})
		case <-ctx.Done():
			return
		}
	}
}
