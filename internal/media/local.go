// Package media holds the local tracks a call publishes. Capture is not
// done here: callers feed samples into the tracks themselves.
package media

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/transport"
)

// Options selects which tracks to publish.
type Options struct {
	Video    bool
	Audio    bool
	StreamID string
}

// Local is the set of local tracks. The same tracks are re-attached to
// every replacement connection, so one sample writer keeps serving the
// call across resets.
type Local struct {
	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample
}

// NewLocal creates the requested tracks. Video is VP8 and audio is Opus.
func NewLocal(opts Options) (*Local, error) {
	if opts.StreamID == "" {
		opts.StreamID = "peerlink"
	}

	l := &Local{}
	if opts.Video {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", opts.StreamID)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		l.video = t
	}
	if opts.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", opts.StreamID)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		l.audio = t
	}
	return l, nil
}

// Video returns the video track, or nil.
func (l *Local) Video() *webrtc.TrackLocalStaticSample { return l.video }

// Audio returns the audio track, or nil.
func (l *Local) Audio() *webrtc.TrackLocalStaticSample { return l.audio }

// Tracks lists the active tracks, video first.
func (l *Local) Tracks() []webrtc.TrackLocal {
	if l == nil {
		return nil
	}
	var tracks []webrtc.TrackLocal
	if l.video != nil {
		tracks = append(tracks, l.video)
	}
	if l.audio != nil {
		tracks = append(tracks, l.audio)
	}
	return tracks
}

// AttachTo adds every active track to conn. All tracks are attempted even
// if one fails.
func (l *Local) AttachTo(conn transport.Connection) error {
	var errs []error
	for _, t := range l.Tracks() {
		if err := conn.AddTrack(t); err != nil {
			errs = append(errs, fmt.Errorf("add %s track: %w", t.Kind(), err))
		}
	}
	return errors.Join(errs...)
}
