// Package transport is the narrow handle the negotiation layer drives: one
// WebRTC peer connection per remote peer, plus the pion-backed
// implementation used outside tests.
package transport

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// Connection is the subset of a peer connection perfect negotiation needs.
//
// SetLocalDescription with a nil description performs the implicit next
// step: an answer when a remote offer is pending, an offer otherwise.
// Applying a remote offer while a local offer is pending discards the local
// offer first. Implementations that cannot do that once a negotiation has
// completed return ErrRollbackUnsupported, and the caller recovers by
// resetting.
type Connection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd *webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	// LocalDescription is the pending local description if any, else the
	// current one. Nil before the first SetLocalDescription.
	LocalDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	AddTrack(track webrtc.TrackLocal) error
	Close() error
}

// Events are the connection callbacks. They are bound at construction so a
// replacement connection never inherits the subscriptions of the old one.
// Any field may be nil. Callbacks run on pion's goroutines and must not
// block.
type Events struct {
	OnNegotiationNeeded     func()
	OnICECandidate          func(c *webrtc.ICECandidateInit) // nil: gathering complete
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
	OnTrack                 func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnChannel               func(ch *Channel) // data channel opened
}

// Factory builds a fresh connection wired to events.
type Factory func(events Events) (Connection, error)
