package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/util"
)

// DefaultSTUNServers are used when the configuration names no ICE servers.
// No TURN: relaying media is out of scope.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Options configures the pion connections built by NewPionFactory.
type Options struct {
	ICEServers []webrtc.ICEServer
	// Debounce coalesces bursts of negotiation-needed (adding audio and
	// video back to back). Zero fires immediately.
	Debounce time.Duration
	// DataChannel, when set, is the label of a pre-negotiated data channel
	// created on every connection.
	DataChannel string
}

// NewPionFactory returns a Factory building PionConnections.
func NewPionFactory(opts Options) Factory {
	return func(events Events) (Connection, error) {
		return NewPionConnection(opts, events)
	}
}

// ErrRollbackUnsupported is returned when a competing remote offer arrives
// on a connection that already completed a negotiation. pion has no
// rollback out of have-local-offer, and a negotiated connection cannot be
// rebuilt without losing its transport.
var ErrRollbackUnsupported = errors.New("rollback of a renegotiation offer is not supported")

// Compile-time interface check.
var _ Connection = (*PionConnection)(nil)

// PionConnection adapts a pion PeerConnection to Connection.
//
// Remote candidates that arrive before any remote description are held and
// applied right after the next successful SetRemoteDescription.
//
// pion cannot roll a pending local offer back. Before the first remote
// description the offer only lives in the local peer connection, so a
// competing remote offer is applied to a rebuilt peer connection carrying
// the same tracks and data channel. Callbacks of the discarded one are
// muted.
type PionConnection struct {
	opts      Options
	events    Events
	debounced func(f func())

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	pcCancel context.CancelFunc
	tracks   []webrtc.TrackLocal
	pending  []webrtc.ICECandidateInit
	channel  *Channel
	rebuilds int
}

// NewPionConnection creates the peer connection and subscribes events.
func NewPionConnection(opts Options, events Events) (*PionConnection, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &PionConnection{opts: opts, events: events, ctx: ctx, cancel: cancel}
	if opts.Debounce > 0 {
		c.debounced = debounce.New(opts.Debounce)
	}

	if err := c.build(); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

// build creates a pion peer connection wired to the events, re-adds the
// known tracks and installs it as current. Called without mu held.
func (c *PionConnection) build() error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: c.opts.ICEServers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	pcCtx, pcCancel := context.WithCancel(c.ctx)
	live := func() bool { return pcCtx.Err() == nil }
	events := c.events

	if fn := events.OnNegotiationNeeded; fn != nil {
		if c.debounced != nil {
			pc.OnNegotiationNeeded(func() {
				c.debounced(func() {
					if live() {
						fn()
					}
				})
			})
		} else {
			pc.OnNegotiationNeeded(func() {
				if live() {
					fn()
				}
			})
		}
	}

	if fn := events.OnICECandidate; fn != nil {
		pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
			if !live() {
				return
			}
			if cand == nil {
				fn(nil)
				return
			}
			init := cand.ToJSON()
			fn(&init)
		})
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if !live() {
			return
		}
		util.LogDebug("PeerConnection state: %s", state)
		if fn := events.OnConnectionStateChange; fn != nil {
			fn(state)
		}
	})

	if fn := events.OnTrack; fn != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			if live() {
				fn(track, receiver)
			}
		})
	}

	fail := func(err error) error {
		pcCancel()
		return errors.Join(err, pc.Close())
	}

	c.mu.Lock()
	tracks := append([]webrtc.TrackLocal(nil), c.tracks...)
	c.mu.Unlock()
	for _, track := range tracks {
		if err := addTrack(pc, track); err != nil {
			return fail(err)
		}
	}

	var channel *Channel
	if c.opts.DataChannel != "" {
		dc, err := newDataChannel(pc, c.opts.DataChannel)
		if err != nil {
			return fail(err)
		}
		channel = newChannel(pcCtx, dc)
		if fn := events.OnChannel; fn != nil {
			go func() {
				select {
				case <-channel.Ready():
					fn(channel)
				case <-pcCtx.Done():
				}
			}()
		}
	}

	c.mu.Lock()
	old, oldCancel := c.pc, c.pcCancel
	c.pc, c.pcCancel, c.channel = pc, pcCancel, channel
	c.mu.Unlock()

	if old != nil {
		oldCancel()
		if err := old.Close(); err != nil {
			util.LogDebug("closing discarded peer connection: %v", err)
		}
	}
	return nil
}

// current returns the live pion peer connection.
func (c *PionConnection) current() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

// newDataChannel creates a pre-negotiated data channel (ID 0) so both
// sides can open it without relying on OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection, label string) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// ---------------------------------------------------------------------------
// Descriptions
// ---------------------------------------------------------------------------

func (c *PionConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.current().CreateOffer(nil)
}

func (c *PionConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.current().CreateAnswer(nil)
}

// SetLocalDescription applies sd, or with nil creates and applies whatever
// the signaling state calls for next.
func (c *PionConnection) SetLocalDescription(sd *webrtc.SessionDescription) error {
	pc := c.current()
	if sd != nil {
		return pc.SetLocalDescription(*sd)
	}

	var (
		desc webrtc.SessionDescription
		err  error
	)
	switch state := pc.SignalingState(); state {
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveLocalPranswer:
		desc, err = pc.CreateAnswer(nil)
	case webrtc.SignalingStateStable, webrtc.SignalingStateHaveLocalOffer:
		desc, err = pc.CreateOffer(nil)
	case webrtc.SignalingStateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("no implicit description in state %s", state)
	}
	if err != nil {
		return err
	}
	return pc.SetLocalDescription(desc)
}

// SetRemoteDescription applies sd, discarding a pending local offer when sd
// is a competing offer, then flushes held remote candidates.
func (c *PionConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if sd.Type == webrtc.SDPTypeOffer && c.current().SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err := c.discardLocalOffer(); err != nil {
			return fmt.Errorf("discard local offer: %w", err)
		}
	}

	pc := c.current()
	if err := pc.SetRemoteDescription(sd); err != nil {
		return err
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			util.LogDebug("dropping held candidate: %v", err)
		}
	}
	return nil
}

// discardLocalOffer replaces the peer connection with a fresh one in the
// stable state. Only valid while nothing was negotiated yet.
func (c *PionConnection) discardLocalOffer() error {
	if c.current().CurrentRemoteDescription() != nil {
		return ErrRollbackUnsupported
	}
	if err := c.build(); err != nil {
		return err
	}

	c.mu.Lock()
	c.rebuilds++
	c.mu.Unlock()
	util.LogDebug("pending local offer discarded for a competing remote offer")
	return nil
}

// AddICECandidate adds a remote candidate, holding it until a remote
// description exists.
func (c *PionConnection) AddICECandidate(cand webrtc.ICECandidateInit) error {
	pc := c.current()
	if pc.SignalingState() == webrtc.SignalingStateClosed {
		return ErrClosed
	}
	if pc.RemoteDescription() == nil {
		c.mu.Lock()
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	return pc.AddICECandidate(cand)
}

func (c *PionConnection) LocalDescription() *webrtc.SessionDescription {
	return c.current().LocalDescription()
}

func (c *PionConnection) SignalingState() webrtc.SignalingState {
	return c.current().SignalingState()
}

func (c *PionConnection) ConnectionState() webrtc.PeerConnectionState {
	return c.current().ConnectionState()
}

// ---------------------------------------------------------------------------
// Media and lifecycle
// ---------------------------------------------------------------------------

// AddTrack attaches a local track. It is remembered so a rebuilt peer
// connection carries it too.
func (c *PionConnection) AddTrack(track webrtc.TrackLocal) error {
	if err := addTrack(c.current(), track); err != nil {
		return err
	}
	c.mu.Lock()
	c.tracks = append(c.tracks, track)
	c.mu.Unlock()
	return nil
}

// addTrack adds track to pc and drains the sender's RTCP so interceptors
// keep running.
func addTrack(pc *webrtc.PeerConnection, track webrtc.TrackLocal) error {
	sender, err := pc.AddTrack(track)
	if err != nil {
		return err
	}

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

// Channel returns the data channel, or nil when none was configured.
func (c *PionConnection) Channel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Close tears down the peer connection. Pending callbacks are discarded.
func (c *PionConnection) Close() error {
	c.cancel()
	return c.current().Close()
}
