package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/transport"
)

var (
	errMalformed    = errors.New("malformed description")
	errWrongState   = errors.New("wrong signaling state")
	errBadCandidate = errors.New("bad candidate")
)

// malformedSDP is rejected by fakeConn.SetRemoteDescription.
const malformedSDP = "malformed"

var fakeSeq atomic.Int64

// fakeConn is a signaling-state machine with the discard rules of
// PionConnection and no media plane. Offers and answers carry a readable SDP
// naming the connection that made them.
type fakeConn struct {
	name   string
	events transport.Events
	// autoNegotiate fires negotiation-needed once after the first AddTrack.
	// Tracks added in the same burst share that one event.
	autoNegotiate bool
	// failImplicit makes SetLocalDescription(nil) fail, forcing callers
	// onto the explicit create path.
	failImplicit atomic.Bool

	mu       sync.Mutex
	state    webrtc.SignalingState
	local    *webrtc.SessionDescription
	remote   *webrtc.SessionDescription
	pendingL *webrtc.SessionDescription
	tracks   int
	offers   int
	nnFired  bool
	closed   bool
	conn     webrtc.PeerConnectionState
}

func newFakeConn(name string, events transport.Events, auto bool) *fakeConn {
	return &fakeConn{
		name:          fmt.Sprintf("%s#%d", name, fakeSeq.Add(1)),
		events:        events,
		autoNegotiate: auto,
		state:         webrtc.SignalingStateStable,
		conn:          webrtc.PeerConnectionStateNew,
	}
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, transport.ErrClosed
	}
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer %d from %s", c.offers, c.name)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errWrongState
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer from " + c.name}, nil
}

func (c *fakeConn) SetLocalDescription(sd *webrtc.SessionDescription) error {
	if sd == nil {
		if c.failImplicit.Load() {
			return errors.New("implicit description unsupported")
		}
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()

		var (
			desc webrtc.SessionDescription
			err  error
		)
		if state == webrtc.SignalingStateHaveRemoteOffer {
			desc, err = c.CreateAnswer()
		} else {
			desc, err = c.CreateOffer()
		}
		if err != nil {
			return err
		}
		sd = &desc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}

	switch sd.Type {
	case webrtc.SDPTypeOffer:
		if c.state != webrtc.SignalingStateStable && c.state != webrtc.SignalingStateHaveLocalOffer {
			return errWrongState
		}
		c.state = webrtc.SignalingStateHaveLocalOffer
		c.pendingL = sd
	case webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveRemoteOffer {
			return errWrongState
		}
		c.state = webrtc.SignalingStateStable
		c.pendingL = nil
	default:
		return errWrongState
	}
	c.local = sd
	c.afterTransition()
	return nil
}

func (c *fakeConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if sd.SDP == malformedSDP || sd.SDP == "" {
		return errMalformed
	}

	switch sd.Type {
	case webrtc.SDPTypeOffer:
		switch c.state {
		case webrtc.SignalingStateHaveLocalOffer:
			// Like PionConnection: a first offer can be discarded, a
			// renegotiation offer cannot.
			if c.remote != nil {
				return transport.ErrRollbackUnsupported
			}
			c.pendingL = nil
			c.local = nil
		case webrtc.SignalingStateStable:
		default:
			return errWrongState
		}
		c.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveLocalOffer {
			return errWrongState
		}
		c.state = webrtc.SignalingStateStable
		c.pendingL = nil
	default:
		return errWrongState
	}
	c.remote = &sd
	c.afterTransition()
	return nil
}

// afterTransition reports "connected" on the first stable state with both
// descriptions in place. Called with mu held.
func (c *fakeConn) afterTransition() {
	if c.state != webrtc.SignalingStateStable || c.local == nil || c.remote == nil {
		return
	}
	if c.conn == webrtc.PeerConnectionStateConnected {
		return
	}
	c.conn = webrtc.PeerConnectionStateConnected
	if fn := c.events.OnConnectionStateChange; fn != nil {
		go fn(webrtc.PeerConnectionStateConnected)
	}
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.remote == nil {
		return errWrongState
	}
	if strings.Contains(cand.Candidate, "bad") {
		return errBadCandidate
	}
	return nil
}

func (c *fakeConn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingL != nil {
		return c.pendingL
	}
	return c.local
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *fakeConn) AddTrack(webrtc.TrackLocal) error {
	c.mu.Lock()
	c.tracks++
	fire := c.autoNegotiate && !c.nnFired
	c.nnFired = true
	c.mu.Unlock()

	if fire {
		if fn := c.events.OnNegotiationNeeded; fn != nil {
			go fn()
		}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = webrtc.SignalingStateClosed
	c.conn = webrtc.PeerConnectionStateClosed
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeFactory builds fakeConns and remembers them.
type fakeFactory struct {
	name string
	auto bool
	fail atomic.Bool

	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) build(events transport.Events) (transport.Connection, error) {
	if f.fail.Load() {
		return nil, errors.New("factory down")
	}
	c := newFakeConn(f.name, events, f.auto)
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// outbox records what a session sends.
type outbox struct {
	mu   sync.Mutex
	msgs []signaling.Message
}

func (o *outbox) send(_ context.Context, _ string, msg signaling.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

// drain returns and forgets everything sent so far.
func (o *outbox) drain() []signaling.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.msgs
	o.msgs = nil
	return out
}

// descriptions filters msgs down to description types, in order.
func descriptions(msgs []signaling.Message) []signaling.DescriptionType {
	var out []signaling.DescriptionType
	for _, m := range msgs {
		if m.Description != nil {
			out = append(out, m.Description.Type)
		}
	}
	return out
}
