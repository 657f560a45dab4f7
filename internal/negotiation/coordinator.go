// Package negotiation runs perfect negotiation against every peer in a
// room: one PeerSession per remote peer, each driven by its own goroutine,
// with offer collisions resolved by the session's role.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/media"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

var (
	// ErrAlreadyJoined is returned by JoinSession while joined.
	ErrAlreadyJoined = errors.New("already joined")
	// ErrNotJoined is returned by LeaveSession when not joined.
	ErrNotJoined = errors.New("not joined")
)

// Observer receives per-peer notifications. Nil fields are skipped. The
// callbacks run on the session goroutine and should return quickly.
type Observer struct {
	OnConnectionState func(peerID string, state webrtc.PeerConnectionState)
	OnTrack           func(peerID string, track *webrtc.TrackRemote)
	OnCandidateError  func(peerID string, c webrtc.ICECandidateInit, err error)
	OnChannel         func(peerID string, ch *transport.Channel)
	// OnPeerLeft fires after a session is torn down on disconnect.
	OnPeerLeft func(peerID string)
}

// Options configures a Coordinator.
type Options struct {
	Link     signaling.Link
	Factory  transport.Factory
	Policy   RolePolicy
	Media    *media.Local
	Observer Observer
}

// Coordinator owns the peer session registry of one room.
type Coordinator struct {
	link   signaling.Link
	policy RolePolicy
	deps   sessionDeps

	mu       sync.RWMutex
	selfID   string
	sessions map[string]*PeerSession
	joined   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New validates opts and returns an idle coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Link == nil {
		return nil, errors.New("negotiation: nil signaling link")
	}
	if opts.Factory == nil {
		return nil, errors.New("negotiation: nil connection factory")
	}
	if opts.Policy == "" {
		opts.Policy = PolicyAuto
	}

	c := &Coordinator{
		link:     opts.Link,
		policy:   opts.Policy,
		sessions: make(map[string]*PeerSession),
	}
	c.deps = sessionDeps{
		send:     opts.Link.Send,
		factory:  opts.Factory,
		media:    opts.Media,
		observer: opts.Observer,
	}
	return c, nil
}

// JoinSession opens the link and starts following room events. It returns
// once the link is open.
func (c *Coordinator) JoinSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.joined {
		return ErrAlreadyJoined
	}
	if err := c.link.Open(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.joined = true
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(loopCtx, c.link.Events(), c.done)
	return nil
}

// LeaveSession closes the link and tears down every session.
func (c *Coordinator) LeaveSession() error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	c.joined = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	err := c.link.Close()
	<-done

	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*PeerSession)
	c.selfID = ""
	c.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	util.LogInfo("Left the call (%d session(s) closed)", len(sessions))
	return err
}

// Done is closed when the event loop of the current join stops, either on
// LeaveSession or because the link dropped. Nil before the first join.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// SelfID is the id the relay assigned to us, empty before connect.
func (c *Coordinator) SelfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

// Session returns the session for a peer.
func (c *Coordinator) Session(id string) (*PeerSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Sessions returns all sessions ordered by peer id.
func (c *Coordinator) Sessions() []*PeerSession {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*PeerSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ──────────────────────────────────────────────────────────────────────────────
// Event loop
// ──────────────────────────────────────────────────────────────────────────────

func (c *Coordinator) run(ctx context.Context, events <-chan signaling.Event, done chan struct{}) {
	defer close(done)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					util.LogWarning("Signaling link closed")
				}
				return
			}
			c.handle(ctx, ev)

		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventConnected:
		c.mu.Lock()
		c.selfID = ev.SelfID
		c.mu.Unlock()
		util.LogInfo("Connected to signaling as %s", util.ShortID(ev.SelfID))

	case signaling.EventPeerList:
		util.LogInfo("%d peer(s) already in the room", len(ev.PeerIDs))
		for _, id := range ev.PeerIDs {
			c.ensure(ctx, id)
		}

	case signaling.EventPeerJoined:
		util.LogInfo("Peer %s joined", util.ShortID(ev.PeerID))
		c.ensure(ctx, ev.PeerID)

	case signaling.EventPeerLeft:
		util.LogInfo("Peer %s left", util.ShortID(ev.PeerID))
		c.remove(ev.PeerID)

	case signaling.EventSignal:
		if s := c.ensure(ctx, ev.PeerID); s != nil {
			s.post(ev.Message)
		}
	}
}

// ensure returns the session for id, creating and starting it on first
// sight. It returns nil if the session cannot be created.
func (c *Coordinator) ensure(ctx context.Context, id string) *PeerSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[id]; ok {
		return s
	}
	if id == "" || id == c.selfID {
		return nil
	}

	role := c.policy.Resolve(c.selfID, id)
	s := newPeerSession(id, role, c.deps)
	if err := s.start(ctx); err != nil {
		util.LogError("peer %s: %v", util.ShortID(id), err)
		return nil
	}

	c.sessions[id] = s
	util.LogDebug("peer %s: session created as %s", util.ShortID(id), role)
	return s
}

func (c *Coordinator) remove(id string) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	s.close()
	if fn := c.deps.observer.OnPeerLeft; fn != nil {
		fn(id)
	}
}
