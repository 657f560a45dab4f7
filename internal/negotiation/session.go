package negotiation

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/media"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

// Flags is the negotiation state of one session.
//
// MakingOffer and SettingRemoteAnswerPending are never both set.
type Flags struct {
	// MakingOffer is set from a local negotiation-needed until the
	// resulting description has been sent (or generating it failed).
	MakingOffer bool
	// IgnoringOffer is set when the last inbound offer was dropped as a
	// collision. The next inbound description recomputes it.
	IgnoringOffer bool
	// SettingRemoteAnswerPending is set while an inbound answer is applied.
	SettingRemoteAnswerPending bool
	// SuppressingInitialOffer is set on a polite session right after a
	// reset, until it has answered the impolite peer's recovery offer.
	SuppressingInitialOffer bool
}

// sessionDeps are the collaborators a session shares with its coordinator.
type sessionDeps struct {
	send     func(ctx context.Context, to string, msg signaling.Message) error
	factory  transport.Factory
	media    *media.Local
	observer Observer
}

// PeerSession negotiates with one remote peer.
//
// Every mutation happens on the session's own goroutine, fed by an
// unbounded mailbox: inbound signals in arrival order, interleaved with
// events from the current connection. Events from a connection that was
// replaced by a reset carry a stale generation and are dropped.
type PeerSession struct {
	id   string
	role Role
	deps sessionDeps

	mu    sync.RWMutex
	flags Flags
	conn  transport.Connection
	gen   uint64

	mailbox *util.Queue[any]
	running bool
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Mailbox items.
type (
	inboundSignal     struct{ msg signaling.Message }
	negotiationNeeded struct{ gen uint64 }
	localCandidate    struct {
		gen  uint64
		cand *webrtc.ICECandidateInit
	}
	stateChange struct {
		gen   uint64
		state webrtc.PeerConnectionState
	}
	remoteTrack struct {
		gen   uint64
		track *webrtc.TrackRemote
	}
	channelOpen struct {
		gen uint64
		ch  *transport.Channel
	}
)

func newPeerSession(id string, role Role, deps sessionDeps) *PeerSession {
	return &PeerSession{
		id:      id,
		role:    role,
		deps:    deps,
		mailbox: util.NewQueue[any](),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// ID is the remote peer id.
func (s *PeerSession) ID() string { return s.id }

// Role is fixed at creation.
func (s *PeerSession) Role() Role { return s.role }

// Snapshot returns a copy of the current flags.
func (s *PeerSession) Snapshot() Flags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

// Connection returns the current connection. It changes on every reset.
func (s *PeerSession) Connection() transport.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Generation counts connections built for this session, starting at 1.
func (s *PeerSession) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

func (s *PeerSession) update(fn func(f *Flags)) {
	s.mu.Lock()
	fn(&s.flags)
	s.mu.Unlock()
}

// ──────────────────────────────────────────────────────────────────────────────
// Connection lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// connect builds a connection for the next generation and attaches local
// media. The previous connection, if any, is closed once the new one
// exists; on failure the previous one is kept.
func (s *PeerSession) connect() error {
	s.mu.RLock()
	gen := s.gen + 1
	s.mu.RUnlock()

	conn, err := s.deps.factory(s.events(gen))
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.gen = gen
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			util.LogDebug("peer %s: closing replaced connection: %v", util.ShortID(s.id), err)
		}
	}

	if s.deps.media != nil {
		if err := s.deps.media.AttachTo(conn); err != nil {
			util.LogWarning("peer %s: attaching local media: %v", util.ShortID(s.id), err)
		}
	}
	return nil
}

// events routes connection callbacks into the mailbox, tagged with gen.
func (s *PeerSession) events(gen uint64) transport.Events {
	return transport.Events{
		OnNegotiationNeeded: func() {
			s.mailbox.Push(negotiationNeeded{gen: gen})
		},
		OnICECandidate: func(c *webrtc.ICECandidateInit) {
			s.mailbox.Push(localCandidate{gen: gen, cand: c})
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			s.mailbox.Push(stateChange{gen: gen, state: state})
		},
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			s.mailbox.Push(remoteTrack{gen: gen, track: track})
		},
		OnChannel: func(ch *transport.Channel) {
			s.mailbox.Push(channelOpen{gen: gen, ch: ch})
		},
	}
}

// start builds the first connection and launches the session goroutine.
func (s *PeerSession) start(ctx context.Context) error {
	if err := s.connect(); err != nil {
		return err
	}
	s.running = true
	go s.run(ctx)
	return nil
}

// post queues an inbound signal.
func (s *PeerSession) post(msg signaling.Message) {
	s.mailbox.Push(inboundSignal{msg: msg})
}

func (s *PeerSession) run(ctx context.Context) {
	defer close(s.stopped)

	for {
		for {
			item, ok := s.mailbox.Pop()
			if !ok {
				break
			}
			s.dispatch(ctx, item)

			select {
			case <-s.stop:
				return
			default:
			}
		}

		select {
		case <-s.mailbox.Ready():
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// close stops the goroutine and closes the connection.
func (s *PeerSession) close() {
	s.once.Do(func() {
		close(s.stop)
	})
	if s.running {
		<-s.stopped
	}

	if conn := s.Connection(); conn != nil {
		if err := conn.Close(); err != nil {
			util.LogDebug("peer %s: close: %v", util.ShortID(s.id), err)
		}
	}
}

// dispatch runs one mailbox item to completion.
func (s *PeerSession) dispatch(ctx context.Context, item any) {
	switch ev := item.(type) {
	case inboundSignal:
		s.onMessage(ctx, ev.msg)

	case negotiationNeeded:
		if s.current(ev.gen) {
			s.onNegotiationNeeded(ctx)
		}

	case localCandidate:
		if s.current(ev.gen) {
			s.send(ctx, signaling.NewCandidate(ev.cand))
		}

	case stateChange:
		if !s.current(ev.gen) {
			return
		}
		util.LogInfo("Peer %s: connection %s", util.ShortID(s.id), ev.state)
		if fn := s.deps.observer.OnConnectionState; fn != nil {
			fn(s.id, ev.state)
		}

	case remoteTrack:
		if !s.current(ev.gen) {
			return
		}
		util.LogInfo("Peer %s: remote %s track %s", util.ShortID(s.id), ev.track.Kind(), ev.track.ID())
		if fn := s.deps.observer.OnTrack; fn != nil {
			fn(s.id, ev.track)
		}

	case channelOpen:
		if !s.current(ev.gen) {
			return
		}
		util.LogDebug("Peer %s: data channel %q open", util.ShortID(s.id), ev.ch.Label())
		if fn := s.deps.observer.OnChannel; fn != nil {
			fn(s.id, ev.ch)
		}
	}
}

func (s *PeerSession) current(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return gen == s.gen
}

// send relays msg to the peer. Failures are logged; the link owner decides
// what a dead link means.
func (s *PeerSession) send(ctx context.Context, msg signaling.Message) {
	if err := s.deps.send(ctx, s.id, msg); err != nil {
		util.LogWarning("peer %s: failed to send %s: %v", util.ShortID(s.id), msg, err)
	}
}
