package signaling

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/peerlink/internal/room"
	"github.com/1ureka/peerlink/internal/util"
)

// MemoryHub is an in-process relay. Links obtained from the same hub and
// room see each other exactly as they would through the WebSocket relay.
type MemoryHub struct {
	mu    sync.Mutex
	rooms map[room.Code]map[string]*MemoryLink
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{rooms: make(map[room.Code]map[string]*MemoryLink)}
}

// Link returns an unopened link for code. An empty id gets a random one,
// mirroring the relay assigning ids on connect.
func (h *MemoryHub) Link(code room.Code, id string) *MemoryLink {
	if id == "" {
		id = uuid.NewString()
	}
	return &MemoryLink{hub: h, room: code, id: id}
}

// Compile-time interface check.
var _ Link = (*MemoryLink)(nil)

// MemoryLink is one endpoint attached to a MemoryHub.
type MemoryLink struct {
	hub  *MemoryHub
	room room.Code
	id   string

	mu     sync.Mutex
	open   bool
	queue  *util.Queue[Event]
	events chan Event
	done   chan struct{}
}

// ID is the id this link announces on connect.
func (l *MemoryLink) ID() string { return l.id }

// Open joins the room: the link receives connect and the current peer
// list, everyone else receives connected peer.
func (l *MemoryLink) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.open {
		l.mu.Unlock()
		return nil
	}
	l.open = true
	l.queue = util.NewQueue[Event]()
	l.events = make(chan Event)
	l.done = make(chan struct{})
	go l.pump(l.queue, l.events, l.done)
	l.mu.Unlock()

	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	peers := h.rooms[l.room]
	if peers == nil {
		peers = make(map[string]*MemoryLink)
		h.rooms[l.room] = peers
	}

	existing := make([]string, 0, len(peers))
	for id := range peers {
		existing = append(existing, id)
	}
	sort.Strings(existing)

	l.deliver(Event{Kind: EventConnected, SelfID: l.id})
	l.deliver(Event{Kind: EventPeerList, PeerIDs: existing})

	for _, other := range peers {
		other.deliver(Event{Kind: EventPeerJoined, PeerID: l.id})
	}
	peers[l.id] = l
	return nil
}

// Close leaves the room and closes the event channel once the backlog is
// drained or abandoned.
func (l *MemoryLink) Close() error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return nil
	}
	l.open = false
	close(l.done)
	l.mu.Unlock()

	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	peers := h.rooms[l.room]
	if peers[l.id] != l {
		return nil
	}
	delete(peers, l.id)
	if len(peers) == 0 {
		delete(h.rooms, l.room)
	}
	for _, other := range peers {
		other.deliver(Event{Kind: EventPeerLeft, PeerID: l.id})
	}
	return nil
}

// Send routes msg to the named peer or every other peer in the room.
func (l *MemoryLink) Send(ctx context.Context, to string, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	open := l.open
	l.mu.Unlock()
	if !open {
		return ErrLinkClosed
	}

	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{Kind: EventSignal, PeerID: l.id, Message: msg}
	peers := h.rooms[l.room]
	if to != "" {
		target, ok := peers[to]
		if !ok {
			return ErrUnknownPeer
		}
		target.deliver(ev)
		return nil
	}
	for id, other := range peers {
		if id != l.id {
			other.deliver(ev)
		}
	}
	return nil
}

func (l *MemoryLink) Events() <-chan Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}

// deliver enqueues without blocking; the pump goroutine feeds Events.
func (l *MemoryLink) deliver(ev Event) {
	l.mu.Lock()
	q := l.queue
	l.mu.Unlock()
	if q != nil {
		q.Push(ev)
	}
}

func (l *MemoryLink) pump(q *util.Queue[Event], out chan<- Event, done <-chan struct{}) {
	defer close(out)
	for {
		ev, ok := q.Pop()
		if !ok {
			select {
			case <-q.Ready():
				continue
			case <-done:
				return
			}
		}
		select {
		case out <- ev:
		case <-done:
			return
		}
	}
}
