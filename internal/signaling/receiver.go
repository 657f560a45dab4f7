package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/1ureka/peerlink/internal/util"
)

// receiver turns relay notifications into Link events (private). jsonrpc2
// calls Handle synchronously from its read loop, so events keep the order
// the relay wrote them in.
//
// jsonrpc2 may report a disconnect while Handle is still running, so events
// is only closed under mu, after done has released a blocked Handle.
type receiver struct {
	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func newReceiver() *receiver {
	return &receiver{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// shutdown stops delivery and closes events. Safe to call more than once.
func (r *receiver) shutdown() {
	r.once.Do(func() { close(r.done) })

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
}

// Handle implements jsonrpc2.Handler.
func (r *receiver) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	ev, err := decodeEvent(req)
	if err != nil {
		util.LogWarning("dropping relay notification %q: %v", req.Method, err)
		if !req.Notif {
			_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
				Code:    jsonrpc2.CodeInvalidParams,
				Message: err.Error(),
			})
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// decodeEvent maps one notification onto an Event.
func decodeEvent(req *jsonrpc2.Request) (Event, error) {
	if req.Params == nil {
		return Event{}, fmt.Errorf("missing params")
	}
	raw := []byte(*req.Params)

	switch req.Method {
	case methodConnect:
		var p connectParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventConnected, SelfID: p.ID}, nil

	case methodConnectedPeer:
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventPeerJoined, PeerID: id}, nil

	case methodConnectedPeers:
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventPeerList, PeerIDs: ids}, nil

	case methodDisconnectedPeer:
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventPeerLeft, PeerID: id}, nil

	case methodSignal:
		var p inboundSignal
		if err := json.Unmarshal(raw, &p); err != nil {
			return Event{}, err
		}
		if err := p.Message.Validate(); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventSignal, PeerID: p.From, Message: p.Message}, nil

	default:
		return Event{}, fmt.Errorf("unknown method")
	}
}
