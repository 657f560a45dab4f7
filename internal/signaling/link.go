package signaling

import (
	"context"
	"errors"
)

var (
	// ErrLinkClosed is returned when sending on a link that is not open.
	ErrLinkClosed = errors.New("signaling link closed")
	// ErrUnknownPeer is returned when a directed message names a peer that
	// is not present in the room.
	ErrUnknownPeer = errors.New("unknown peer")
)

// EventKind enumerates the link lifecycle and message events.
type EventKind int

const (
	// EventConnected fires once per Open with the id assigned to us.
	EventConnected EventKind = iota
	// EventPeerJoined fires when another peer joins the room.
	EventPeerJoined
	// EventPeerList carries the peers already present when we joined.
	EventPeerList
	// EventPeerLeft fires when a peer disconnects.
	EventPeerLeft
	// EventSignal carries a Message relayed from PeerID.
	EventSignal
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connect"
	case EventPeerJoined:
		return "connected peer"
	case EventPeerList:
		return "connected peers"
	case EventPeerLeft:
		return "disconnected peer"
	case EventSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Event is delivered on Link.Events. Which fields are set depends on Kind:
// SelfID for EventConnected, PeerID for joined/left/signal, PeerIDs for
// EventPeerList, Message for EventSignal.
type Event struct {
	Kind    EventKind
	SelfID  string
	PeerID  string
	PeerIDs []string
	Message Message
}

// Link is the relayed channel between the endpoints of one room. Messages
// from a given sender arrive in the order they were sent; nothing is
// guaranteed across senders.
//
// Events returns the channel for the current Open; it is closed when the
// link closes or the transport drops. Closing the link does not touch any
// negotiation state.
type Link interface {
	Open(ctx context.Context) error
	Close() error
	// Send relays msg to peer to, or to every other peer when to is empty.
	Send(ctx context.Context, to string, msg Message) error
	Events() <-chan Event
}
