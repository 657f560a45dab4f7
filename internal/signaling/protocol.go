package signaling

// JSON-RPC notification methods spoken between the relay and its clients.
// The names mirror the namespace events the browser client listens for.
const (
	methodConnect          = "connect"
	methodConnectedPeer    = "connected peer"
	methodConnectedPeers   = "connected peers"
	methodDisconnectedPeer = "disconnected peer"
	methodSignal           = "signal"
)

// connectParams is sent to a client right after it joins a room.
type connectParams struct {
	ID string `json:"id"`
}

// outboundSignal is what a client sends; To is empty for a room broadcast.
type outboundSignal struct {
	To      string  `json:"to,omitempty"`
	Message Message `json:"message"`
}

// inboundSignal is what the relay forwards, stamped with the sender id.
type inboundSignal struct {
	From    string  `json:"from"`
	Message Message `json:"message"`
}
