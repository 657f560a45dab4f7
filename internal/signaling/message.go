// Package signaling defines the relayed message contract used during
// perfect negotiation, the Link abstraction over the relay channel, and the
// relay itself (a room-scoped WebSocket fan-out server).
package signaling

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DescriptionType is the "type" field of a description message.
type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
	DescriptionReset  DescriptionType = "_reset"
)

// ErrInvalidMessage is returned for envelopes that carry zero or both
// variants, or an unknown description type.
var ErrInvalidMessage = errors.New("invalid signaling message")

// Description carries a session description, or the out-of-band reset
// request (which has no SDP).
type Description struct {
	Type DescriptionType `json:"type"`
	SDP  string          `json:"sdp,omitempty"`
}

// Message is the JSON envelope exchanged between peers. Exactly one of
// Description and Candidate is set.
type Message struct {
	Description *Description             `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// NewDescription wraps a pion session description.
func NewDescription(sd webrtc.SessionDescription) Message {
	return Message{Description: &Description{
		Type: DescriptionType(sd.Type.String()),
		SDP:  sd.SDP,
	}}
}

// NewReset builds the reset request sent by the polite side.
func NewReset() Message {
	return Message{Description: &Description{Type: DescriptionReset}}
}

// NewCandidate wraps a trickled candidate. A nil candidate becomes the
// end-of-candidates marker (empty candidate string).
func NewCandidate(c *webrtc.ICECandidateInit) Message {
	if c == nil {
		return Message{Candidate: &webrtc.ICECandidateInit{}}
	}
	cp := *c
	return Message{Candidate: &cp}
}

// Validate enforces the one-variant rule and known description types.
func (m Message) Validate() error {
	switch {
	case m.Description != nil && m.Candidate != nil:
		return fmt.Errorf("%w: both description and candidate set", ErrInvalidMessage)
	case m.Description == nil && m.Candidate == nil:
		return fmt.Errorf("%w: empty envelope", ErrInvalidMessage)
	case m.Description != nil:
		switch m.Description.Type {
		case DescriptionOffer, DescriptionAnswer, DescriptionReset:
		default:
			return fmt.Errorf("%w: unknown description type %q", ErrInvalidMessage, m.Description.Type)
		}
	}
	return nil
}

// IsReset reports whether d is the reset request.
func (d *Description) IsReset() bool {
	return d != nil && d.Type == DescriptionReset
}

// SessionDescription converts d into the pion type. It is only meaningful
// for offers and answers.
func (d *Description) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(d.Type)),
		SDP:  d.SDP,
	}
}

// String is used in log lines.
func (m Message) String() string {
	switch {
	case m.Description != nil:
		return "description(" + string(m.Description.Type) + ")"
	case m.Candidate != nil && m.Candidate.Candidate == "":
		return "candidate(end)"
	case m.Candidate != nil:
		return "candidate"
	default:
		return "empty"
	}
}
