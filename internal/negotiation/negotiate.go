package negotiation

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

// onNegotiationNeeded makes a local offer and sends it.
func (s *PeerSession) onNegotiationNeeded(ctx context.Context) {
	if s.flags.SuppressingInitialOffer {
		util.LogDebug("peer %s: negotiation needed suppressed until recovery offer", util.ShortID(s.id))
		return
	}

	s.update(func(f *Flags) { f.MakingOffer = true })
	defer func() {
		s.sendLocalDescription(ctx)
		s.update(func(f *Flags) { f.MakingOffer = false })
	}()

	conn := s.conn
	if err := conn.SetLocalDescription(nil); err != nil {
		util.LogDebug("peer %s: implicit local description failed, creating offer: %v", util.ShortID(s.id), err)

		offer, err := conn.CreateOffer()
		if err != nil {
			util.LogWarning("peer %s: failed to create offer: %v", util.ShortID(s.id), err)
			return
		}
		if err := conn.SetLocalDescription(&offer); err != nil {
			util.LogWarning("peer %s: failed to set local offer: %v", util.ShortID(s.id), err)
		}
	}
}

// onMessage handles one inbound signal from the peer.
func (s *PeerSession) onMessage(ctx context.Context, msg signaling.Message) {
	switch {
	case msg.Description != nil:
		s.onDescription(ctx, msg.Description)
	case msg.Candidate != nil:
		s.onCandidate(*msg.Candidate)
	}
}

func (s *PeerSession) onDescription(ctx context.Context, d *signaling.Description) {
	if d.IsReset() {
		s.resetAndRetry(ctx, "peer requested reset")
		return
	}

	f := s.flags
	readyForOffer := !f.MakingOffer &&
		(s.conn.SignalingState() == webrtc.SignalingStateStable || f.SettingRemoteAnswerPending)
	offerCollision := d.Type == signaling.DescriptionOffer && !readyForOffer
	ignoring := s.role == Impolite && offerCollision

	s.update(func(f *Flags) { f.IgnoringOffer = ignoring })
	if ignoring {
		util.Stats.AddIgnoredOffer()
		util.LogDebug("peer %s: offer collision, ignoring inbound offer", util.ShortID(s.id))
		return
	}
	if offerCollision {
		util.LogDebug("peer %s: offer collision, yielding to inbound offer", util.ShortID(s.id))
	}

	s.update(func(f *Flags) { f.SettingRemoteAnswerPending = d.Type == signaling.DescriptionAnswer })
	err := s.conn.SetRemoteDescription(d.SessionDescription())
	s.update(func(f *Flags) { f.SettingRemoteAnswerPending = false })
	if err != nil {
		s.resetAndRetry(ctx, "applying remote "+string(d.Type)+": "+err.Error())
		return
	}

	if d.Type == signaling.DescriptionOffer {
		s.answer(ctx)
	}
}

// answer replies to an applied remote offer.
func (s *PeerSession) answer(ctx context.Context) {
	defer func() {
		s.sendLocalDescription(ctx)
		s.update(func(f *Flags) { f.SuppressingInitialOffer = false })
	}()

	conn := s.conn
	if err := conn.SetLocalDescription(nil); err != nil {
		util.LogDebug("peer %s: implicit local description failed, creating answer: %v", util.ShortID(s.id), err)

		answer, err := conn.CreateAnswer()
		if err != nil {
			util.LogWarning("peer %s: failed to create answer: %v", util.ShortID(s.id), err)
			return
		}
		if err := conn.SetLocalDescription(&answer); err != nil {
			util.LogWarning("peer %s: failed to set local answer: %v", util.ShortID(s.id), err)
		}
	}
}

// sendLocalDescription sends whatever local description the connection
// holds now.
func (s *PeerSession) sendLocalDescription(ctx context.Context) {
	ld := s.conn.LocalDescription()
	if ld == nil {
		util.LogDebug("peer %s: no local description to send", util.ShortID(s.id))
		return
	}

	switch ld.Type {
	case webrtc.SDPTypeOffer:
		util.Stats.AddOffer()
	case webrtc.SDPTypeAnswer:
		util.Stats.AddAnswer()
	}
	s.send(ctx, signaling.NewDescription(*ld))
}

// onCandidate adds a remote candidate. A failure is reported unless the
// session is ignoring an offer or the candidate is the end-of-candidates
// marker; neither needs to apply.
func (s *PeerSession) onCandidate(c webrtc.ICECandidateInit) {
	err := s.conn.AddICECandidate(c)
	if err == nil {
		return
	}

	if s.flags.IgnoringOffer || len(c.Candidate) <= 1 {
		util.LogDebug("peer %s: candidate dropped: %v", util.ShortID(s.id), err)
		return
	}

	util.Stats.AddCandidateFailure()
	util.LogWarning("peer %s: failed to add candidate: %v", util.ShortID(s.id), err)
	if fn := s.deps.observer.OnCandidateError; fn != nil {
		fn(s.id, c, err)
	}
}

// resetAndRetry discards all negotiation state and starts over on a fresh
// connection. Only the polite side announces the reset, so the two ends
// never reset each other in a loop.
func (s *PeerSession) resetAndRetry(ctx context.Context, reason string) {
	util.Stats.AddReset()
	util.LogWarning("peer %s: resetting negotiation (%s)", util.ShortID(s.id), reason)

	s.update(func(f *Flags) {
		*f = Flags{SuppressingInitialOffer: s.role == Polite}
	})

	if err := s.connect(); err != nil {
		util.LogError("peer %s: %v", util.ShortID(s.id), err)
		return
	}

	if s.role == Polite {
		s.send(ctx, signaling.NewReset())
	}
}
