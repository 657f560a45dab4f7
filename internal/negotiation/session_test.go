package negotiation

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

// harness drives one session's handlers directly on the test goroutine,
// which makes every interleaving explicit.
type harness struct {
	s        *PeerSession
	out      *outbox
	factory  *fakeFactory
	reported []error
}

func newHarness(t *testing.T, role Role) *harness {
	t.Helper()
	h := &harness{out: &outbox{}, factory: &fakeFactory{name: role.String()}}
	h.s = newPeerSession("remote-of-"+role.String(), role, sessionDeps{
		send:    h.out.send,
		factory: h.factory.build,
		observer: Observer{
			OnCandidateError: func(_ string, _ webrtc.ICECandidateInit, err error) {
				h.reported = append(h.reported, err)
			},
		},
	})
	require.NoError(t, h.s.connect())
	t.Cleanup(h.s.close)
	return h
}

func (h *harness) conn() *fakeConn {
	return h.s.Connection().(*fakeConn)
}

func (h *harness) deliver(msgs ...signaling.Message) {
	for _, m := range msgs {
		h.s.onMessage(context.Background(), m)
	}
}

func (h *harness) negotiationNeeded() {
	h.s.onNegotiationNeeded(context.Background())
}

func candidate(s string) signaling.Message {
	return signaling.Message{Candidate: &webrtc.ICECandidateInit{Candidate: s}}
}

func TestGlareIsResolvedByRole(t *testing.T) {
	a := newHarness(t, Impolite)
	b := newHarness(t, Polite)
	ignoredBefore := util.Stats.IgnoredOffers.Load()

	// Both sides start a negotiation before seeing the other's offer.
	a.negotiationNeeded()
	b.negotiationNeeded()
	offerA, offerB := a.out.drain(), b.out.drain()
	require.Equal(t, []signaling.DescriptionType{signaling.DescriptionOffer}, descriptions(offerA))
	require.Equal(t, []signaling.DescriptionType{signaling.DescriptionOffer}, descriptions(offerB))
	assert.False(t, a.s.Snapshot().MakingOffer)
	assert.False(t, b.s.Snapshot().MakingOffer)

	// Impolite keeps its own offer.
	pendingA := a.conn().LocalDescription().SDP
	a.deliver(offerB...)
	assert.True(t, a.s.Snapshot().IgnoringOffer)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, a.conn().SignalingState())
	assert.Equal(t, pendingA, a.conn().LocalDescription().SDP)
	assert.Empty(t, a.out.drain())
	assert.Equal(t, ignoredBefore+1, util.Stats.IgnoredOffers.Load())

	// Polite rolls back and answers.
	b.deliver(offerA...)
	assert.False(t, b.s.Snapshot().IgnoringOffer)
	assert.Equal(t, webrtc.SignalingStateStable, b.conn().SignalingState())
	answer := b.out.drain()
	require.Equal(t, []signaling.DescriptionType{signaling.DescriptionAnswer}, descriptions(answer))

	a.deliver(answer...)
	assert.Equal(t, webrtc.SignalingStateStable, a.conn().SignalingState())
	assert.Equal(t, Flags{}, a.s.Snapshot())
	assert.Equal(t, Flags{}, b.s.Snapshot())
	assert.Equal(t, webrtc.PeerConnectionStateConnected, a.conn().ConnectionState())
	assert.Equal(t, webrtc.PeerConnectionStateConnected, b.conn().ConnectionState())

	// Neither side reset.
	assert.Equal(t, 1, a.factory.count())
	assert.Equal(t, 1, b.factory.count())
}

func TestIgnoringOfferClearedByNextDescription(t *testing.T) {
	a := newHarness(t, Impolite)
	b := newHarness(t, Polite)

	a.negotiationNeeded()
	offerA := a.out.drain()
	a.deliver(signaling.NewDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "competing"}))
	require.True(t, a.s.Snapshot().IgnoringOffer)

	b.deliver(offerA...)
	a.deliver(b.out.drain()...)
	assert.False(t, a.s.Snapshot().IgnoringOffer)

	// A later renegotiation from the polite side is accepted normally.
	b.negotiationNeeded()
	a.deliver(b.out.drain()...)
	assert.False(t, a.s.Snapshot().IgnoringOffer)
	assert.Equal(t, []signaling.DescriptionType{signaling.DescriptionAnswer}, descriptions(a.out.drain()))
	assert.Equal(t, webrtc.SignalingStateStable, a.conn().SignalingState())
}

func TestResetAndRetry(t *testing.T) {
	for _, role := range []Role{Polite, Impolite} {
		t.Run(role.String(), func(t *testing.T) {
			h := newHarness(t, role)
			h.negotiationNeeded()
			h.out.drain()

			old := h.conn()
			h.s.update(func(f *Flags) {
				f.MakingOffer = true
				f.IgnoringOffer = true
			})
			resetsBefore := util.Stats.Resets.Load()

			h.s.resetAndRetry(context.Background(), "test")

			assert.Equal(t, Flags{SuppressingInitialOffer: role == Polite}, h.s.Snapshot())
			assert.NotSame(t, old, h.conn())
			assert.True(t, old.isClosed())
			assert.Nil(t, h.conn().LocalDescription(), "fresh connection carries no description")
			assert.Equal(t, uint64(2), h.s.Generation())
			assert.Equal(t, resetsBefore+1, util.Stats.Resets.Load())

			sent := descriptions(h.out.drain())
			if role == Polite {
				assert.Equal(t, []signaling.DescriptionType{signaling.DescriptionReset}, sent)
			} else {
				assert.Empty(t, sent)
			}
		})
	}
}

func TestResetKeepsConnectionWhenFactoryFails(t *testing.T) {
	h := newHarness(t, Polite)
	old := h.conn()
	h.factory.fail.Store(true)

	h.s.resetAndRetry(context.Background(), "test")

	assert.Same(t, old, h.conn())
	assert.False(t, old.isClosed())
	assert.True(t, h.s.Snapshot().SuppressingInitialOffer)
	assert.Empty(t, h.out.drain())
}

func TestMalformedDescriptionRecovers(t *testing.T) {
	a := newHarness(t, Impolite)
	b := newHarness(t, Polite)

	// B cannot apply what it received and resets.
	b.deliver(signaling.NewDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: malformedSDP}))
	reset := b.out.drain()
	require.Equal(t, []signaling.DescriptionType{signaling.DescriptionReset}, descriptions(reset))
	assert.Equal(t, Flags{SuppressingInitialOffer: true}, b.s.Snapshot())
	assert.Equal(t, 2, b.factory.count())

	// B's own fresh connection must not race the recovery offer.
	b.negotiationNeeded()
	assert.Empty(t, b.out.drain())
	assert.Equal(t, webrtc.SignalingStateStable, b.conn().SignalingState())

	// A resets silently.
	a.deliver(reset...)
	assert.Empty(t, a.out.drain())
	assert.Equal(t, Flags{}, a.s.Snapshot())
	assert.Equal(t, 2, a.factory.count())

	// A's fresh connection offers; B accepts despite suppressing its own.
	a.negotiationNeeded()
	offer := a.out.drain()
	require.Equal(t, []signaling.DescriptionType{signaling.DescriptionOffer}, descriptions(offer))

	b.deliver(offer...)
	answer := b.out.drain()
	require.Equal(t, []signaling.DescriptionType{signaling.DescriptionAnswer}, descriptions(answer))
	assert.False(t, b.s.Snapshot().SuppressingInitialOffer)

	a.deliver(answer...)
	assert.Equal(t, webrtc.SignalingStateStable, a.conn().SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, b.conn().SignalingState())
}

func TestAnswerInWrongStateResets(t *testing.T) {
	h := newHarness(t, Impolite)
	h.deliver(signaling.NewDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "stray"}))

	assert.Equal(t, 2, h.factory.count())
	assert.Equal(t, Flags{}, h.s.Snapshot())
	assert.Empty(t, h.out.drain(), "impolite never announces a reset")
}

func TestCandidateFailuresSilentWhileIgnoring(t *testing.T) {
	a := newHarness(t, Impolite)
	a.negotiationNeeded()
	a.out.drain()
	a.deliver(signaling.NewDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "competing"}))
	require.True(t, a.s.Snapshot().IgnoringOffer)

	// No remote description: every add fails.
	a.deliver(candidate(""), candidate("candidate:bad"), candidate("candidate:1 1 udp 1 10.0.0.1 9 typ host"))
	assert.Empty(t, a.reported)
}

func TestCandidateFailuresReportedOtherwise(t *testing.T) {
	h := newHarness(t, Polite)
	failuresBefore := util.Stats.CandidateFailures.Load()

	// No remote description yet: the end-of-candidates marker fails
	// silently, a real candidate is reported.
	h.deliver(candidate(""))
	h.deliver(candidate("x"))
	assert.Empty(t, h.reported)
	h.deliver(candidate("candidate:early"))
	require.Len(t, h.reported, 1)

	h.deliver(signaling.NewDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}))
	h.out.drain()

	h.deliver(candidate("candidate:1 1 udp 1 10.0.0.1 9 typ host"))
	assert.Len(t, h.reported, 1, "valid candidate")

	h.deliver(candidate("candidate:bad"))
	require.Len(t, h.reported, 2)
	assert.ErrorIs(t, h.reported[1], errBadCandidate)
	assert.Equal(t, failuresBefore+2, util.Stats.CandidateFailures.Load())
}

func TestRenegotiationGlareFallsBackToReset(t *testing.T) {
	a := newHarness(t, Impolite)
	b := newHarness(t, Polite)

	a.negotiationNeeded()
	b.deliver(a.out.drain()...)
	a.deliver(b.out.drain()...)
	require.Equal(t, webrtc.SignalingStateStable, a.conn().SignalingState())

	// Both renegotiate at once. The negotiated offer cannot be discarded,
	// so the polite side resets instead of answering.
	a.negotiationNeeded()
	b.negotiationNeeded()
	offerA := a.out.drain()
	a.deliver(b.out.drain()...)
	require.True(t, a.s.Snapshot().IgnoringOffer)

	b.deliver(offerA...)
	reset := b.out.drain()
	require.Equal(t, []signaling.DescriptionType{signaling.DescriptionReset}, descriptions(reset))
	assert.Equal(t, 2, b.factory.count())

	a.deliver(reset...)
	a.negotiationNeeded()
	b.deliver(a.out.drain()...)
	a.deliver(b.out.drain()...)
	assert.Equal(t, webrtc.SignalingStateStable, a.conn().SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, b.conn().SignalingState())
	assert.Equal(t, Flags{}, a.s.Snapshot())
	assert.Equal(t, Flags{}, b.s.Snapshot())
}

func TestNegotiationNeededFallsBackToExplicitOffer(t *testing.T) {
	h := newHarness(t, Impolite)
	h.conn().failImplicit.Store(true)

	h.negotiationNeeded()
	sent := h.out.drain()
	require.Equal(t, []signaling.DescriptionType{signaling.DescriptionOffer}, descriptions(sent))
	assert.False(t, h.s.Snapshot().MakingOffer)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, h.conn().SignalingState())
}

func TestAnswerFallsBackToExplicitAnswer(t *testing.T) {
	h := newHarness(t, Polite)
	h.conn().failImplicit.Store(true)

	h.deliver(signaling.NewDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}))
	sent := h.out.drain()
	require.Equal(t, []signaling.DescriptionType{signaling.DescriptionAnswer}, descriptions(sent))
	assert.Equal(t, webrtc.SignalingStateStable, h.conn().SignalingState())
}

func TestMakingOfferClearedWhenOfferFails(t *testing.T) {
	h := newHarness(t, Impolite)
	require.NoError(t, h.conn().Close())

	h.negotiationNeeded()
	assert.False(t, h.s.Snapshot().MakingOffer)
	assert.Empty(t, h.out.drain())
}

func TestStaleGenerationEventsAreDropped(t *testing.T) {
	h := newHarness(t, Impolite)
	h.s.resetAndRetry(context.Background(), "test")

	h.s.dispatch(context.Background(), negotiationNeeded{gen: 1})
	h.s.dispatch(context.Background(), localCandidate{gen: 1})
	assert.Empty(t, h.out.drain())

	h.s.dispatch(context.Background(), localCandidate{gen: 2})
	sent := h.out.drain()
	require.Len(t, sent, 1)
	assert.Equal(t, "candidate(end)", sent[0].String())
}
