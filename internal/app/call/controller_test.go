package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/app/nego"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type peer struct {
	id      domain.SessionID
	ctl     *Controller
	media   *fakeFactory
	signal  *busSender
	notes   *recorder
	stopped chan struct{}
}

func newPeer(t *testing.T, b *bus, id domain.SessionID, autoAccept bool) *peer {
	t.Helper()
	p := &peer{
		id:      id,
		media:   &fakeFactory{name: string(id)},
		signal:  &busSender{bus: b, self: id},
		notes:   &recorder{},
		stopped: make(chan struct{}),
	}
	p.ctl = NewController(Config{AutoAccept: autoAccept, Notify: p.notes.add}, p.signal, p.media)

	b.mu.Lock()
	b.peers[id] = p.ctl
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(p.stopped)
		_ = p.ctl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-p.stopped
	})
	p.ctl.HandleMessage(domain.Message{Type: domain.KindSession, ID: id})
	return p
}

func (p *peer) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := p.ctl.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func (p *peer) waitState(t *testing.T, st nego.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := p.ctl.Snapshot(context.Background())
		return err == nil && snap.State == st
	}, waitFor, tick, "%s never reached %s", p.id, st)
}

func pair(t *testing.T, calleeAutoAccept bool) (*bus, *peer, *peer) {
	b := newBus()
	alice := newPeer(t, b, "alice", true)
	bob := newPeer(t, b, "bob", calleeAutoAccept)
	alice.ctl.OnPeerJoined(bob.id)
	bob.ctl.OnPeerJoined(alice.id)
	return b, alice, bob
}

func connect(t *testing.T) (*bus, *peer, *peer) {
	b, alice, bob := pair(t, true)
	require.NoError(t, alice.ctl.StartCall(context.Background(), ""))
	alice.waitState(t, nego.StateStable)
	bob.waitState(t, nego.StateStable)
	return b, alice, bob
}

func TestController_JoinRoom(t *testing.T) {
	b := newBus()
	alice := newPeer(t, b, "alice", true)

	require.NoError(t, alice.ctl.JoinRoom(context.Background(), "  lobby ", "alice@example.com"))
	require.Eventually(t, func() bool {
		return alice.snapshot(t).Room == "lobby"
	}, waitFor, tick)
	_, ok := alice.notes.find(NotifyJoined)
	assert.True(t, ok)

	assert.ErrorIs(t, alice.ctl.JoinRoom(context.Background(), "", "a@b.c"), domain.ErrRoomNameEmpty)
}

func TestController_CallReachesStableOnBothSides(t *testing.T) {
	_, alice, bob := connect(t)

	assert.Equal(t, []domain.Kind{domain.KindUserCall}, alice.signal.sentKinds())
	assert.Equal(t, []domain.Kind{domain.KindCallAccepted}, bob.signal.sentKinds())

	for _, p := range []*peer{alice, bob} {
		require.Eventually(t, func() bool { return p.snapshot(t).HasRemote }, waitFor, tick)
		snap := p.snapshot(t)
		assert.True(t, snap.HasLocal, p.id)
		assert.True(t, snap.TracksSent, p.id)
		_, ok := p.notes.find(NotifyConnected)
		assert.True(t, ok, p.id)
		assert.Empty(t, p.notes.errs(), p.id)

		_, added, _, _ := p.media.endpoint(0).snapshot()
		assert.Equal(t, 1, added, p.id)
	}

	// The callee continues the caller's call id.
	assert.Equal(t, alice.snapshot(t).CallID, bob.snapshot(t).CallID)
}

func TestController_ManualAccept(t *testing.T) {
	_, alice, bob := pair(t, false)

	require.NoError(t, alice.ctl.StartCall(context.Background(), bob.id))
	bob.waitState(t, nego.StateOfferReceived)
	n, ok := bob.notes.find(NotifyIncomingCall)
	require.True(t, ok)
	assert.Equal(t, alice.id, n.Peer)
	assert.False(t, bob.snapshot(t).HasLocal)

	require.NoError(t, bob.ctl.AcceptCall(context.Background()))
	bob.waitState(t, nego.StateStable)
	alice.waitState(t, nego.StateStable)
}

func TestController_Glare(t *testing.T) {
	b, alice, bob := pair(t, true)
	b.setHold(true)

	require.NoError(t, alice.ctl.StartCall(context.Background(), bob.id))
	require.NoError(t, bob.ctl.StartCall(context.Background(), alice.id))
	assert.Equal(t, nego.StateOfferSent, alice.snapshot(t).State)
	assert.Equal(t, nego.StateOfferSent, bob.snapshot(t).State)

	// Each side sees the other's offer before any answer.
	b.flush()
	alice.waitState(t, nego.StateStable)
	bob.waitState(t, nego.StateStable)
	assert.Equal(t, []domain.Kind{domain.KindUserCall, domain.KindCallAccepted}, alice.signal.sentKinds())
	assert.Equal(t, []domain.Kind{domain.KindUserCall, domain.KindCallAccepted}, bob.signal.sentKinds())

	// The answers to the rolled back offers are dropped without error.
	b.release()
	assert.Equal(t, nego.StateStable, alice.snapshot(t).State)
	assert.Equal(t, nego.StateStable, bob.snapshot(t).State)
	assert.Empty(t, alice.notes.errs())
	assert.Empty(t, bob.notes.errs())

	st, _, _, _ := alice.media.endpoint(0).snapshot()
	assert.Equal(t, "stable", st)
}

func TestController_SendLocalTracksIdempotent(t *testing.T) {
	_, alice, _ := connect(t)

	ctx := context.Background()
	require.NoError(t, alice.ctl.SendLocalTracks(ctx))
	require.NoError(t, alice.ctl.SendLocalTracks(ctx))

	_, added, _, _ := alice.media.endpoint(0).snapshot()
	assert.Equal(t, 1, added)
}

func TestController_Renegotiation(t *testing.T) {
	_, alice, bob := connect(t)

	alice.media.endpoint(0).negotiationNeeded()
	require.Eventually(t, func() bool {
		_, _, _, remote := alice.media.endpoint(0).snapshot()
		return remote != nil && remote.SDP == "bob0-answer-2"
	}, waitFor, tick)
	alice.waitState(t, nego.StateStable)

	_, _, _, remote := bob.media.endpoint(0).snapshot()
	require.NotNil(t, remote)
	assert.Equal(t, "alice0-offer-2", remote.SDP)
	assert.Equal(t, []domain.Kind{domain.KindCallAccepted, domain.KindNegoDone}, bob.signal.sentKinds())
	assert.Empty(t, alice.notes.errs())
}

func TestController_RenegotiationGlare(t *testing.T) {
	b, alice, bob := connect(t)
	b.setHold(true)

	alice.media.endpoint(0).negotiationNeeded()
	bob.media.endpoint(0).negotiationNeeded()
	alice.waitState(t, nego.StateRenegotiationPending)
	bob.waitState(t, nego.StateRenegotiationPending)

	// Both offers cross; each side rolls back and answers the other.
	b.flush()
	alice.waitState(t, nego.StateStable)
	bob.waitState(t, nego.StateStable)

	b.release()
	assert.Equal(t, nego.StateStable, alice.snapshot(t).State)
	assert.Equal(t, nego.StateStable, bob.snapshot(t).State)
	assert.Empty(t, alice.notes.errs())
	assert.Empty(t, bob.notes.errs())
	assert.Equal(t, []domain.Kind{domain.KindUserCall, domain.KindNegoNeeded, domain.KindNegoDone}, alice.signal.sentKinds())
	assert.Equal(t, []domain.Kind{domain.KindCallAccepted, domain.KindNegoNeeded, domain.KindNegoDone}, bob.signal.sentKinds())
}

func TestController_GlareApplyFailureStaysInSync(t *testing.T) {
	b, alice, bob := connect(t)
	b.setHold(true)
	ep := alice.media.endpoint(0)
	callID := alice.snapshot(t).CallID

	ep.negotiationNeeded()
	alice.waitState(t, nego.StateRenegotiationPending)

	// Bob's crossing offer cannot be applied once ours is rolled back.
	ep.setFailRemote(errors.New("malformed sdp"))
	alice.ctl.HandleMessage(domain.Message{
		Type:  domain.KindNegoNeeded,
		From:  bob.id,
		Call:  callID,
		Offer: &domain.Description{Type: domain.DescriptionOffer, SDP: "bob-crossing"},
	})
	require.Eventually(t, func() bool { return len(alice.notes.errs()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, alice.notes.errs()[0], core.ErrDescriptionApply)

	alice.waitState(t, nego.StateStable)
	state, _, _, _ := ep.snapshot()
	assert.Equal(t, "stable", state)

	// Bob's answer to the offer we rolled back is dropped quietly.
	alice.ctl.HandleMessage(domain.Message{
		Type: domain.KindNegoFinal,
		From: bob.id,
		Call: callID,
		Ans:  &domain.Description{Type: domain.DescriptionAnswer, SDP: "bob-late-answer"},
	})
	assert.Equal(t, nego.StateStable, alice.snapshot(t).State)
	assert.Len(t, alice.notes.errs(), 1)

	// A fresh renegotiation completes.
	ep.setFailRemote(nil)
	b.drop()
	b.release()
	ep.negotiationNeeded()
	require.Eventually(t, func() bool {
		_, _, _, remote := ep.snapshot()
		return remote != nil && remote.SDP == "bob0-answer-2"
	}, waitFor, tick)
	alice.waitState(t, nego.StateStable)
	_, _, _, bobRemote := bob.media.endpoint(0).snapshot()
	require.NotNil(t, bobRemote)
	assert.Equal(t, "alice0-offer-3", bobRemote.SDP)
	assert.Len(t, alice.notes.errs(), 1)
}

func TestController_RenegotiationOfferWhileCalling(t *testing.T) {
	b, alice, bob := pair(t, true)
	b.setHold(true)

	require.NoError(t, alice.ctl.StartCall(context.Background(), bob.id))
	alice.waitState(t, nego.StateOfferSent)
	callID := alice.snapshot(t).CallID

	alice.ctl.HandleMessage(domain.Message{
		Type:  domain.KindNegoNeeded,
		From:  bob.id,
		Call:  callID,
		Offer: &domain.Description{Type: domain.DescriptionOffer, SDP: "bob-offer"},
	})
	alice.waitState(t, nego.StateStable)
	assert.Empty(t, alice.notes.errs())
	assert.Equal(t, []domain.Kind{domain.KindUserCall, domain.KindNegoDone}, alice.signal.sentKinds())
	assert.True(t, alice.snapshot(t).TracksSent)

	state, _, _, remote := alice.media.endpoint(0).snapshot()
	assert.Equal(t, "stable", state)
	require.NotNil(t, remote)
	assert.Equal(t, "bob-offer", remote.SDP)
}

func TestController_ResetDropsLateResults(t *testing.T) {
	_, alice, bob := connect(t)
	ctx := context.Background()

	before := alice.snapshot(t)
	oldEP := alice.media.endpoint(0)
	require.NoError(t, alice.ctl.ResetSession(ctx))

	snap := alice.snapshot(t)
	assert.False(t, snap.HasSession)
	assert.Equal(t, nego.StateIdle, snap.State)
	assert.Greater(t, snap.Generation, before.Generation)
	_, _, closed, _ := oldEP.snapshot()
	assert.True(t, closed)

	// Results of the old session arrive late.
	oldEP.negotiationNeeded()
	alice.ctl.HandleMessage(domain.Message{
		Type: domain.KindCallAccepted,
		From: bob.id,
		Call: before.CallID,
		Ans:  &domain.Description{Type: domain.DescriptionAnswer, SDP: "late"},
	})
	alice.ctl.HandleMessage(domain.Message{
		Type:  domain.KindIncomingCall,
		From:  bob.id,
		Call:  before.CallID,
		Offer: &domain.Description{Type: domain.DescriptionOffer, SDP: "late-offer"},
	})

	snap = alice.snapshot(t)
	assert.False(t, snap.HasSession)
	assert.Equal(t, nego.StateIdle, snap.State)
	assert.Empty(t, alice.notes.errs())
	assert.Nil(t, alice.media.endpoint(1))

	// A fresh call still works.
	require.NoError(t, bob.ctl.ResetSession(ctx))
	require.NoError(t, alice.ctl.StartCall(ctx, bob.id))
	alice.waitState(t, nego.StateStable)
	bob.waitState(t, nego.StateStable)
}

func TestController_MediaAcquisitionFailure(t *testing.T) {
	_, alice, bob := pair(t, true)
	alice.media.captureErr = errors.New("permission denied")

	err := alice.ctl.StartCall(context.Background(), bob.id)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMediaAcquisition)

	snap := alice.snapshot(t)
	assert.Equal(t, nego.StateIdle, snap.State)
	assert.False(t, snap.HasSession)
	_, _, closed, _ := alice.media.endpoint(0).snapshot()
	assert.True(t, closed)
	assert.Empty(t, alice.signal.sentKinds())
}

func TestController_CalleeMediaFailureReturnsToIdle(t *testing.T) {
	_, alice, bob := pair(t, true)
	bob.media.captureErr = errors.New("no device")

	require.NoError(t, alice.ctl.StartCall(context.Background(), bob.id))
	require.Eventually(t, func() bool { return len(bob.notes.errs()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, bob.notes.errs()[0], core.ErrMediaAcquisition)
	assert.False(t, bob.snapshot(t).HasSession)
	assert.Equal(t, nego.StateOfferSent, alice.snapshot(t).State)
}

func TestController_ApplyFailureKeepsState(t *testing.T) {
	b, alice, bob := pair(t, true)
	b.setHold(true)

	require.NoError(t, alice.ctl.StartCall(context.Background(), bob.id))
	alice.media.endpoint(0).setFailRemote(errors.New("malformed sdp"))

	alice.ctl.HandleMessage(domain.Message{
		Type: domain.KindCallAccepted,
		From: bob.id,
		Ans:  &domain.Description{Type: domain.DescriptionAnswer, SDP: "bad"},
	})
	require.Eventually(t, func() bool { return len(alice.notes.errs()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, alice.notes.errs()[0], core.ErrDescriptionApply)
	assert.Equal(t, nego.StateOfferSent, alice.snapshot(t).State)

	// Once the endpoint accepts again the same answer goes through.
	alice.media.endpoint(0).setFailRemote(nil)
	alice.ctl.HandleMessage(domain.Message{
		Type: domain.KindCallAccepted,
		From: bob.id,
		Ans:  &domain.Description{Type: domain.DescriptionAnswer, SDP: "bad"},
	})
	alice.waitState(t, nego.StateStable)
}

func TestController_ForeignPeerIgnored(t *testing.T) {
	b, alice, bob := pair(t, true)
	b.setHold(true)
	require.NoError(t, alice.ctl.StartCall(context.Background(), bob.id))

	alice.ctl.HandleMessage(domain.Message{
		Type: domain.KindCallAccepted,
		From: "mallory",
		Ans:  &domain.Description{Type: domain.DescriptionAnswer, SDP: "x"},
	})
	assert.Equal(t, nego.StateOfferSent, alice.snapshot(t).State)
	assert.Empty(t, alice.notes.errs())
}

func TestController_DegradedSignaling(t *testing.T) {
	_, alice, bob := pair(t, true)
	ctx := context.Background()

	alice.ctl.SignalingLost()
	err := alice.ctl.StartCall(ctx, bob.id)
	assert.ErrorIs(t, err, core.ErrSignalingDelivery)
	assert.True(t, alice.snapshot(t).Degraded)
	assert.Empty(t, alice.signal.sentKinds())

	alice.ctl.SignalingRestored("alice-2")
	snap := alice.snapshot(t)
	assert.False(t, snap.Degraded)
	assert.Equal(t, domain.SessionID("alice-2"), snap.Self)
}

func TestController_SendFailureAbortsPlan(t *testing.T) {
	_, alice, bob := pair(t, true)
	alice.signal.fail = errors.New("socket closed")

	err := alice.ctl.StartCall(context.Background(), bob.id)
	assert.ErrorIs(t, err, core.ErrSignalingDelivery)

	snap := alice.snapshot(t)
	assert.Equal(t, nego.StateIdle, snap.State)
	// The offer the plan applied was rolled back.
	st, _, _, _ := alice.media.endpoint(0).snapshot()
	assert.Equal(t, "stable", st)
}

func TestController_RelayErrorStallsSession(t *testing.T) {
	b, alice, bob := pair(t, true)
	b.setHold(true)
	require.NoError(t, alice.ctl.StartCall(context.Background(), bob.id))

	alice.ctl.HandleMessage(domain.Message{Type: domain.KindError, Ref: domain.KindUserCall, Error: "peer not found"})
	require.Eventually(t, func() bool { return len(alice.notes.errs()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, alice.notes.errs()[0], core.ErrSignalingDelivery)

	alice.ctl.HandleMessage(domain.Message{
		Type: domain.KindCallAccepted,
		From: bob.id,
		Ans:  &domain.Description{Type: domain.DescriptionAnswer, SDP: "a"},
	})
	require.Eventually(t, func() bool { return len(alice.notes.errs()) == 2 }, waitFor, tick)
	assert.Equal(t, nego.StateOfferSent, alice.snapshot(t).State)

	require.NoError(t, alice.ctl.ResetSession(context.Background()))
	assert.Equal(t, nego.StateIdle, alice.snapshot(t).State)
}

func TestController_PeerLeftResetsSession(t *testing.T) {
	_, alice, bob := connect(t)

	alice.ctl.HandleMessage(domain.Message{Type: domain.KindUserLeft, ID: bob.id})
	require.Eventually(t, func() bool {
		_, ok := alice.notes.find(NotifyPeerLeft)
		return ok
	}, waitFor, tick)
	snap := alice.snapshot(t)
	assert.False(t, snap.HasSession)
	assert.Empty(t, snap.Peer)

	assert.ErrorIs(t, alice.ctl.StartCall(context.Background(), ""), ErrNoPeer)
}

func TestController_HangUp(t *testing.T) {
	_, alice, _ := connect(t)
	ctx := context.Background()

	require.NoError(t, alice.ctl.JoinRoom(ctx, "lobby", ""))
	require.Eventually(t, func() bool { return alice.snapshot(t).Room == "lobby" }, waitFor, tick)

	require.NoError(t, alice.ctl.HangUp(ctx))
	snap := alice.snapshot(t)
	assert.False(t, snap.HasSession)
	assert.Empty(t, snap.Room)
	assert.Contains(t, alice.signal.sentKinds(), domain.KindLeave)
}

func TestController_StoppedLoop(t *testing.T) {
	c := NewController(Config{}, &busSender{bus: newBus()}, &fakeFactory{name: "x"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	_, err := c.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
