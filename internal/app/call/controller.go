// Package call runs one client's side of a call: it owns the CallSession,
// feeds every signaling message, user command and transport callback through
// a single loop, and executes the plans the negotiation coordinator returns.
package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app/nego"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/metrics"
)

var (
	ErrNoPeer          = errors.New("no remote peer known")
	ErrCallInProgress  = errors.New("call already in progress")
	ErrNoSession       = errors.New("no call session")
	ErrStopped         = errors.New("controller stopped")
	ErrChannelDown     = errors.New("signaling channel down")
	ErrPeerUnreachable = errors.New("peer unreachable")
)

const (
	defaultQueueSize = 64
	retiredCallIDs   = 16
)

type Config struct {
	// AutoAccept answers incoming calls without waiting for AcceptCall.
	AutoAccept bool
	// Notify is called from the controller loop. It must not call back into
	// the controller synchronously.
	Notify    func(Notification)
	Metrics   *metrics.Peer
	QueueSize int
}

type eventKind int

const (
	evCommand eventKind = iota
	evMessage
	evNegotiationNeeded
	evRemoteStream
	evSignalLost
	evSignalRestored
)

type event struct {
	kind eventKind
	// gen is the session generation the event belongs to; zero means the
	// current session.
	gen    uint64
	msg    domain.Message
	stream core.MediaStream
	self   domain.SessionID
	fn     func() error
	reply  chan error
}

// Controller is the SessionController. All of its state is owned by Run.
type Controller struct {
	cfg    Config
	signal core.SignalSender
	media  core.MediaFactory
	events chan event
	done   chan struct{}

	self       domain.SessionID
	room       domain.RoomName
	peer       domain.SessionID
	session    *CallSession
	generation uint64
	degraded   bool
	retired    []string
	backlog    []event
}

func NewController(cfg Config, signal core.SignalSender, media core.MediaFactory) *Controller {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Controller{
		cfg:        cfg,
		signal:     signal,
		media:      media,
		events:     make(chan event, size),
		done:       make(chan struct{}),
		generation: 1,
	}
}

// Run processes events until ctx is cancelled. It must be called once.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	logger := log.With().Str("module", "call").Logger()
	logger.Debug().Msg("controller loop started")

	for {
		for len(c.backlog) > 0 {
			ev := c.backlog[0]
			c.backlog = c.backlog[1:]
			c.dispatch(ctx, ev)
		}
		select {
		case <-ctx.Done():
			c.resetSession(context.WithoutCancel(ctx))
			logger.Debug().Msg("controller loop stopped")
			return ctx.Err()
		case ev := <-c.events:
			c.dispatch(ctx, ev)
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, ev event) {
	switch ev.kind {
	case evCommand:
		ev.reply <- ev.fn()
	case evMessage:
		c.handleMessage(ctx, ev.msg)
	case evNegotiationNeeded:
		s := c.current(ev.gen)
		if s == nil {
			log.Debug().Str("module", "call").Uint64("gen", ev.gen).Msg("dropping stale negotiation-needed")
			return
		}
		if err := c.execute(ctx, s, nego.Event{Trigger: nego.TriggerNegotiationNeeded}); err != nil {
			c.fail("renegotiate", err)
		}
	case evRemoteStream:
		c.remoteStream(ev.gen, ev.stream)
	case evSignalLost:
		if c.degraded {
			return
		}
		c.degraded = true
		log.Warn().Str("module", "call").Msg("signaling channel lost")
		c.notify(Notification{Kind: NotifyError, Err: core.SignalingDeliveryError("signaling", ErrChannelDown)})
	case evSignalRestored:
		c.degraded = false
		c.self = ev.self
		// A new connection has no room membership.
		c.room = ""
		log.Info().Str("module", "call").Str("self", string(ev.self)).Msg("signaling channel restored")
		c.notify(Notification{Kind: NotifySession, Peer: ev.self})
	}
}

// current returns the session gen refers to, nil if it is gone.
func (c *Controller) current(gen uint64) *CallSession {
	s := c.session
	if s == nil || (gen != 0 && gen != s.Generation) {
		return nil
	}
	return s
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// do runs fn inside the loop and waits for its result.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.events <- event{kind: evCommand, fn: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Controller) notify(n Notification) {
	if c.cfg.Notify != nil {
		c.cfg.Notify(n)
	}
}

func (c *Controller) fail(op string, err error) {
	log.Warn().Str("module", "call").Str("op", op).Err(err).Msg("call operation failed")
	c.notify(Notification{Kind: NotifyError, Err: err})
}

// JoinRoom asks the relay to add us to room.
func (c *Controller) JoinRoom(ctx context.Context, room, email string) error {
	name, err := domain.ParseRoomName(room)
	if err != nil {
		return err
	}
	user, err := domain.NewUser("", email)
	if err != nil {
		return err
	}
	return c.do(ctx, func() error {
		return c.send(ctx, domain.Message{Type: domain.KindRoomJoin, Room: name, Email: user.Email})
	})
}

// StartCall calls remote, or the last peer that joined the room when remote
// is empty.
func (c *Controller) StartCall(ctx context.Context, remote domain.SessionID) error {
	return c.do(ctx, func() error { return c.startCall(ctx, remote) })
}

// AcceptCall answers a call parked in offer_received.
func (c *Controller) AcceptCall(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.session
		if s == nil {
			return ErrNoSession
		}
		err := c.execute(ctx, s, nego.Event{Trigger: nego.TriggerAccept})
		if errors.Is(err, core.ErrMediaAcquisition) {
			c.resetSession(ctx)
		}
		return err
	})
}

// OnPeerJoined records the identity of the other room member.
func (c *Controller) OnPeerJoined(id domain.SessionID) {
	c.post(event{kind: evMessage, msg: domain.Message{Type: domain.KindUserJoined, ID: id}})
}

// OnRemoteTrackArrived records stream as the remote stream of the current
// session.
func (c *Controller) OnRemoteTrackArrived(stream core.MediaStream) {
	c.post(event{kind: evRemoteStream, stream: stream})
}

// SendLocalTracks attaches the local tracks to the transport once per
// session.
func (c *Controller) SendLocalTracks(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.session
		if s == nil {
			return ErrNoSession
		}
		return c.sendLocalTracks(s)
	})
}

// ResetSession tears the current session down. Results of the old session
// that arrive later are dropped.
func (c *Controller) ResetSession(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.resetSession(ctx)
		return nil
	})
}

// HangUp leaves the room and resets the session.
func (c *Controller) HangUp(ctx context.Context) error {
	return c.do(ctx, func() error {
		var err error
		if c.room != "" {
			err = c.send(ctx, domain.Message{Type: domain.KindLeave, Room: c.room})
		}
		c.room = ""
		c.peer = ""
		c.resetSession(ctx)
		return err
	})
}

// HandleMessage feeds one inbound signaling message into the loop.
func (c *Controller) HandleMessage(msg domain.Message) {
	c.post(event{kind: evMessage, msg: msg})
}

// SignalingLost puts the controller in degraded mode: every send fails
// until SignalingRestored.
func (c *Controller) SignalingLost() {
	c.post(event{kind: evSignalLost})
}

// SignalingRestored clears degraded mode. self is the identity of the new
// connection.
func (c *Controller) SignalingRestored(self domain.SessionID) {
	c.post(event{kind: evSignalRestored, self: self})
}

func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() error {
		snap = Snapshot{
			Self:       c.self,
			Room:       c.room,
			Peer:       c.peer,
			State:      c.session.State(),
			Generation: c.generation,
			Degraded:   c.degraded,
		}
		if s := c.session; s != nil {
			snap.HasSession = true
			snap.CallID = s.CallID
			snap.Peer = s.Remote
			snap.HasLocal = s.Local != nil
			snap.HasRemote = s.RemoteStream != nil
			snap.TracksSent = s.TracksSent
			snap.Queued = s.Coordinator.Queued()
		}
		return nil
	})
	return snap, err
}

// Streams returns the local and remote streams of the current session.
func (c *Controller) Streams(ctx context.Context) (local, remote core.MediaStream, err error) {
	err = c.do(ctx, func() error {
		if c.session == nil {
			return ErrNoSession
		}
		local, remote = c.session.Local, c.session.RemoteStream
		return nil
	})
	return local, remote, err
}

func (c *Controller) startCall(ctx context.Context, remote domain.SessionID) error {
	if remote == "" {
		remote = c.peer
	}
	if remote == "" {
		return ErrNoPeer
	}
	if c.degraded {
		return core.SignalingDeliveryError("call", ErrChannelDown)
	}
	s := c.session
	if s != nil && s.State() != nego.StateIdle {
		return fmt.Errorf("%w with %s", ErrCallInProgress, s.Remote)
	}
	if s == nil {
		var err error
		if s, err = c.openSession(ctx, remote); err != nil {
			return err
		}
	}
	s.Remote = remote

	if err := c.capture(ctx, s); err != nil {
		c.resetSession(ctx)
		return err
	}
	err := c.execute(ctx, s, nego.Event{Trigger: nego.TriggerCall})
	if errors.Is(err, core.ErrMediaAcquisition) {
		c.resetSession(ctx)
	}
	return err
}

func (c *Controller) openSession(ctx context.Context, remote domain.SessionID) (*CallSession, error) {
	ep, err := c.media.NewEndpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("new endpoint: %w", err)
	}
	coord := nego.New(
		nego.WithAutoAccept(c.cfg.AutoAccept),
		nego.WithTransitionFunc(c.transitioned),
	)
	s := newCallSession(c.generation, remote, ep, coord)
	gen := s.Generation
	ep.OnNegotiationNeeded(func() {
		c.post(event{kind: evNegotiationNeeded, gen: gen})
	})
	ep.OnRemoteStream(func(ms core.MediaStream) {
		c.post(event{kind: evRemoteStream, gen: gen, stream: ms})
	})
	c.session = s

	log.Info().
		Str("module", "call").
		Uint64("gen", gen).
		Str("call", s.CallID).
		Str("remote", string(remote)).
		Msg("call session opened")
	return s, nil
}

func (c *Controller) transitioned(from, to nego.State, trigger nego.Trigger) {
	c.cfg.Metrics.Transition(string(from), string(to))
	log.Debug().
		Str("module", "call").
		Str("from", string(from)).
		Str("to", string(to)).
		Str("trigger", string(trigger)).
		Msg("negotiation state changed")
	c.notify(Notification{Kind: NotifyState, State: to})
}

func (c *Controller) capture(ctx context.Context, s *CallSession) error {
	if s.Local != nil {
		return nil
	}
	stream, err := c.media.Capture(ctx)
	if err != nil {
		return core.MediaAcquisitionError("capture", err)
	}
	if len(stream.AudioTracks()) == 0 {
		stream.Stop()
		return core.MediaAcquisitionError("capture", core.ErrNoAudioTracks)
	}
	s.Local = stream
	return nil
}

func (c *Controller) sendLocalTracks(s *CallSession) error {
	if s.TracksSent {
		log.Debug().Str("module", "call").Uint64("gen", s.Generation).Msg("local tracks already sent")
		return nil
	}
	if s.Local == nil {
		return core.MediaAcquisitionError("send_tracks", errors.New("no local stream"))
	}
	if err := s.Endpoint.AddLocalTracks(s.Local); err != nil {
		return fmt.Errorf("add local tracks: %w", err)
	}
	s.TracksSent = true
	return nil
}

func (c *Controller) send(ctx context.Context, msg domain.Message) error {
	op := string(msg.Type)
	if c.degraded {
		return core.SignalingDeliveryError(op, ErrChannelDown)
	}
	if err := c.signal.Send(ctx, msg); err != nil {
		return core.SignalingDeliveryError(op, err)
	}
	return nil
}

func (c *Controller) remoteStream(gen uint64, stream core.MediaStream) {
	s := c.current(gen)
	if s == nil {
		log.Debug().Str("module", "call").Uint64("gen", gen).Msg("dropping remote stream of stale session")
		return
	}
	if s.RemoteStream != nil {
		return
	}
	s.RemoteStream = stream
	log.Info().Str("module", "call").Str("stream", stream.ID()).Msg("remote stream arrived")
	c.notify(Notification{Kind: NotifyConnected, Peer: s.Remote, Stream: stream})
}

func (c *Controller) resetSession(ctx context.Context) {
	c.generation++
	s := c.session
	if s == nil {
		return
	}
	c.session = nil
	c.retire(s.CallID)

	if err := c.execute(ctx, s, nego.Event{Trigger: nego.TriggerClose}); err != nil {
		log.Warn().Str("module", "call").Err(err).Msg("closing endpoint")
	}
	if s.Local != nil {
		s.Local.Stop()
	}
	log.Info().
		Str("module", "call").
		Uint64("gen", s.Generation).
		Str("call", s.CallID).
		Msg("call session reset")
	c.notify(Notification{Kind: NotifyState, State: nego.StateIdle})
}

func (c *Controller) retire(id string) {
	c.retired = append(c.retired, id)
	if len(c.retired) > retiredCallIDs {
		c.retired = c.retired[len(c.retired)-retiredCallIDs:]
	}
}

func (c *Controller) isRetired(id string) bool {
	for _, r := range c.retired {
		if r == id {
			return true
		}
	}
	return false
}
