package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app/media"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var (
	ErrGatherTimeout = errors.New("ice gathering timed out")
	ErrNoMedia       = errors.New("description has no media section")
)

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// Connection is a core.MediaEndpoint over one pion PeerConnection. ICE is
// not trickled: local descriptions are returned once gathering finished.
type Connection struct {
	pc            *webrtc.PeerConnection
	id            string
	gatherTimeout time.Duration
	remote        *media.Manager
	logger        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	onNeg     func()
	onRemote  func(core.MediaStream)
	streams   map[string]*media.Stream
	published []publication
	closed    bool
}

type publication struct {
	track  core.AudioTrack
	sender *webrtc.RTPSender
}

func NewConnection(ctx context.Context, api *webrtc.API, cfg webrtc.Configuration, gatherTimeout time.Duration) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		pc:            pc,
		id:            id,
		gatherTimeout: gatherTimeout,
		remote:        media.NewManager(),
		logger:        log.With().Str("module", "webrtc").Str("endpoint", id).Logger(),
		ctx:           ctx,
		cancel:        cancel,
		streams:       make(map[string]*media.Stream),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.remote.StopAll()
		}
	})

	pc.OnNegotiationNeeded(func() {
		c.mu.Lock()
		fn := c.onNeg
		c.mu.Unlock()
		c.logger.Debug().Msg("negotiation needed")
		if fn != nil {
			fn()
		}
	})

	pc.OnTrack(c.handleTrack)
	return c, nil
}

func (c *Connection) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	c.logger.Info().
		Str("kind", track.Kind().String()).
		Str("track_id", track.ID()).
		Str("stream_id", track.StreamID()).
		Msg("OnTrack received")
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}

	fan := c.remote.Start(c.ctx, track.ID(), remoteSource{track})
	t := media.NewTrack(track.ID(), fan)

	c.mu.Lock()
	s, ok := c.streams[track.StreamID()]
	if !ok {
		s = media.NewStream(track.StreamID(), nil)
		c.streams[track.StreamID()] = s
	}
	s.AddTrack(t)
	fn := c.onRemote
	c.mu.Unlock()

	if !ok && fn != nil {
		fn(s)
	}
}

// remoteSource drops the interceptor attributes of a remote track read.
type remoteSource struct {
	track *webrtc.TrackRemote
}

func (r remoteSource) ReadRTP() (*rtp.Packet, error) {
	p, _, err := r.track.ReadRTP()
	return p, err
}

func (c *Connection) CreateOffer(_ context.Context) (domain.Description, error) {
	// A first offer needs an audio section even before local tracks exist.
	if len(c.pc.GetTransceivers()) == 0 {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return domain.Description{}, err
		}
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	return toDomain(offer), nil
}

func (c *Connection) CreateAnswer(_ context.Context) (domain.Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	return toDomain(answer), nil
}

func (c *Connection) SetLocalDescription(ctx context.Context, d domain.Description) error {
	sd, err := toPion(d)
	if err != nil {
		return err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(sd); err != nil {
		return err
	}

	timer := time.NewTimer(c.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
		return nil
	case <-timer.C:
		return ErrGatherTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) SetRemoteDescription(_ context.Context, d domain.Description) error {
	sd, err := toPion(d)
	if err != nil {
		return err
	}
	if err := validate(d.SDP); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(sd)
}

// validate parses the SDP before pion sees it, so a malformed payload is
// reported without touching the signaling state.
func validate(raw string) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("parse sdp: %w", err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return ErrNoMedia
	}
	return nil
}

// Rollback returns the connection to stable. Pion parses the SDP of a
// rollback description, so the pending one is passed along.
func (c *Connection) Rollback(_ context.Context) error {
	rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	switch c.pc.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer:
		if pending := c.pc.PendingLocalDescription(); pending != nil {
			rollback.SDP = pending.SDP
		}
		return c.pc.SetLocalDescription(rollback)
	case webrtc.SignalingStateHaveRemoteOffer:
		if pending := c.pc.PendingRemoteDescription(); pending != nil {
			rollback.SDP = pending.SDP
		}
		return c.pc.SetRemoteDescription(rollback)
	}
	return nil
}

func (c *Connection) LocalDescription() *domain.Description {
	ld := c.pc.LocalDescription()
	if ld == nil {
		return nil
	}
	d := toDomain(*ld)
	return &d
}

// AddLocalTracks publishes every audio track of stream. Each track feeds a
// static RTP track through its fanout.
func (c *Connection) AddLocalTracks(stream core.MediaStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.ErrConnectionClosed
	}
	for _, t := range stream.AudioTracks() {
		local, err := webrtc.NewTrackLocalStaticRTP(opusCapability, t.ID(), stream.ID())
		if err != nil {
			return err
		}
		sender, err := c.pc.AddTrack(local)
		if err != nil {
			return err
		}
		go drainRTCP(sender)
		t.Subscribe(c.id, local)
		c.published = append(c.published, publication{track: t, sender: sender})
		c.logger.Info().Str("track_id", t.ID()).Msg("local track published")
	}
	return nil
}

// drainRTCP keeps the interceptors running until the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) OnNegotiationNeeded(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNeg = fn
}

func (c *Connection) OnRemoteStream(fn func(core.MediaStream)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemote = fn
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	published := c.published
	c.published = nil
	c.mu.Unlock()

	for _, p := range published {
		p.track.Unsubscribe(c.id)
	}
	c.cancel()
	c.remote.StopAll()
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

func toDomain(sd webrtc.SessionDescription) domain.Description {
	return domain.Description{Type: domain.DescriptionType(sd.Type.String()), SDP: sd.SDP}
}

func toPion(d domain.Description) (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(string(d.Type))
	if t != webrtc.SDPTypeOffer && t != webrtc.SDPTypeAnswer {
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported description type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}
