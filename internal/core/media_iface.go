package core

import (
	"context"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/rtp"
)

type ReadyState string

const (
	TrackLive  ReadyState = "live"
	TrackEnded ReadyState = "ended"
)

// PacketSink receives RTP packets. *webrtc.TrackLocalStaticRTP satisfies it.
type PacketSink interface {
	WriteRTP(*rtp.Packet) error
}

// AudioTrack is a local or remote audio source that can be tapped.
type AudioTrack interface {
	ID() string
	ReadyState() ReadyState
	Enabled() bool
	Subscribe(id string, sink PacketSink)
	Unsubscribe(id string)
}

type MediaStream interface {
	ID() string
	AudioTracks() []AudioTrack
	Stop()
}

// MediaSource captures local media.
type MediaSource interface {
	Capture(ctx context.Context) (MediaStream, error)
}

// MediaEndpoint owns one transport session. Methods are called from the
// session controller loop only; callbacks may fire from any goroutine.
type MediaEndpoint interface {
	CreateOffer(ctx context.Context) (domain.Description, error)
	CreateAnswer(ctx context.Context) (domain.Description, error)
	SetLocalDescription(ctx context.Context, d domain.Description) error
	SetRemoteDescription(ctx context.Context, d domain.Description) error
	// Rollback discards a local offer that has not been answered.
	Rollback(ctx context.Context) error
	// LocalDescription returns the current local SDP.
	LocalDescription() *domain.Description
	// AddLocalTracks attaches every audio track of the stream.
	AddLocalTracks(stream MediaStream) error
	OnNegotiationNeeded(func())
	// OnRemoteStream fires when a remote track arrives, with its stream.
	OnRemoteStream(func(MediaStream))
	Close() error
}

// MediaFactory builds one endpoint per call session.
type MediaFactory interface {
	MediaSource
	NewEndpoint(ctx context.Context) (MediaEndpoint, error)
}
