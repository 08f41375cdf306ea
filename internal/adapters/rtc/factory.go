package rtc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/peercall/internal/core"
)

type Options struct {
	ICEServers    []string
	GatherTimeout time.Duration
	// PionLogLevel is the lowest level of pion's own logs that is kept.
	PionLogLevel zerolog.Level
}

func DefaultWebRTCConfig(servers []string) webrtc.Configuration {
	if len(servers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: servers,
			},
		},
	}
}

// Factory builds one Connection per call session and captures local audio
// from source.
type Factory struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	opts   Options
	source core.MediaSource
}

func NewFactory(opts Options, source core.MediaSource) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability,
		PayloadType:        opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(opts.PionLogLevel)

	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 5 * time.Second
	}
	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		cfg:    DefaultWebRTCConfig(opts.ICEServers),
		opts:   opts,
		source: source,
	}, nil
}

func (f *Factory) NewEndpoint(ctx context.Context) (core.MediaEndpoint, error) {
	// The connection outlives the call that created it; Close ends it.
	return NewConnection(context.WithoutCancel(ctx), f.api, f.cfg, f.opts.GatherTimeout)
}

func (f *Factory) Capture(ctx context.Context) (core.MediaStream, error) {
	if f.source == nil {
		return nil, core.MediaAcquisitionError("capture", errors.New("no capture source"))
	}
	return f.source.Capture(ctx)
}
