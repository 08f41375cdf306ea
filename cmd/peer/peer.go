package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/dkeye/peercall/internal/adapters/storage"
	"github.com/dkeye/peercall/internal/adapters/transcribe"
	"github.com/dkeye/peercall/internal/adapters/wsclient"
	"github.com/dkeye/peercall/internal/app/call"
	"github.com/dkeye/peercall/internal/app/recording"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/metrics"
)

var ErrPeerLeft = errors.New("peer left the room")

// peer wires one controller to the relay, the pion media stack and the
// recording pipeline.
type peer struct {
	cfg      *config.Config
	ctrl     *call.Controller
	channel  *wsclient.Client
	pipeline *recording.Pipeline
	registry *prometheus.Registry
	notes    chan call.Notification
}

// relayHandler forwards channel events to a controller created after the
// channel.
type relayHandler struct {
	ctrl *call.Controller
}

func (h *relayHandler) HandleMessage(msg domain.Message) { h.ctrl.HandleMessage(msg) }
func (h *relayHandler) SignalingLost() { h.ctrl.SignalingLost() }
func (h *relayHandler) SignalingRestored(self domain.SessionID) { h.ctrl.SignalingRestored(self) }

func newPeer(cfg *config.Config) (*peer, error) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPeer(reg)
	fs := afero.NewOsFs()

	var source core.MediaSource
	if cfg.Peer.CaptureFile != "" {
		source = rtc.NewFileSource(fs, cfg.Peer.CaptureFile, cfg.Peer.CaptureLoop)
	}
	pionLevel, err := zerolog.ParseLevel(cfg.Peer.PionLogLevel)
	if err != nil {
		pionLevel = zerolog.WarnLevel
	}
	factory, err := rtc.NewFactory(rtc.Options{
		ICEServers:    cfg.Peer.ICEServers,
		GatherTimeout: cfg.Peer.GatherTimeout,
		PionLogLevel:  pionLevel,
	}, source)
	if err != nil {
		return nil, fmt.Errorf("media stack: %w", err)
	}

	p := &peer{
		cfg:      cfg,
		registry: reg,
		notes:    make(chan call.Notification, 128),
	}
	h := &relayHandler{}
	p.channel = wsclient.New(wsclient.Options{
		URL:            cfg.Peer.SignalURL,
		ReconnectDelay: cfg.Peer.ReconnectDelay,
		PingPeriod:     cfg.PingPeriod,
	}, h)
	p.ctrl = call.NewController(call.Config{
		AutoAccept: cfg.Peer.AutoAccept,
		Notify:     p.notify,
		Metrics:    m,
	}, p.channel, factory)
	h.ctrl = p.ctrl

	var tr recording.Transcriber
	if cfg.Peer.TranscribeURL != "" {
		tr = transcribe.New(cfg.Peer.TranscribeURL, cfg.Peer.TranscribeTimeout)
	}
	p.pipeline = recording.NewPipeline(
		rtc.NewOggRecorder(),
		storage.NewSink(fs, cfg.Peer.RecordingsDir),
		tr,
		m,
	)
	return p, nil
}

// notify runs on the controller loop and must not block it.
func (p *peer) notify(n call.Notification) {
	select {
	case p.notes <- n:
	default:
		log.Warn().Str("module", "peer").Str("kind", string(n.Kind)).Msg("notification dropped")
	}
}

// start runs the controller, the signaling channel and the metrics
// endpoint in the background.
func (p *peer) start(ctx context.Context) {
	go func() {
		if err := p.ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("module", "peer").Msg("controller stopped")
		}
	}()
	go func() {
		_ = p.channel.Run(ctx)
	}()
	if addr := p.cfg.Peer.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("module", "peer").Msg("metrics server")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}
}

// await logs notifications until one of kinds arrives. A peer leaving
// ends the wait with ErrPeerLeft unless NotifyPeerLeft is awaited.
func (p *peer) await(ctx context.Context, kinds ...call.NotificationKind) (call.Notification, error) {
	for {
		select {
		case <-ctx.Done():
			return call.Notification{}, ctx.Err()
		case n := <-p.notes:
			logNotification(n)
			for _, k := range kinds {
				if n.Kind == k {
					return n, nil
				}
			}
			if n.Kind == call.NotifyPeerLeft {
				return n, ErrPeerLeft
			}
		}
	}
}

func logNotification(n call.Notification) {
	ev := log.Info()
	if n.Kind == call.NotifyError {
		ev = log.Warn().Err(n.Err)
	}
	ev.Str("module", "peer").
		Str("kind", string(n.Kind)).
		Str("peer", string(n.Peer)).
		Str("state", string(n.State)).
		Msg("notification")
}

// joinRoom waits for the relay identity, then joins the configured room.
func (p *peer) joinRoom(ctx context.Context) error {
	if _, err := p.await(ctx, call.NotifySession); err != nil {
		return err
	}
	if err := p.ctrl.JoinRoom(ctx, p.cfg.Peer.Room, p.cfg.Peer.Email); err != nil {
		return err
	}
	_, err := p.await(ctx, call.NotifyJoined)
	return err
}

// record captures the session for the configured duration, or until the
// peer leaves or ctx ends, and delivers the artifact.
func (p *peer) record(ctx context.Context) error {
	if p.cfg.Peer.RecordFor <= 0 {
		_, err := p.await(ctx, call.NotifyPeerLeft)
		return err
	}
	local, remote, err := p.ctrl.Streams(ctx)
	if err != nil {
		return err
	}
	if err := p.pipeline.Start(ctx, local, remote); err != nil {
		return err
	}
	started := time.Now()

	timer := time.NewTimer(p.cfg.Peer.RecordFor)
	defer timer.Stop()
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	left := make(chan struct{})
	go func() {
		if _, err := p.await(waitCtx, call.NotifyPeerLeft); err == nil || errors.Is(err, ErrPeerLeft) {
			close(left)
		}
	}()
	select {
	case <-timer.C:
	case <-left:
	case <-ctx.Done():
	}
	cancel()

	finishCtx, done := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Peer.TranscribeTimeout+5*time.Second)
	defer done()
	res, err := p.pipeline.Finish(finishCtx)
	if err != nil {
		return err
	}
	renderSummary(res, time.Since(started))
	return res.Err
}
