// Package recording combines the local and remote audio of a call into one
// artifact and hands it to storage and transcription.
package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/metrics"
)

const (
	PreferredMimeType = "audio/ogg;codecs=opus"
	BaselineMimeType  = "audio/ogg"
	ArtifactName      = "full_session_audio.ogg"
)

var (
	ErrRecordingActive   = errors.New("recording already active")
	ErrRecordingInactive = errors.New("no active recording")
)

// Recorder encodes a set of audio tracks into one container. Chunks are
// handed to the callback in the order they are produced, possibly from
// another goroutine. Stop returns after the last chunk was delivered.
type Recorder interface {
	IsTypeSupported(mimeType string) bool
	Start(ctx context.Context, mimeType string, tracks []core.AudioTrack, chunk func([]byte)) error
	Stop() error
}

// Session is one recording in progress.
type Session struct {
	MimeType string
	Started  time.Time
	chunks   [][]byte
}

func (s *Session) Chunks() int { return len(s.chunks) }

type Pipeline struct {
	recorder    Recorder
	sink        ArtifactSink
	transcriber Transcriber
	metrics     *metrics.Peer

	mu      sync.Mutex
	session *Session
}

func NewPipeline(rec Recorder, sink ArtifactSink, tr Transcriber, m *metrics.Peer) *Pipeline {
	return &Pipeline{recorder: rec, sink: sink, transcriber: tr, metrics: m}
}

func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil
}

// Start records every live audio track of local and remote. Both sides need
// at least one.
func (p *Pipeline) Start(ctx context.Context, local, remote core.MediaStream) error {
	localTracks := liveTracks(local)
	if len(localTracks) == 0 {
		return core.Wrap("start_recording", core.ErrNoAudioTracks, errors.New("local stream has no live audio track"))
	}
	remoteTracks := liveTracks(remote)
	if len(remoteTracks) == 0 {
		return core.Wrap("start_recording", core.ErrNoAudioTracks, errors.New("remote stream has no live audio track"))
	}

	mime := BaselineMimeType
	if p.recorder.IsTypeSupported(PreferredMimeType) {
		mime = PreferredMimeType
	}

	p.mu.Lock()
	if p.session != nil {
		p.mu.Unlock()
		return ErrRecordingActive
	}
	s := &Session{MimeType: mime, Started: time.Now()}
	p.session = s
	p.mu.Unlock()

	tracks := append(localTracks, remoteTracks...)
	if err := p.recorder.Start(ctx, mime, tracks, func(b []byte) { p.append(s, b) }); err != nil {
		p.mu.Lock()
		p.session = nil
		p.mu.Unlock()
		return fmt.Errorf("start recorder: %w", err)
	}

	log.Info().
		Str("module", "recording").
		Str("mime", mime).
		Int("tracks", len(tracks)).
		Msg("recording started")
	return nil
}

func (p *Pipeline) append(s *Session, b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// Late chunks of a finished session are dropped.
	if p.session != s {
		return
	}
	s.chunks = append(s.chunks, bytes.Clone(b))
}

// Stop finalizes the recording into one artifact.
func (p *Pipeline) Stop(ctx context.Context) (Artifact, error) {
	p.mu.Lock()
	s := p.session
	p.mu.Unlock()
	if s == nil {
		return Artifact{}, ErrRecordingInactive
	}

	stopErr := p.recorder.Stop()

	p.mu.Lock()
	p.session = nil
	chunks := s.chunks
	p.mu.Unlock()

	logger := log.With().Str("module", "recording").Int("chunks", len(chunks)).Logger()
	if stopErr != nil {
		logger.Warn().Err(stopErr).Msg("recorder stop")
	}
	if len(chunks) == 0 {
		p.metrics.Recording("empty")
		return Artifact{}, core.Wrap("stop_recording", core.ErrEmptyRecording, stopErr)
	}

	a := Artifact{
		Name:     ArtifactName,
		MimeType: s.MimeType,
		Data:     bytes.Join(chunks, nil),
	}
	logger.Info().
		Int("bytes", len(a.Data)).
		Dur("duration", time.Since(s.Started)).
		Msg("recording stopped")
	return a, nil
}

// Finish stops the recording and delivers the artifact.
func (p *Pipeline) Finish(ctx context.Context) (Result, error) {
	a, err := p.Stop(ctx)
	if err != nil {
		return Result{}, err
	}
	return p.Deliver(ctx, a), nil
}

func liveTracks(ms core.MediaStream) []core.AudioTrack {
	if ms == nil {
		return nil
	}
	var out []core.AudioTrack
	for _, t := range ms.AudioTracks() {
		if t.ReadyState() == core.TrackLive && t.Enabled() {
			out = append(out, t)
		}
	}
	return out
}
