package media

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/dkeye/peercall/internal/core"
)

// Track adapts a Fanout to core.AudioTrack.
type Track struct {
	id       string
	fanout   *Fanout
	disabled atomic.Bool
}

func NewTrack(id string, f *Fanout) *Track {
	return &Track{id: id, fanout: f}
}

func (t *Track) ID() string { return t.id }

func (t *Track) ReadyState() core.ReadyState {
	if t.fanout == nil || t.fanout.Ended() {
		return core.TrackEnded
	}
	return core.TrackLive
}

func (t *Track) Enabled() bool { return !t.disabled.Load() }

// SetEnabled mutes or unmutes the track for every subscriber.
func (t *Track) SetEnabled(on bool) { t.disabled.Store(!on) }

func (t *Track) Subscribe(id string, sink core.PacketSink) {
	t.fanout.AddSink(id, mutable{t, sink})
}

func (t *Track) Unsubscribe(id string) {
	t.fanout.MarkSinkDelete(id)
}

// mutable drops packets while the owning track is disabled.
type mutable struct {
	t    *Track
	sink core.PacketSink
}

func (m mutable) WriteRTP(p *rtp.Packet) error {
	if !m.t.Enabled() {
		return nil
	}
	return m.sink.WriteRTP(p)
}

// Stream groups the tracks of one capture or one remote stream id.
type Stream struct {
	id     string
	mu     sync.RWMutex
	tracks []core.AudioTrack
	onStop func()
}

func NewStream(id string, onStop func()) *Stream {
	return &Stream{id: id, onStop: onStop}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) AddTrack(t core.AudioTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *Stream) AudioTracks() []core.AudioTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tracks)
}

func (s *Stream) Stop() {
	if s.onStop != nil {
		s.onStop()
	}
}
