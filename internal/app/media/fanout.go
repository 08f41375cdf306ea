package media

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/dkeye/peercall/internal/core"
)

// PacketSource yields RTP packets until it fails or ends.
type PacketSource interface {
	ReadRTP() (*rtp.Packet, error)
}

// Fanout copies every packet of one source to all of its sinks.
type Fanout struct {
	src PacketSource

	mu    sync.RWMutex
	sinks map[string]*Sink

	ended  atomic.Bool
	cancel context.CancelFunc
}

func NewFanout(src PacketSource) *Fanout {
	return &Fanout{
		src:   src,
		sinks: make(map[string]*Sink),
	}
}

// Run reads packets from the source and forwards them until ctx is done or
// the source fails. The fanout is ended afterwards.
func (f *Fanout) Run(ctx context.Context, logger *zerolog.Logger) {
	defer f.ended.Store(true)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("fanout ctx done, marking all sinks for delete")
			f.markAllDelete()
			return
		default:
		}
		pkt, err := f.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("fanout source finished")
			f.markAllDelete()
			return
		}
		f.forward(pkt, logger)
	}
}

func (f *Fanout) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	f.mu.RLock()
	snapshot := make(map[string]*Sink, len(f.sinks))
	maps.Copy(snapshot, f.sinks)
	f.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for id, s := range snapshot {
		switch s.GetState() {
		case SinkStateDelete:
			dirty = append(dirty, id)
		case SinkStateMuted:
		case SinkStateOk:
			if err := s.Target.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("sink", id).
					Msg("fanout write RTP error, marking sink as delete")
				s.MarkDelete()
				dirty = append(dirty, id)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		f.cleanupDeleted(dirty)
	}
}

func (f *Fanout) cleanupDeleted(dirty []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range dirty {
		if s, ok := f.sinks[id]; ok && s.GetState() == SinkStateDelete {
			delete(f.sinks, id)
		}
	}
}

func (f *Fanout) markAllDelete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sinks {
		s.MarkDelete()
	}
}

// AddSink registers target under id, replacing any previous sink.
func (f *Fanout) AddSink(id string, target core.PacketSink) *Sink {
	s := NewSink(target)
	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.sinks[id]; ok {
		old.MarkDelete()
	}
	f.sinks[id] = s
	return s
}

// MarkSinkDelete detaches the sink registered under id.
func (f *Fanout) MarkSinkDelete(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sinks[id]; ok {
		s.MarkDelete()
		delete(f.sinks, id)
	}
}

func (f *Fanout) SinkCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

func (f *Fanout) Ended() bool { return f.ended.Load() }

// Stop cancels the loop started by a Manager.
func (f *Fanout) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.markAllDelete()
	f.ended.Store(true)
}
