package media

import (
	"sync/atomic"

	"github.com/dkeye/peercall/internal/core"
)

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStateMuted
	SinkStateDelete
)

// Sink is one subscriber of a Fanout.
type Sink struct {
	Target core.PacketSink
	state  atomic.Int32 // Zero by default (SinkStateOk)
}

func NewSink(target core.PacketSink) *Sink {
	return &Sink{Target: target}
}

func (s *Sink) GetState() SinkState {
	return SinkState(s.state.Load())
}

func (s *Sink) MarkOk() {
	s.state.Store(int32(SinkStateOk))
}

func (s *Sink) MarkMuted() {
	s.state.Store(int32(SinkStateMuted))
}

func (s *Sink) MarkDelete() {
	s.state.Store(int32(SinkStateDelete))
}
