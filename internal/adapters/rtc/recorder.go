package rtc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

const (
	// samplesPerPacket is 20ms of Opus at 48kHz.
	samplesPerPacket = 960
	opusClockRate    = 48000
)

// opusSilence is a 20ms CELT frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var ErrRecorderActive = errors.New("recorder already running")

// OggRecorder writes every recorded track as its own logical Opus stream of
// one Ogg file. Each stream keeps the timing of its track's RTP timestamps,
// so silence gaps survive, and starts at the offset its first packet arrived
// at relative to Start.
type OggRecorder struct {
	id  string
	now func() time.Time

	mu      sync.Mutex
	active  bool
	start   time.Time
	tracks  []core.AudioTrack
	streams []*trackStream
}

type trackStream struct {
	r      *OggRecorder
	writer *oggwriter.OggWriter

	started bool
	first   uint32
	offset  uint32
}

func NewOggRecorder() *OggRecorder {
	return &OggRecorder{id: "recorder-" + uuid.NewString()[:8], now: time.Now}
}

func (r *OggRecorder) IsTypeSupported(mimeType string) bool {
	mt := strings.ReplaceAll(strings.ToLower(mimeType), " ", "")
	return mt == "audio/ogg" || mt == "audio/ogg;codecs=opus"
}

func (r *OggRecorder) Start(_ context.Context, mimeType string, tracks []core.AudioTrack, chunk func([]byte)) error {
	if !r.IsTypeSupported(mimeType) {
		return errors.New("unsupported mime type " + mimeType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ErrRecorderActive
	}

	// All beginning-of-stream pages go first, then the comment pages.
	headers := make([]*pageBuffer, len(tracks))
	streams := make([]*trackStream, len(tracks))
	for i := range tracks {
		headers[i] = &pageBuffer{}
		w, err := oggwriter.NewWith(headers[i], opusClockRate, 2)
		if err != nil {
			return err
		}
		streams[i] = &trackStream{r: r, writer: w}
	}
	for depth := 0; ; depth++ {
		more := false
		for _, h := range headers {
			if depth < len(h.pages) {
				chunk(h.pages[depth])
				more = true
			}
		}
		if !more {
			break
		}
	}
	for _, h := range headers {
		h.out = chunk
	}

	r.active, r.start, r.tracks, r.streams = true, r.now(), tracks, streams
	for i, t := range tracks {
		t.Subscribe(r.id, streams[i])
	}
	log.Debug().Str("module", "recorder").Int("tracks", len(tracks)).Msg("ogg recorder started")
	return nil
}

// WriteRTP implements core.PacketSink for one recorded track.
func (s *trackStream) WriteRTP(p *rtp.Packet) error {
	if len(p.Payload) == 0 {
		return nil
	}
	r := s.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return nil
	}
	if !s.started {
		s.started, s.first = true, p.Timestamp
		lead := uint32(r.now().Sub(r.start) * opusClockRate / time.Second)
		if lead >= samplesPerPacket {
			// The granule jump from this frame to the first real one places
			// the track at its arrival time.
			silence := &rtp.Packet{Header: p.Header, Payload: opusSilence}
			silence.Timestamp = 0
			if err := s.writer.WriteRTP(silence); err != nil {
				return err
			}
			s.offset = lead
		}
	}
	out := &rtp.Packet{Header: p.Header, Payload: p.Payload}
	out.Timestamp = s.offset + (p.Timestamp - s.first)
	return s.writer.WriteRTP(out)
}

func (r *OggRecorder) Stop() error {
	r.mu.Lock()
	active, tracks, streams := r.active, r.tracks, r.streams
	r.active, r.tracks, r.streams = false, nil, nil
	r.mu.Unlock()
	if !active {
		return nil
	}
	for _, t := range tracks {
		t.Unsubscribe(r.id)
	}
	var errs []error
	for _, s := range streams {
		errs = append(errs, s.writer.Close())
	}
	return errors.Join(errs...)
}

// pageBuffer keeps the pages oggwriter emits while a recording starts and
// hands later pages straight to the recording pipeline. oggwriter writes
// one page per Write call.
type pageBuffer struct {
	pages [][]byte
	out   func([]byte)
}

func (b *pageBuffer) Write(p []byte) (int, error) {
	if b.out != nil {
		b.out(p)
		return len(p), nil
	}
	b.pages = append(b.pages, append([]byte(nil), p...))
	return len(p), nil
}
