package rtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/spf13/afero"

	"github.com/dkeye/peercall/internal/app/media"
	"github.com/dkeye/peercall/internal/core"
)

const (
	opusPayloadType = 111
	oggPageDuration = 20 * time.Millisecond
)

// FileSource plays an Ogg/Opus file as if it were a microphone.
type FileSource struct {
	fs   afero.Fs
	path string
	loop bool
}

func NewFileSource(fs afero.Fs, path string, loop bool) *FileSource {
	return &FileSource{fs: fs, path: path, loop: loop}
}

// Capture opens the file and starts pacing it out as one audio track. The
// stream keeps playing until it is stopped, independent of ctx.
func (s *FileSource) Capture(ctx context.Context) (core.MediaStream, error) {
	if s.path == "" {
		return nil, errors.New("no capture file configured")
	}
	src, err := newOggSource(s.fs, s.path, s.loop)
	if err != nil {
		return nil, err
	}

	playCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	src.ctx = playCtx

	trackID := "mic-" + uuid.NewString()[:8]
	mgr := media.NewManager()
	fan := mgr.Start(playCtx, trackID, src)

	stream := media.NewStream("local-"+uuid.NewString()[:8], func() {
		cancel()
		mgr.StopAll()
		src.close()
	})
	stream.AddTrack(media.NewTrack(trackID, fan))
	return stream, nil
}

// oggSource turns Ogg pages into paced RTP packets.
type oggSource struct {
	ctx  context.Context
	fs   afero.Fs
	path string
	loop bool

	file   afero.File
	reader *oggreader.OggReader
	ticker *time.Ticker

	lastGranule uint64
	seq         uint16
	ts          uint32
	ssrc        uint32
}

func newOggSource(fs afero.Fs, path string, loop bool) (*oggSource, error) {
	s := &oggSource{
		ctx:  context.Background(),
		fs:   fs,
		path: path,
		loop: loop,
		seq:  uint16(rand.Uint32()),
		ssrc: rand.Uint32(),
	}
	if err := s.open(); err != nil {
		return nil, core.MediaAcquisitionError("open_capture", err)
	}
	s.ticker = time.NewTicker(oggPageDuration)
	return s, nil
}

func (s *oggSource) open() error {
	f, err := s.fs.Open(s.path)
	if err != nil {
		return err
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.file, s.reader, s.lastGranule = f, r, 0
	return nil
}

func (s *oggSource) close() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.file != nil {
		_ = s.file.Close()
	}
}

func (s *oggSource) ReadRTP() (*rtp.Packet, error) {
	for {
		page, header, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) && s.loop {
			_ = s.file.Close()
			if err := s.open(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if bytes.HasPrefix(page, []byte("OpusHead")) || bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}

		samples := uint32(samplesPerPacket)
		if header.GranulePosition > s.lastGranule {
			samples = uint32(header.GranulePosition - s.lastGranule)
		}
		s.lastGranule = header.GranulePosition

		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-s.ticker.C:
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    opusPayloadType,
				SequenceNumber: s.seq,
				Timestamp:      s.ts,
				SSRC:           s.ssrc,
			},
			Payload: page,
		}
		s.seq++
		s.ts += samples
		return pkt, nil
	}
}
