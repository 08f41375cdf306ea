package rtc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/core"
)

// tapTrack hands its subscriber to the test.
type tapTrack struct {
	id string

	mu   sync.Mutex
	sink core.PacketSink
}

func (t *tapTrack) ID() string { return t.id }
func (t *tapTrack) ReadyState() core.ReadyState { return core.TrackLive }
func (t *tapTrack) Enabled() bool { return true }

func (t *tapTrack) Subscribe(_ string, sink core.PacketSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

func (t *tapTrack) Unsubscribe(string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = nil
}

func (t *tapTrack) push(payload []byte, ts uint32) error {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink == nil {
		return errors.New("not subscribed")
	}
	return sink.WriteRTP(&rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, Timestamp: ts}, Payload: payload})
}

func TestOggRecorder_TypeSupport(t *testing.T) {
	r := NewOggRecorder()
	assert.True(t, r.IsTypeSupported("audio/ogg"))
	assert.True(t, r.IsTypeSupported("audio/ogg; codecs=opus"))
	assert.False(t, r.IsTypeSupported("audio/webm;codecs=opus"))
}

type oggPage struct {
	payload []byte
	granule uint64
}

// readStreams splits an Ogg file into its logical streams, skipping the
// Opus header pages.
func readStreams(t *testing.T, data []byte) [][]oggPage {
	t.Helper()
	reader, header, err := oggreader.NewWith(bytes.NewReader(data))
	require.NoError(t, err)
	assert.EqualValues(t, 48000, header.SampleRate)

	var order []uint32
	bySerial := map[uint32][]oggPage{}
	for {
		page, ph, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if _, ok := bySerial[ph.Serial]; !ok {
			order = append(order, ph.Serial)
			bySerial[ph.Serial] = nil
		}
		if bytes.HasPrefix(page, []byte("OpusHead")) || bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}
		bySerial[ph.Serial] = append(bySerial[ph.Serial], oggPage{payload: page, granule: ph.GranulePosition})
	}
	out := make([][]oggPage, 0, len(order))
	for _, serial := range order {
		out = append(out, bySerial[serial])
	}
	return out
}

func streamWith(t *testing.T, streams [][]oggPage, payload []byte) []oggPage {
	t.Helper()
	for _, pages := range streams {
		for _, p := range pages {
			if bytes.Equal(p.payload, payload) {
				return pages
			}
		}
	}
	require.FailNow(t, "no stream carries payload", "%x", payload)
	return nil
}

func granules(pages []oggPage) []uint64 {
	out := make([]uint64, len(pages))
	for i, p := range pages {
		out[i] = p.granule
	}
	return out
}

func TestOggRecorder_StreamPerTrack(t *testing.T) {
	local := &tapTrack{id: "local"}
	remote := &tapTrack{id: "remote"}

	t0 := time.Unix(1000, 0)
	now := t0
	var buf bytes.Buffer
	r := NewOggRecorder()
	r.now = func() time.Time { return now }
	require.NoError(t, r.Start(context.Background(), "audio/ogg;codecs=opus", []core.AudioTrack{local, remote}, func(b []byte) {
		buf.Write(b)
	}))
	assert.ErrorIs(t, r.Start(context.Background(), "audio/ogg", nil, func([]byte) {}), ErrRecorderActive)

	// Both people talk at the same time; the local side pauses for three
	// frames (DTX) and the remote side joins 100ms late.
	require.NoError(t, local.push([]byte{0xfc, 1}, 1000))
	now = t0.Add(100 * time.Millisecond)
	require.NoError(t, remote.push([]byte{0xfc, 2}, 99999))
	require.NoError(t, local.push([]byte{}, 1960))
	require.NoError(t, local.push([]byte{0xfc, 3}, 1960))
	require.NoError(t, remote.push([]byte{0xfc, 4}, 100959))
	require.NoError(t, local.push([]byte{0xfc, 5}, 1960+4*samplesPerPacket))

	require.NoError(t, r.Stop())
	assert.Error(t, local.push([]byte{0xfc, 6}, 9000))
	require.NoError(t, r.Stop())

	streams := readStreams(t, buf.Bytes())
	require.Len(t, streams, 2)

	localPages, remotePages := streamWith(t, streams, []byte{0xfc, 1}), streamWith(t, streams, []byte{0xfc, 2})
	assert.Equal(t, []uint64{1, 961, 4801}, granules(localPages))
	assert.Equal(t, []byte{0xfc, 3}, localPages[1].payload)

	// One silent frame, then the first real packet at its arrival offset.
	assert.Equal(t, []uint64{1, 4801, 5761}, granules(remotePages))
	assert.Equal(t, opusSilence, remotePages[0].payload)
	assert.Equal(t, []byte{0xfc, 2}, remotePages[1].payload)
}

func TestOggRecorder_HeadersBeforeData(t *testing.T) {
	tracks := []core.AudioTrack{&tapTrack{id: "a"}, &tapTrack{id: "b"}}
	var pages [][]byte
	r := NewOggRecorder()
	require.NoError(t, r.Start(context.Background(), "audio/ogg", tracks, func(b []byte) {
		pages = append(pages, append([]byte(nil), b...))
	}))
	defer func() { _ = r.Stop() }()

	require.Len(t, pages, 4)
	// Beginning-of-stream flag (header type 0x02) on the first two pages.
	assert.Equal(t, byte(0x02), pages[0][5])
	assert.Equal(t, byte(0x02), pages[1][5])
	assert.NotEqual(t, byte(0x02), pages[2][5])
	assert.NotEqual(t, byte(0x02), pages[3][5])
}
