package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string { return t.id }
func (t fakeTrack) ReadyState() core.ReadyState { return core.TrackLive }
func (t fakeTrack) Enabled() bool { return true }
func (t fakeTrack) Subscribe(string, core.PacketSink) {}
func (t fakeTrack) Unsubscribe(string) {}

type fakeStream struct {
	id      string
	tracks  []core.AudioTrack
	stopped atomic.Bool
}

func newFakeStream(id string) *fakeStream {
	return &fakeStream{id: id, tracks: []core.AudioTrack{fakeTrack{id: id + "-audio"}}}
}

func (s *fakeStream) ID() string { return s.id }
func (s *fakeStream) AudioTracks() []core.AudioTrack { return s.tracks }
func (s *fakeStream) Stop() { s.stopped.Store(true) }

var errWrongState = errors.New("wrong signaling state")

// fakeEndpoint follows the offer/answer rules of a browser peer connection.
type fakeEndpoint struct {
	name string

	mu         sync.Mutex
	n          int
	state      string
	local      *domain.Description
	remote     *domain.Description
	added      int
	closed     bool
	failRemote error
	remoteSent bool
	onNeg      func()
	onRemote   func(core.MediaStream)
}

func (e *fakeEndpoint) CreateOffer(context.Context) (domain.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.n++
	return domain.Description{Type: domain.DescriptionOffer, SDP: fmt.Sprintf("%s-offer-%d", e.name, e.n)}, nil
}

func (e *fakeEndpoint) CreateAnswer(context.Context) (domain.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != "have-remote-offer" {
		return domain.Description{}, errWrongState
	}
	e.n++
	return domain.Description{Type: domain.DescriptionAnswer, SDP: fmt.Sprintf("%s-answer-%d", e.name, e.n)}, nil
}

func (e *fakeEndpoint) SetLocalDescription(_ context.Context, d domain.Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case d.Type == domain.DescriptionOffer && e.stable():
		e.state = "have-local-offer"
	case d.Type == domain.DescriptionAnswer && e.state == "have-remote-offer":
		e.state = "stable"
	default:
		return errWrongState
	}
	e.local = &d
	return nil
}

func (e *fakeEndpoint) SetRemoteDescription(_ context.Context, d domain.Description) error {
	e.mu.Lock()
	if e.failRemote != nil {
		err := e.failRemote
		e.mu.Unlock()
		return err
	}
	switch {
	case d.Type == domain.DescriptionOffer && e.stable():
		e.state = "have-remote-offer"
	case d.Type == domain.DescriptionAnswer && e.state == "have-local-offer":
		e.state = "stable"
	default:
		e.mu.Unlock()
		return errWrongState
	}
	e.remote = &d
	fire := !e.remoteSent && e.onRemote != nil
	e.remoteSent = true
	cb := e.onRemote
	e.mu.Unlock()
	if fire {
		go cb(newFakeStream("remote-of-" + e.name))
	}
	return nil
}

func (e *fakeEndpoint) stable() bool { return e.state == "" || e.state == "stable" }

func (e *fakeEndpoint) Rollback(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stable() {
		return errWrongState
	}
	e.state = "stable"
	return nil
}

func (e *fakeEndpoint) LocalDescription() *domain.Description {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.local == nil {
		return nil
	}
	d := *e.local
	return &d
}

func (e *fakeEndpoint) AddLocalTracks(core.MediaStream) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.added++
	return nil
}

func (e *fakeEndpoint) OnNegotiationNeeded(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onNeg = fn
}

func (e *fakeEndpoint) OnRemoteStream(fn func(core.MediaStream)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRemote = fn
}

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEndpoint) setFailRemote(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failRemote = err
}

func (e *fakeEndpoint) snapshot() (state string, added int, closed bool, remote *domain.Description) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.added, e.closed, e.remote
}

func (e *fakeEndpoint) negotiationNeeded() {
	e.mu.Lock()
	cb := e.onNeg
	e.mu.Unlock()
	cb()
}

type fakeFactory struct {
	name       string
	captureErr error

	mu        sync.Mutex
	endpoints []*fakeEndpoint
	streams   []*fakeStream
}

func (f *fakeFactory) Capture(context.Context) (core.MediaStream, error) {
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeStream(fmt.Sprintf("%s-mic-%d", f.name, len(f.streams)))
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeFactory) NewEndpoint(context.Context) (core.MediaEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep := &fakeEndpoint{name: fmt.Sprintf("%s%d", f.name, len(f.endpoints))}
	f.endpoints = append(f.endpoints, ep)
	return ep, nil
}

func (f *fakeFactory) endpoint(i int) *fakeEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.endpoints) {
		return nil
	}
	return f.endpoints[i]
}

// bus is an in-memory relay applying the same rewrites as the server.
type bus struct {
	mu    sync.Mutex
	peers map[domain.SessionID]*Controller
	hold  bool
	held  []heldMessage
}

type heldMessage struct {
	to  domain.SessionID
	msg domain.Message
}

func newBus() *bus {
	return &bus{peers: make(map[domain.SessionID]*Controller)}
}

func (b *bus) deliver(to domain.SessionID, msg domain.Message) {
	b.mu.Lock()
	if b.hold {
		b.held = append(b.held, heldMessage{to, msg})
		b.mu.Unlock()
		return
	}
	c := b.peers[to]
	b.mu.Unlock()
	if c != nil {
		c.HandleMessage(msg)
	}
}

func (b *bus) setHold(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold = on
}

// flush delivers what is held so far; replies stay held.
func (b *bus) flush() {
	b.mu.Lock()
	held := b.held
	b.held = nil
	peers := make(map[domain.SessionID]*Controller, len(b.peers))
	for id, c := range b.peers {
		peers[id] = c
	}
	b.mu.Unlock()
	for _, h := range held {
		if c := peers[h.to]; c != nil {
			c.HandleMessage(h.msg)
		}
	}
}

// drop forgets everything held so far.
func (b *bus) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held = nil
}

func (b *bus) release() {
	b.setHold(false)
	b.flush()
}

type busSender struct {
	bus  *bus
	self domain.SessionID

	mu   sync.Mutex
	fail error
	sent []domain.Message
}

func (s *busSender) Send(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	if s.fail != nil {
		err := s.fail
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	switch {
	case msg.Type.Forwarded():
		out := msg
		out.Type = msg.Type.Delivered()
		out.From = s.self
		out.To = ""
		s.bus.deliver(msg.To, out)
	case msg.Type == domain.KindRoomJoin:
		s.bus.deliver(s.self, domain.Message{Type: domain.KindRoomJoin, Room: msg.Room})
	}
	return nil
}

func (s *busSender) sentKinds() []domain.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Kind, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Type
	}
	return out
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) add(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) find(kind NotificationKind) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notes {
		if n.Kind == kind {
			return n, true
		}
	}
	return Notification{}, false
}

func (r *recorder) errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []error
	for _, n := range r.notes {
		if n.Kind == NotifyError {
			out = append(out, n.Err)
		}
	}
	return out
}
