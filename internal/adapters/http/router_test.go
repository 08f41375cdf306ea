package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/metrics"
	transport "github.com/dkeye/peercall/internal/transport/http"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := prometheus.NewRegistry()
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(domain.MaxRoomMembers),
		Policy:   app.SimplePolicy{},
		Metrics:  metrics.NewRelay(reg),
	}
	cfg := &config.Config{
		Mode:       "release",
		Secret:     "test-secret",
		ReadLimit:  1 << 16,
		PingPeriod: 5 * time.Second,
		Relay:      config.RelayConfig{JoinLimit: 10, JoinInterval: time.Second},
	}
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o, reg))
	t.Cleanup(srv.Close)
	return srv
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
	id   domain.SessionID
}

func dial(t *testing.T, srv *httptest.Server) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	p := &wsPeer{t: t, conn: conn}
	hello := p.read()
	require.Equal(t, domain.KindSession, hello.Type)
	require.NotEmpty(t, hello.ID)
	p.id = hello.ID
	return p
}

func (p *wsPeer) send(msg domain.Message) {
	p.t.Helper()
	f, err := core.EncodeMessage(msg)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, f))
}

func (p *wsPeer) read() domain.Message {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	msg, err := core.DecodeMessage(data)
	require.NoError(p.t, err)
	return msg
}

func TestRelay_CallExchange(t *testing.T) {
	srv := newServer(t)
	alice, bob := dial(t, srv), dial(t, srv)
	assert.NotEqual(t, alice.id, bob.id)

	alice.send(domain.Message{Type: domain.KindRoomJoin, Room: "lobby", Email: "alice@example.com"})
	assert.Equal(t, domain.KindRoomJoin, alice.read().Type)

	bob.send(domain.Message{Type: domain.KindRoomJoin, Room: "lobby", Email: "bob@example.com"})
	assert.Equal(t, domain.KindRoomJoin, bob.read().Type)
	joined := alice.read()
	assert.Equal(t, domain.KindUserJoined, joined.Type)
	assert.Equal(t, bob.id, joined.ID)
	assert.Equal(t, "bob@example.com", joined.Email)

	offer := &domain.Description{Type: domain.DescriptionOffer, SDP: "v=0\r\n"}
	alice.send(domain.Message{Type: domain.KindUserCall, To: bob.id, Offer: offer, Call: "call-1"})
	incoming := bob.read()
	assert.Equal(t, domain.KindIncomingCall, incoming.Type)
	assert.Equal(t, alice.id, incoming.From)
	assert.Equal(t, offer, incoming.Offer)

	ans := &domain.Description{Type: domain.DescriptionAnswer, SDP: "v=0\r\n"}
	bob.send(domain.Message{Type: domain.KindCallAccepted, To: alice.id, Ans: ans, Call: "call-1"})
	accepted := alice.read()
	assert.Equal(t, domain.KindCallAccepted, accepted.Type)
	assert.Equal(t, bob.id, accepted.From)

	bob.send(domain.Message{Type: domain.KindNegoDone, To: alice.id, Ans: ans})
	assert.Equal(t, domain.KindNegoFinal, alice.read().Type)

	bob.send(domain.Message{Type: domain.KindPing})
	assert.Equal(t, domain.KindPong, bob.read().Type)

	require.NoError(t, bob.conn.Close())
	left := alice.read()
	assert.Equal(t, domain.KindUserLeft, left.Type)
	assert.Equal(t, bob.id, left.ID)
}

func TestRelay_UndeliverableAndBadPayload(t *testing.T) {
	srv := newServer(t)
	alice := dial(t, srv)

	alice.send(domain.Message{Type: domain.KindUserCall, To: "nobody", Call: "c"})
	e := alice.read()
	assert.Equal(t, domain.KindError, e.Type)
	assert.Equal(t, domain.KindUserCall, e.Ref)
	assert.Equal(t, "c", e.Call)

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	e = alice.read()
	assert.Equal(t, domain.KindError, e.Type)
	assert.Equal(t, "bad_payload", e.Error)
}

func TestRelay_RoomFull(t *testing.T) {
	srv := newServer(t)
	peers := []*wsPeer{dial(t, srv), dial(t, srv), dial(t, srv)}
	for _, p := range peers[:2] {
		p.send(domain.Message{Type: domain.KindRoomJoin, Room: "pair"})
		require.Equal(t, domain.KindRoomJoin, p.read().Type)
	}
	peers[2].send(domain.Message{Type: domain.KindRoomJoin, Room: "pair"})
	e := peers[2].read()
	assert.Equal(t, domain.KindError, e.Type)
	assert.Equal(t, domain.KindRoomJoin, e.Ref)
}

func TestRouter_HTTPEndpoints(t *testing.T) {
	srv := newServer(t)
	p := dial(t, srv)
	p.send(domain.Message{Type: domain.KindRoomJoin, Room: "lobby"})
	require.Equal(t, domain.KindRoomJoin, p.read().Type)

	resp, err := http.Get(srv.URL + "/api/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rooms transport.RoomsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	assert.Equal(t, []core.RoomInfo{{Name: "lobby", MemberCount: 1}}, rooms.Rooms)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	m, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	assert.Equal(t, http.StatusOK, m.StatusCode)
}
