package orch

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/metrics"
)

// Orchestrator is the relay: it tracks who is in which room and routes
// messages between the two members of a room. Descriptions pass through
// untouched.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Metrics  *metrics.Relay

	// mu serialises membership changes.
	mu sync.Mutex
}

// Connect registers a new signaling connection and tells the client its
// session identity.
func (o *Orchestrator) Connect(sid domain.SessionID, conn core.SignalConnection, cancel context.CancelFunc) {
	user, _ := domain.NewUser(sid, "")
	sess := core.NewMemberSession(domain.NewMember(user)).UpdateSignal(conn)
	o.Registry.BindSignal(sid, sess, cancel)
	o.Metrics.ConnectionOpened()
	if err := o.sendTo(sess, domain.Message{Type: domain.KindSession, ID: sid}); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("announce session")
	}
}

// Disconnect removes sid from its room, announcing user:left, and forgets it.
func (o *Orchestrator) Disconnect(sid domain.SessionID) {
	if _, ok := o.Registry.GetSession(sid); !ok {
		return
	}
	o.Leave(sid)
	o.Registry.Unbind(sid)
	o.Metrics.ConnectionClosed()
}

// Handle routes one inbound message of sid.
func (o *Orchestrator) Handle(sid domain.SessionID, msg domain.Message) {
	switch {
	case msg.Type == domain.KindRoomJoin:
		o.Metrics.Message(string(msg.Type))
		_ = o.Join(sid, msg.Room, msg.Email)
	case msg.Type == domain.KindLeave:
		o.Metrics.Message(string(msg.Type))
		o.Leave(sid)
	case msg.Type.Forwarded():
		o.Metrics.Message(string(msg.Type))
		_ = o.Forward(sid, msg)
	default:
		o.Metrics.Message("unknown")
		log.Warn().Str("module", "orch").Str("sid", string(sid)).Str("type", string(msg.Type)).Msg("unknown signal")
		o.replyError(sid, msg, "unsupported_type")
	}
}

func (o *Orchestrator) sendTo(sess core.MemberSession, msg domain.Message) error {
	f, err := core.EncodeMessage(msg)
	if err != nil {
		return err
	}
	sc := sess.Signal()
	if sc == nil {
		return core.ErrConnClosed
	}
	return sc.TrySend(f)
}

func (o *Orchestrator) replyError(sid domain.SessionID, ref domain.Message, reason string) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	msg := domain.Message{
		Type:  domain.KindError,
		Ref:   ref.Type,
		To:    ref.To,
		Room:  ref.Room,
		Call:  ref.Call,
		Error: reason,
	}
	if err := o.sendTo(sess, msg); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("error reply dropped")
	}
}

// broadcast sends msg to every member of room except sid and applies the
// backpressure policy to members that could not take it.
func (o *Orchestrator) broadcast(sid domain.SessionID, room core.RoomService, msg domain.Message) {
	f, err := core.EncodeMessage(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("broadcast encode")
		return
	}
	res := room.Broadcast(sid, f)
	for _, slow := range res.Dropped {
		o.onBackPressure(room, slow)
	}
}

func (o *Orchestrator) onBackPressure(room core.RoomService, slow core.MemberSession) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(room, slow) {
	case app.KickMember:
		for _, snap := range o.Registry.MembersOfRoom(room.Room().Name) {
			if snap.Session == slow {
				log.Warn().Str("module", "orch").Str("sid", string(snap.SID)).Msg("kicking slow member")
				o.Registry.Cancel(snap.SID)
			}
		}
	case app.DropFrame, app.NoAction:
	}
}
