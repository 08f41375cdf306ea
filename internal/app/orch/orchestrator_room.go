package orch

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var ErrUnknownSession = errors.New("unknown session")

// Join puts sid into the named room, leaving its previous room first. The
// joiner gets room:join back and the other member gets user:joined.
func (o *Orchestrator) Join(sid domain.SessionID, raw domain.RoomName, email string) error {
	ref := domain.Message{Type: domain.KindRoomJoin, Room: raw}
	name, err := domain.ParseRoomName(string(raw))
	if err != nil {
		o.Metrics.JoinRejected("bad_room")
		o.replyError(sid, ref, err.Error())
		return err
	}
	user, err := domain.NewUser(sid, email)
	if err != nil {
		o.Metrics.JoinRejected("bad_email")
		o.replyError(sid, ref, err.Error())
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return ErrUnknownSession
	}
	if from, _, ok := o.Registry.RoomOf(sid); ok {
		o.leave(sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(from)).Msg("left previous room")
	}

	member := core.NewMemberSession(domain.NewMember(user)).UpdateSignal(sess.Signal())
	room := o.Rooms.GetOrCreate(name)
	if err := room.AddMember(sid, member); err != nil {
		o.Metrics.JoinRejected("room_full")
		o.replyError(sid, ref, err.Error())
		return err
	}
	o.Registry.Rebind(sid, member)
	o.Registry.UpdateRoom(sid, name)
	o.Metrics.SetRooms(len(o.Rooms.List()))
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(name)).Msg("added to room")

	if err := o.sendTo(member, domain.Message{Type: domain.KindRoomJoin, ID: sid, Room: name, Email: user.Email}); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("join echo dropped")
	}
	o.broadcast(sid, room, domain.Message{Type: domain.KindUserJoined, ID: sid, Room: name, Email: user.Email})
	return nil
}

// Leave takes sid out of its room and tells the remaining member. The
// connection stays open.
func (o *Orchestrator) Leave(sid domain.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.leave(sid)
}

func (o *Orchestrator) leave(sid domain.SessionID) {
	name, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	o.Registry.RemoveRoom(sid)
	if room, ok := o.Rooms.GetRoom(name); ok {
		room.RemoveMember(sid)
		o.broadcast(sid, room, domain.Message{Type: domain.KindUserLeft, ID: sid, Room: name})
		if room.MemberCount() == 0 {
			o.Rooms.StopRoom(name)
		}
	}
	o.Metrics.SetRooms(len(o.Rooms.List()))
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(name)).Msg("left room")
}

// EvictRoom closes every connection in the room.
func (o *Orchestrator) EvictRoom(name domain.RoomName) {
	for _, snap := range o.Registry.MembersOfRoom(name) {
		o.Registry.Cancel(snap.SID)
	}
}
