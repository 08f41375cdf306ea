package orch

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var (
	ErrNotInRoom       = errors.New("sender is not in a room")
	ErrBadRecipient    = errors.New("missing or invalid recipient")
	ErrPeerUnreachable = errors.New("peer is not in the sender's room")
)

// Forward routes a point-to-point message to msg.To. The recipient sees
// the delivered kind with From set to the sender. When the message cannot
// be delivered the sender gets an error referring to it.
func (o *Orchestrator) Forward(sid domain.SessionID, msg domain.Message) error {
	from, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return o.forwardFailed(sid, msg, "not_in_room", ErrNotInRoom)
	}
	if msg.To == "" || msg.To == sid {
		return o.forwardFailed(sid, msg, "bad_recipient", ErrBadRecipient)
	}
	toRoom, to, ok := o.Registry.RoomOf(msg.To)
	if !ok || toRoom != from {
		return o.forwardFailed(sid, msg, "peer_unreachable", ErrPeerUnreachable)
	}

	out := msg
	out.Type = msg.Type.Delivered()
	out.From = sid
	out.To = ""
	out.Room = from
	if err := o.sendTo(to, out); err != nil {
		if errors.Is(err, core.ErrBackpressure) {
			if room, ok := o.Rooms.GetRoom(from); ok {
				o.onBackPressure(room, to)
			}
			return o.forwardFailed(sid, msg, "backpressure", err)
		}
		return o.forwardFailed(sid, msg, "send_failed", err)
	}
	log.Debug().
		Str("module", "orch").
		Str("from", string(sid)).
		Str("to", string(msg.To)).
		Str("type", string(out.Type)).
		Msg("forwarded")
	return nil
}

func (o *Orchestrator) forwardFailed(sid domain.SessionID, msg domain.Message, reason string, err error) error {
	o.Metrics.ForwardFailed(reason)
	log.Warn().
		Err(err).
		Str("module", "orch").
		Str("sid", string(sid)).
		Str("to", string(msg.To)).
		Str("type", string(msg.Type)).
		Msg("forward failed")
	o.replyError(sid, msg, reason)
	return err
}
