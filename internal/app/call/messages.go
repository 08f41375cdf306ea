package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app/nego"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

func (c *Controller) handleMessage(ctx context.Context, msg domain.Message) {
	logger := log.With().
		Str("module", "call").
		Str("type", string(msg.Type)).
		Str("from", string(msg.From)).
		Logger()

	if msg.Call != "" && c.isRetired(msg.Call) {
		logger.Debug().Str("call", msg.Call).Msg("dropping message of a reset session")
		return
	}

	switch msg.Type {
	case domain.KindSession:
		c.self = msg.ID
		c.notify(Notification{Kind: NotifySession, Peer: msg.ID})

	case domain.KindRoomJoin:
		c.room = msg.Room
		logger.Info().Str("room", string(msg.Room)).Msg("joined room")
		c.notify(Notification{Kind: NotifyJoined, Room: msg.Room})

	case domain.KindUserJoined:
		if msg.ID == "" || msg.ID == c.self {
			return
		}
		c.peer = msg.ID
		logger.Info().Str("peer", string(msg.ID)).Str("email", msg.Email).Msg("peer joined")
		c.notify(Notification{Kind: NotifyPeerJoined, Peer: msg.ID, Email: msg.Email})

	case domain.KindUserLeft:
		c.peerLeft(ctx, msg.ID)

	case domain.KindIncomingCall:
		if err := c.incomingCall(ctx, msg); err != nil {
			c.fail(string(msg.Type), err)
		}

	case domain.KindCallAccepted:
		c.fromRemote(ctx, msg, nego.TriggerCallAccepted, msg.Ans)

	case domain.KindNegoNeeded:
		c.fromRemote(ctx, msg, nego.TriggerRenegotiationOffer, msg.Offer)

	case domain.KindNegoFinal:
		c.fromRemote(ctx, msg, nego.TriggerRenegotiationAnswer, msg.Ans)

	case domain.KindError:
		c.relayError(msg)

	case domain.KindPong:

	default:
		logger.Warn().Msg("unexpected signaling message")
	}
}

func (c *Controller) incomingCall(ctx context.Context, msg domain.Message) error {
	if msg.From == "" {
		return core.DescriptionApplyError(string(msg.Type), errors.New("offer without sender"))
	}
	s := c.session
	if s != nil && s.Remote != msg.From && s.State() != nego.StateIdle {
		log.Warn().
			Str("module", "call").
			Str("from", string(msg.From)).
			Str("busy_with", string(s.Remote)).
			Msg("ignoring call while busy")
		return nil
	}
	if s == nil {
		var err error
		if s, err = c.openSession(ctx, msg.From); err != nil {
			return err
		}
	}
	s.Remote = msg.From
	c.peer = msg.From
	// Outside glare the callee continues the caller's call.
	if s.State() == nego.StateIdle && msg.Call != "" {
		s.CallID = msg.Call
	}

	err := c.execute(ctx, s, nego.Event{Trigger: nego.TriggerIncomingCall, Description: msg.Offer})
	if errors.Is(err, core.ErrMediaAcquisition) {
		c.resetSession(ctx)
		return err
	}
	if err != nil {
		return err
	}
	if s.State() == nego.StateOfferReceived {
		c.notify(Notification{Kind: NotifyIncomingCall, Peer: msg.From, Email: msg.Email})
	}
	return nil
}

// fromRemote runs a trigger that is only valid inside an existing session
// with the sender.
func (c *Controller) fromRemote(ctx context.Context, msg domain.Message, trigger nego.Trigger, d *domain.Description) {
	s := c.session
	if s == nil {
		log.Debug().Str("module", "call").Str("type", string(msg.Type)).Msg("no session, dropping message")
		return
	}
	if msg.From != s.Remote {
		log.Warn().
			Str("module", "call").
			Str("type", string(msg.Type)).
			Str("from", string(msg.From)).
			Str("remote", string(s.Remote)).
			Msg("message from foreign peer dropped")
		return
	}
	if err := c.execute(ctx, s, nego.Event{Trigger: trigger, Description: d}); err != nil {
		c.fail(string(msg.Type), err)
	}
}

func (c *Controller) peerLeft(ctx context.Context, id domain.SessionID) {
	if id == "" {
		return
	}
	if c.peer == id {
		c.peer = ""
	}
	if s := c.session; s != nil && s.Remote == id {
		c.resetSession(ctx)
	}
	log.Info().Str("module", "call").Str("peer", string(id)).Msg("peer left")
	c.notify(Notification{Kind: NotifyPeerLeft, Peer: id})
}

func (c *Controller) relayError(msg domain.Message) {
	cause := fmt.Errorf("relay: %s", msg.Error)
	if !msg.Ref.Forwarded() {
		c.fail(string(msg.Ref), cause)
		return
	}
	if s := c.session; s != nil && s.State() != nego.StateIdle {
		s.stalled = true
	}
	c.fail(string(msg.Ref), core.SignalingDeliveryError(string(msg.Ref), cause))
}
