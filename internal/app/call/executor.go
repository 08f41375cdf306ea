package call

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app/nego"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var errNoLocalDescription = errors.New("no local description to send")

// execute asks the coordinator for a plan and runs it step by step. A failed
// step aborts the plan and rolls back an offer the plan had applied.
func (c *Controller) execute(ctx context.Context, s *CallSession, ev nego.Event) error {
	if s.stalled && ev.Trigger != nego.TriggerClose {
		return core.SignalingDeliveryError(string(ev.Trigger), ErrPeerUnreachable)
	}
	ev.LocalMedia = s.Local != nil

	logger := log.With().
		Str("module", "call").
		Uint64("gen", s.Generation).
		Str("trigger", string(ev.Trigger)).
		Logger()

	coord := s.Coordinator
	p, err := coord.Decide(ev)
	if err != nil {
		c.cfg.Metrics.Failure(string(ev.Trigger))
		return err
	}
	if err := coord.Begin(p); err != nil {
		return err
	}
	switch {
	case p.Ignore:
		logger.Debug().Str("state", string(p.From)).Msg("ignoring stale negotiation event")
	case p.Queue:
		logger.Debug().Str("state", string(p.From)).Msg("renegotiation queued until stable")
	default:
		logger.Debug().Stringer("plan", p).Msg("executing plan")
	}

	remoteOffer := ev.Trigger == nego.TriggerIncomingCall || ev.Trigger == nego.TriggerRenegotiationOffer
	localOffer := p.Has(nego.OpCreateOffer)

	var (
		cur          *domain.Description
		pendingOffer bool
	)
	for _, step := range p.Steps {
		err := c.runStep(ctx, s, step, &cur)
		if err == nil {
			err = coord.Done(ctx, step)
		}
		if err != nil {
			logger.Warn().Err(err).Stringer("step", step).Msg("negotiation step failed")
			if pendingOffer {
				if rbErr := s.Endpoint.Rollback(ctx); rbErr != nil {
					logger.Error().Err(rbErr).Msg("rollback after failed step")
				}
			}
			before := coord.State()
			coord.Abort()
			if after := coord.State(); after != before {
				c.notify(Notification{Kind: NotifyState, State: after})
			}
			c.cfg.Metrics.Failure(string(ev.Trigger))
			return err
		}
		switch step.Op {
		case nego.OpApplyRemote:
			pendingOffer = remoteOffer
		case nego.OpApplyLocal:
			pendingOffer = localOffer
		case nego.OpRollback:
			pendingOffer = false
		}
	}

	again, err := coord.Commit(ctx)
	if err != nil {
		return err
	}
	if again {
		logger.Debug().Msg("replaying queued renegotiation")
		c.backlog = append(c.backlog, event{kind: evNegotiationNeeded, gen: s.Generation})
	}
	return nil
}

func (c *Controller) runStep(ctx context.Context, s *CallSession, step nego.Step, cur **domain.Description) error {
	ep := s.Endpoint
	switch step.Op {
	case nego.OpCaptureMedia:
		return c.capture(ctx, s)

	case nego.OpRollback:
		if err := ep.Rollback(ctx); err != nil {
			return core.DescriptionApplyError("rollback", err)
		}

	case nego.OpApplyRemote:
		if err := ep.SetRemoteDescription(ctx, *step.Description); err != nil {
			return core.DescriptionApplyError("set_remote_description", err)
		}

	case nego.OpCreateOffer:
		d, err := ep.CreateOffer(ctx)
		if err != nil {
			return core.DescriptionApplyError("create_offer", err)
		}
		*cur = &d

	case nego.OpCreateAnswer:
		d, err := ep.CreateAnswer(ctx)
		if err != nil {
			return core.DescriptionApplyError("create_answer", err)
		}
		*cur = &d

	case nego.OpApplyLocal:
		if *cur == nil {
			return core.DescriptionApplyError("set_local_description", errNoLocalDescription)
		}
		if err := ep.SetLocalDescription(ctx, **cur); err != nil {
			return core.DescriptionApplyError("set_local_description", err)
		}
		// The endpoint may have completed the description with candidates.
		if ld := ep.LocalDescription(); !ld.Empty() {
			*cur = ld
		}

	case nego.OpSend:
		if *cur == nil {
			return core.SignalingDeliveryError(string(step.Kind), errNoLocalDescription)
		}
		msg := domain.Message{Type: step.Kind, To: s.Remote, Call: s.CallID}
		switch step.Kind {
		case domain.KindUserCall, domain.KindNegoNeeded:
			msg.Offer = *cur
		default:
			msg.Ans = *cur
		}
		return c.send(ctx, msg)

	case nego.OpSendTracks:
		return c.sendLocalTracks(s)

	case nego.OpClose:
		return ep.Close()
	}
	return nil
}
