// Package nego decides what a client does for every signaling event of one
// call session. It never touches the transport: Decide returns a Plan and the
// caller reports progress back through Begin, Done, Commit and Abort.
//
// Glare policy: an incoming offer is always answered. If we have our own
// offer outstanding it is rolled back and remembered as discarded, and the
// late answer to it is ignored. The transport re-fires negotiation-needed
// afterwards if it still has unsent changes.
package nego

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

type State string

const (
	StateIdle                 State = "idle"
	StateOfferSent            State = "offer_sent"
	StateOfferReceived        State = "offer_received"
	StateStable               State = "stable"
	StateRenegotiationPending State = "renegotiation_pending"
	StateClosed               State = "closed"
)

type Trigger string

const (
	TriggerCall                Trigger = "call"
	TriggerIncomingCall        Trigger = "incoming_call"
	TriggerAccept              Trigger = "accept"
	TriggerCallAccepted        Trigger = "call_accepted"
	TriggerNegotiationNeeded   Trigger = "negotiation_needed"
	TriggerRenegotiationOffer  Trigger = "renegotiation_offer"
	TriggerRenegotiationAnswer Trigger = "renegotiation_answer"
	TriggerClose               Trigger = "close"
)

// fsm event names
const (
	evCall                = "call"
	evReceiveOffer        = "receive_offer"
	evAccept              = "accept"
	evAnswered            = "answered"
	evRenegotiate         = "renegotiate"
	evAnswerRenegotiation = "answer_renegotiation"
	evRenegotiated        = "renegotiated"
	evClose               = "close"
)

var (
	ErrPlanInFlight         = errors.New("negotiation already in flight")
	ErrNoPlanInFlight       = errors.New("no negotiation in flight")
	ErrRejected             = errors.New("transition not allowed in current state")
	ErrEmptyDescription     = errors.New("missing session description")
	ErrDuplicateDescription = errors.New("remote description already applied")
)

// Event is one input to the state machine.
type Event struct {
	Trigger     Trigger
	Description *domain.Description
	// LocalMedia reports whether local capture already succeeded.
	LocalMedia bool
}

// TransitionFunc observes committed state changes.
type TransitionFunc func(from, to State, trigger Trigger)

type Option func(*Coordinator)

// WithAutoAccept controls whether an incoming call is answered at once or
// parked in offer_received until TriggerAccept.
func WithAutoAccept(on bool) Option {
	return func(c *Coordinator) { c.autoAccept = on }
}

func WithTransitionFunc(fn TransitionFunc) Option {
	return func(c *Coordinator) { c.onTransition = fn }
}

type Coordinator struct {
	machine      *fsm.FSM
	autoAccept   bool
	onTransition TransitionFunc

	inFlight *Plan
	// snapshot restored by Abort
	savedRemote string
	rolledBack  bool

	queued     bool
	discarded  bool
	lastRemote string
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{autoAccept: true}
	for _, opt := range opts {
		opt(c)
	}
	open := []string{
		string(StateIdle), string(StateOfferSent), string(StateOfferReceived),
		string(StateStable), string(StateRenegotiationPending),
	}
	c.machine = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evCall, Src: []string{string(StateIdle)}, Dst: string(StateOfferSent)},
			{Name: evReceiveOffer, Src: []string{string(StateIdle), string(StateOfferSent), string(StateOfferReceived)}, Dst: string(StateOfferReceived)},
			{Name: evAccept, Src: []string{string(StateOfferReceived)}, Dst: string(StateStable)},
			{Name: evAnswered, Src: []string{string(StateOfferSent)}, Dst: string(StateStable)},
			{Name: evRenegotiate, Src: []string{string(StateStable)}, Dst: string(StateRenegotiationPending)},
			{Name: evAnswerRenegotiation, Src: []string{string(StateOfferSent), string(StateOfferReceived), string(StateStable), string(StateRenegotiationPending)}, Dst: string(StateStable)},
			{Name: evRenegotiated, Src: []string{string(StateRenegotiationPending)}, Dst: string(StateStable)},
			{Name: evClose, Src: open, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if c.onTransition != nil {
					c.onTransition(State(e.Src), State(e.Dst), c.currentTrigger())
				}
			},
		},
	)
	return c
}

func (c *Coordinator) State() State { return State(c.machine.Current()) }

// InFlight reports whether a plan has begun and not finished.
func (c *Coordinator) InFlight() bool { return c.inFlight != nil }

// Queued reports whether a renegotiation is waiting for stable.
func (c *Coordinator) Queued() bool { return c.queued }

func (c *Coordinator) currentTrigger() Trigger {
	if c.inFlight != nil {
		return c.inFlight.Trigger
	}
	return ""
}

// Decide maps ev to a plan without changing any state.
func (c *Coordinator) Decide(ev Event) (Plan, error) {
	if c.inFlight != nil {
		return Plan{}, fmt.Errorf("%s: %w (%s)", ev.Trigger, ErrPlanInFlight, c.inFlight.Trigger)
	}
	st := c.State()
	p := Plan{Trigger: ev.Trigger, From: st, To: st}

	switch ev.Trigger {
	case TriggerCall:
		if !c.machine.Can(evCall) {
			return Plan{}, c.reject(ev, st)
		}
		p.Steps = c.withCapture(ev, Step{Op: OpCreateOffer}, Step{Op: OpApplyLocal}, Step{Op: OpSend, Kind: domain.KindUserCall})
		p.Event, p.To = evCall, StateOfferSent

	case TriggerIncomingCall:
		if err := c.checkRemote(ev); err != nil {
			return Plan{}, err
		}
		if !c.machine.Can(evReceiveOffer) {
			return Plan{}, c.reject(ev, st)
		}
		if st == StateOfferSent || st == StateOfferReceived {
			p.Steps = append(p.Steps, Step{Op: OpRollback})
			p.DiscardsOffer = st == StateOfferSent
			p.Rolled = StateIdle
		}
		if !c.autoAccept {
			p.Steps = append(p.Steps, Step{Op: OpApplyRemote, Description: ev.Description, Checkpoint: evReceiveOffer})
			p.To = StateOfferReceived
			break
		}
		p.Steps = append(p.Steps, c.withCapture(ev,
			Step{Op: OpApplyRemote, Description: ev.Description, Checkpoint: evReceiveOffer},
			Step{Op: OpCreateAnswer},
			Step{Op: OpApplyLocal},
			Step{Op: OpSend, Kind: domain.KindCallAccepted},
			Step{Op: OpSendTracks},
		)...)
		p.Event, p.To = evAccept, StateStable

	case TriggerAccept:
		if !c.machine.Can(evAccept) {
			return Plan{}, c.reject(ev, st)
		}
		p.Steps = c.withCapture(ev,
			Step{Op: OpCreateAnswer},
			Step{Op: OpApplyLocal},
			Step{Op: OpSend, Kind: domain.KindCallAccepted},
			Step{Op: OpSendTracks},
		)
		p.Event, p.To = evAccept, StateStable

	case TriggerCallAccepted:
		if st != StateOfferSent && c.discarded {
			p.Ignore = true
			break
		}
		if err := c.checkRemote(ev); err != nil {
			return Plan{}, err
		}
		if !c.machine.Can(evAnswered) {
			return Plan{}, c.reject(ev, st)
		}
		p.Steps = []Step{{Op: OpApplyRemote, Description: ev.Description}, {Op: OpSendTracks}}
		p.Event, p.To = evAnswered, StateStable

	case TriggerNegotiationNeeded:
		switch st {
		case StateStable:
			p.Steps = []Step{{Op: OpCreateOffer}, {Op: OpApplyLocal}, {Op: OpSend, Kind: domain.KindNegoNeeded}}
			p.Event, p.To = evRenegotiate, StateRenegotiationPending
		case StateOfferSent, StateOfferReceived, StateRenegotiationPending:
			p.Queue = true
		default:
			// Nothing negotiated yet or already closed.
			p.Ignore = true
		}

	case TriggerRenegotiationOffer:
		if err := c.checkRemote(ev); err != nil {
			return Plan{}, err
		}
		// Nothing to renegotiate before a call and nothing after close.
		if !c.machine.Can(evAnswerRenegotiation) {
			return Plan{}, c.reject(ev, st)
		}
		switch st {
		case StateRenegotiationPending:
			p.Steps = append(p.Steps, Step{Op: OpRollback})
			p.DiscardsOffer, p.Rolled = true, StateStable
		case StateOfferSent, StateOfferReceived:
			p.Steps = append(p.Steps, Step{Op: OpRollback})
			p.DiscardsOffer, p.Rolled = st == StateOfferSent, StateIdle
		}
		answer := []Step{
			{Op: OpApplyRemote, Description: ev.Description},
			{Op: OpCreateAnswer},
			{Op: OpApplyLocal},
			{Op: OpSend, Kind: domain.KindNegoDone},
		}
		if st == StateOfferSent || st == StateOfferReceived {
			// The answer is the first one of the call.
			answer = c.withCapture(ev, append(answer, Step{Op: OpSendTracks})...)
		}
		p.Steps = append(p.Steps, answer...)
		p.Event, p.To = evAnswerRenegotiation, StateStable

	case TriggerRenegotiationAnswer:
		if st != StateRenegotiationPending && c.discarded {
			p.Ignore = true
			break
		}
		if err := c.checkRemote(ev); err != nil {
			return Plan{}, err
		}
		if !c.machine.Can(evRenegotiated) {
			return Plan{}, c.reject(ev, st)
		}
		p.Steps = []Step{{Op: OpApplyRemote, Description: ev.Description}}
		p.Event, p.To = evRenegotiated, StateStable

	case TriggerClose:
		if st == StateClosed {
			p.Ignore = true
			break
		}
		p.Steps = []Step{{Op: OpClose}}
		p.Event, p.To = evClose, StateClosed

	default:
		return Plan{}, fmt.Errorf("unknown trigger %q", ev.Trigger)
	}
	return p, nil
}

func (c *Coordinator) withCapture(ev Event, steps ...Step) []Step {
	if ev.LocalMedia {
		return steps
	}
	return append([]Step{{Op: OpCaptureMedia}}, steps...)
}

func (c *Coordinator) checkRemote(ev Event) error {
	op := string(ev.Trigger)
	if ev.Description.Empty() {
		return core.DescriptionApplyError(op, ErrEmptyDescription)
	}
	if c.lastRemote != "" && ev.Description.SDP == c.lastRemote {
		return core.DescriptionApplyError(op, ErrDuplicateDescription)
	}
	return nil
}

func (c *Coordinator) reject(ev Event, st State) error {
	err := fmt.Errorf("%w: %s in %s", ErrRejected, ev.Trigger, st)
	if ev.Description != nil {
		return core.DescriptionApplyError(string(ev.Trigger), err)
	}
	return err
}

// Begin marks p as in flight. Only one plan runs at a time.
func (c *Coordinator) Begin(p Plan) error {
	if c.inFlight != nil {
		return ErrPlanInFlight
	}
	if c.State() != p.From {
		return fmt.Errorf("%w: plan from %s, now %s", ErrRejected, p.From, c.State())
	}
	c.inFlight = &p
	c.savedRemote = c.lastRemote
	c.rolledBack = false
	return nil
}

// Done records a successful step and fires its checkpoint.
func (c *Coordinator) Done(ctx context.Context, s Step) error {
	if c.inFlight == nil {
		return ErrNoPlanInFlight
	}
	switch s.Op {
	case OpApplyRemote:
		c.lastRemote = s.Description.SDP
	case OpApplyLocal:
		c.lastRemote = ""
	case OpRollback:
		c.lastRemote = ""
		c.rolledBack = true
	}
	if s.Checkpoint != "" {
		return c.fire(ctx, s.Checkpoint)
	}
	return nil
}

// Commit finishes the in-flight plan. It returns true when a renegotiation
// was queued and the coordinator is now stable, so the caller should
// trigger negotiation again.
func (c *Coordinator) Commit(ctx context.Context) (bool, error) {
	p := c.inFlight
	if p == nil {
		return false, ErrNoPlanInFlight
	}
	if p.Event != "" {
		if err := c.fire(ctx, p.Event); err != nil {
			c.Abort()
			return false, err
		}
	}
	c.inFlight = nil

	switch {
	case p.Ignore:
		c.discarded = false
	case p.Queue:
		c.queued = true
	case p.DiscardsOffer:
		c.discarded = true
	case p.Trigger == TriggerCall || p.Trigger == TriggerNegotiationNeeded:
		c.discarded = false
	}
	if p.Trigger == TriggerNegotiationNeeded && !p.Queue {
		c.queued = false
	}
	if p.To == StateClosed {
		c.queued = false
		return false, nil
	}
	if c.queued && c.State() == StateStable {
		c.queued = false
		return true, nil
	}
	return false, nil
}

// Abort drops the in-flight plan and restores the state it started from.
// If the plan already rolled back a pending description, that description
// is gone from the endpoint too, so the coordinator settles in the state
// after the rollback instead.
func (c *Coordinator) Abort() {
	p := c.inFlight
	if p == nil {
		return
	}
	c.inFlight = nil
	target := p.From
	if c.rolledBack {
		target = p.Rolled
		c.lastRemote = ""
		if p.DiscardsOffer {
			c.discarded = true
		}
	} else {
		c.lastRemote = c.savedRemote
	}
	c.rolledBack = false
	if c.State() != target {
		log.Debug().Str("module", "nego").Str("from", string(c.State())).Str("to", string(target)).Msg("restoring state after failed plan")
		c.machine.SetState(string(target))
	}
}

func (c *Coordinator) fire(ctx context.Context, event string) error {
	err := c.machine.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return fmt.Errorf("fsm %s: %w", event, err)
	}
	return nil
}
