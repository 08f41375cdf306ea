package nego

import (
	"fmt"
	"strings"

	"github.com/dkeye/peercall/internal/domain"
)

// Op is one primitive the session controller performs on behalf of a plan.
type Op int

const (
	OpCaptureMedia Op = iota
	OpRollback
	OpApplyRemote
	OpCreateOffer
	OpCreateAnswer
	OpApplyLocal
	OpSend
	OpSendTracks
	OpClose
)

var opNames = [...]string{
	OpCaptureMedia: "capture_media",
	OpRollback:     "rollback",
	OpApplyRemote:  "apply_remote",
	OpCreateOffer:  "create_offer",
	OpCreateAnswer: "create_answer",
	OpApplyLocal:   "apply_local",
	OpSend:         "send",
	OpSendTracks:   "send_tracks",
	OpClose:        "close",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Step is a single action of a Plan.
type Step struct {
	Op Op
	// Kind is the message kind to send for OpSend. The payload is the
	// description produced by the preceding create/apply steps.
	Kind domain.Kind
	// Description is the remote description for OpApplyRemote.
	Description *domain.Description
	// Checkpoint is the fsm event fired once the step succeeded.
	Checkpoint string
}

func (s Step) String() string {
	if s.Op == OpSend {
		return "send(" + string(s.Kind) + ")"
	}
	return s.Op.String()
}

// Plan is the decision for one trigger: the steps to run and the state the
// coordinator ends in once all of them succeed.
type Plan struct {
	Trigger Trigger
	From    State
	To      State
	Steps   []Step
	// Event is the fsm event fired on commit. Empty when the plan ends in a
	// state reached by a checkpoint or does not move at all.
	Event string
	// DiscardsOffer is set when the plan rolls back our own pending offer.
	DiscardsOffer bool
	// Rolled is the state the endpoint is back in once OpRollback has run.
	// A plan that fails after that point aborts to it instead of From.
	Rolled State
	// Queue defers a renegotiation until the coordinator is stable again.
	Queue bool
	// Ignore marks a stale answer to an offer that was discarded earlier.
	Ignore bool
}

// Noop reports whether the plan has nothing to execute.
func (p Plan) Noop() bool { return len(p.Steps) == 0 }

// Has reports whether the plan contains op.
func (p Plan) Has(op Op) bool {
	for _, s := range p.Steps {
		if s.Op == op {
			return true
		}
	}
	return false
}

func (p Plan) String() string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.String()
	}
	return fmt.Sprintf("%s: %s -> %s [%s]", p.Trigger, p.From, p.To, strings.Join(names, ", "))
}
