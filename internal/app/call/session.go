package call

import (
	"github.com/google/uuid"

	"github.com/dkeye/peercall/internal/app/nego"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// CallSession is everything a client holds for one call with one peer.
// It is owned by the controller loop and never shared.
type CallSession struct {
	Generation uint64
	// CallID is sent on every outbound message of the session.
	CallID       string
	Remote       domain.SessionID
	Local        core.MediaStream
	RemoteStream core.MediaStream
	TracksSent   bool
	Endpoint     core.MediaEndpoint
	Coordinator  *nego.Coordinator

	// stalled is set when the relay could not deliver one of our messages.
	stalled bool
}

func newCallSession(gen uint64, remote domain.SessionID, ep core.MediaEndpoint, coord *nego.Coordinator) *CallSession {
	return &CallSession{
		Generation:  gen,
		CallID:      uuid.NewString(),
		Remote:      remote,
		Endpoint:    ep,
		Coordinator: coord,
	}
}

func (s *CallSession) State() nego.State {
	if s == nil {
		return nego.StateIdle
	}
	return s.Coordinator.State()
}

type NotificationKind string

const (
	NotifySession      NotificationKind = "session"
	NotifyJoined       NotificationKind = "joined"
	NotifyPeerJoined   NotificationKind = "peer_joined"
	NotifyPeerLeft     NotificationKind = "peer_left"
	NotifyIncomingCall NotificationKind = "incoming_call"
	NotifyConnected    NotificationKind = "connected"
	NotifyState        NotificationKind = "state"
	NotifyError        NotificationKind = "error"
)

// Notification is what the UI layer observes.
type Notification struct {
	Kind  NotificationKind
	Peer  domain.SessionID
	Email string
	Room  domain.RoomName
	State nego.State
	// Stream is set on NotifyConnected.
	Stream core.MediaStream
	Err    error
}

// Snapshot is a read-only view of the controller, taken inside the loop.
type Snapshot struct {
	Self       domain.SessionID
	Room       domain.RoomName
	Peer       domain.SessionID
	State      nego.State
	Generation uint64
	CallID     string
	HasSession bool
	HasLocal   bool
	HasRemote  bool
	TracksSent bool
	Degraded   bool
	Queued     bool
}
