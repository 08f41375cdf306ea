package domain

// Kind tags a signaling message.
type Kind string

const (
	KindRoomJoin     Kind = "room:join"
	KindUserJoined   Kind = "user:joined"
	KindUserLeft     Kind = "user:left"
	KindUserCall     Kind = "user:call"
	KindIncomingCall Kind = "incoming:call"
	KindCallAccepted Kind = "call:accepted"
	KindNegoNeeded   Kind = "peer:nego:needed"
	KindNegoDone     Kind = "peer:nego:done"
	KindNegoFinal    Kind = "peer:nego:final"
	KindLeave        Kind = "leave"
	KindSession      Kind = "session"
	KindError        Kind = "error"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
)

// Forwarded reports whether the relay routes this kind to a single peer.
func (k Kind) Forwarded() bool {
	switch k {
	case KindUserCall, KindCallAccepted, KindNegoNeeded, KindNegoDone:
		return true
	}
	return false
}

// Delivered maps an outbound kind to the kind the recipient observes.
func (k Kind) Delivered() Kind {
	switch k {
	case KindUserCall:
		return KindIncomingCall
	case KindNegoDone:
		return KindNegoFinal
	}
	return k
}

// DescriptionType mirrors the RTCSdpType strings.
type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
)

// Description is an opaque session description. Nothing outside the media
// endpoint looks at SDP.
type Description struct {
	Type DescriptionType `json:"type"`
	SDP  string          `json:"sdp"`
}

func (d *Description) Empty() bool { return d == nil || d.SDP == "" }

// Message is the flat wire envelope shared by relay and clients.
type Message struct {
	Type  Kind         `json:"type"`
	ID    SessionID    `json:"id,omitempty"`
	From  SessionID    `json:"from,omitempty"`
	To    SessionID    `json:"to,omitempty"`
	Room  RoomName     `json:"room,omitempty"`
	Email string       `json:"email,omitempty"`
	Offer *Description `json:"offer,omitempty"`
	Ans   *Description `json:"ans,omitempty"`
	// Call correlates every message of one call attempt.
	Call  string `json:"call,omitempty"`
	Ref   Kind   `json:"ref,omitempty"`
	Error string `json:"error,omitempty"`
}

// Description returns the payload description carried by the message kind.
func (m Message) Description() *Description {
	switch m.Type {
	case KindUserCall, KindIncomingCall, KindNegoNeeded:
		return m.Offer
	case KindCallAccepted, KindNegoDone, KindNegoFinal:
		return m.Ans
	}
	return nil
}
