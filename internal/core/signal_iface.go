package core

import (
	"context"
	"errors"

	"github.com/dkeye/peercall/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalSender is the client side of the signaling channel. Send must not
// retry; a dropped message is reported as ErrSignalingDelivery.
type SignalSender interface {
	Send(ctx context.Context, msg domain.Message) error
}
