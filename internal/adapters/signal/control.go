package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/domain"
)

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.send(conn, domain.Message{Type: domain.KindPong})
}

// handleJoin applies the per-client join limit before the relay sees the
// request.
func (ctl *SignalWSController) handleJoin(sid domain.SessionID, token string, conn *WsSignalConn, msg domain.Message) {
	if token != "" && !ctl.limiter.Allow(token) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("join rate limited")
		ctl.Orch.Metrics.JoinRejected("rate_limited")
		ctl.send(conn, domain.Message{
			Type:  domain.KindError,
			Ref:   domain.KindRoomJoin,
			Room:  msg.Room,
			Error: "too many join attempts",
		})
		return
	}
	ctl.Orch.Handle(sid, msg)
}
