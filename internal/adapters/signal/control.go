package signal

import "github.com/dkeye/Chatline/internal/domain"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendEvent(conn, domain.EventPong, nil)
}
