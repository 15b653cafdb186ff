package intercept

import (
	"net"

	"github.com/function61/gokit/log/logex"
)

// tuneKeepAlive enables TCP keep-alive on an upstream socket. The probe
// count and interval are only set where the platform supports it.
func tuneKeepAlive(conn net.Conn, ka KeepAlive, logger *logex.Leveled) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok || ka.Period <= 0 {
		return
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		logger.Error.Printf("on enabling keepalive: %s", err.Error())
		return
	}
	if err := tcpConn.SetKeepAlivePeriod(ka.Period); err != nil {
		logger.Error.Printf("on setting keepalive period: %s", err.Error())
	}
	if ka.Count <= 0 && ka.Interval <= 0 {
		return
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		logger.Error.Printf("on getting raw socket: %s", err.Error())
		return
	}
	rawConn.Control(func(fdPtr uintptr) {
		// got socket file descriptor. Setting parameters.
		setKeepaliveProbes(int(fdPtr), ka, logger)
	})
}
