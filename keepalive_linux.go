//go:build linux

package intercept

import (
	"github.com/function61/gokit/log/logex"
	"golang.org/x/sys/unix"
)

func setKeepaliveProbes(fd int, ka KeepAlive, logger *logex.Leveled) {
	if ka.Count > 0 {
		//Number of probes.
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, ka.Count); err != nil {
			logger.Error.Printf("on setting keepalive probe count: %s", err.Error())
		}
	}
	if secs := int(ka.Interval.Seconds()); secs > 0 {
		//Wait time after an unsuccessful probe.
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs); err != nil {
			logger.Error.Printf("on setting keepalive retry interval: %s", err.Error())
		}
	}
}
