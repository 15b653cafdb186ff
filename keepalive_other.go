//go:build !linux

package intercept

import "github.com/function61/gokit/log/logex"

func setKeepaliveProbes(fd int, ka KeepAlive, logger *logex.Leveled) {
	logger.Debug.Printf("keepalive probe count and interval are not supported on this platform")
}
