//go:build !linux

package intercept

import (
	"errors"
	"net"
)

func listenTProxy(addr string) (net.Listener, error) {
	return nil, errors.New("intercept: tproxy listeners are only supported on linux")
}
