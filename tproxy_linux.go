//go:build linux

package intercept

import (
	"net"

	tproxy "github.com/LiamHaworth/go-tproxy"
)

// listenTProxy binds addr with IP_TRANSPARENT so that connections routed by
// the TPROXY target keep their original destination as local address.
func listenTProxy(addr string) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return tproxy.ListenTCP("tcp", tcpAddr)
}
