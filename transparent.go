package intercept

import (
	"net"
	"strings"

	"github.com/elazarl/intercept/sniff"
)

// serveTransparent handles a connection redirected to the engine. TLS
// clients are routed by the server name of their hello, plaintext ones by
// their Host header. With tproxy set the socket's local address is the
// original destination, which gives the port.
func (cs *connState) serveTransparent(tproxy bool) {
	e := cs.e
	cs.transparent = true
	client := sniff.WrapConn(cs.raw, cs.r.Buffered())

	isTLS, err := sniff.IsTLS(client, e.opts.HandshakeTimeout)
	if err != nil {
		cs.Debugf("Cannot sniff connection from %s: %v", cs.remote, err)
		return
	}

	port := 0
	if tproxy {
		if tcp, ok := cs.raw.LocalAddr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
	}
	if !isTLS {
		cs.defaultPort = port
		cs.serve(nil)
		return
	}

	hello, host, err := sniff.ServerName(client)
	if err != nil {
		cs.Warnf("Cannot route TLS connection from %s: %v", cs.remote, err)
		return
	}
	if port == 0 {
		port = 443
	}
	dest := Destination{Scheme: "https", Host: strings.ToLower(host), Port: port}
	ctx := &ProxyCtx{
		Session:    cs.id,
		Host:       dest.Addr(),
		RemoteAddr: cs.remote,
		conn:       cs.ctx,
		engine:     e,
	}

	todo, _ := e.connectAction(dest.Addr(), ctx)
	client = sniff.NewConn(hello)
	switch todo.Action {
	case ConnectReject:
		ctx.Logf("Rejecting transparent connection to %s", dest.Addr())
	case ConnectAccept:
		cs.passThrough(ctx, dest, client, false)
	default:
		cs.mitm(ctx, dest, client, false)
	}
}
