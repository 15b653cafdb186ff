package intercept

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/elazarl/intercept/http1"
	"github.com/elazarl/intercept/sniff"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handleConnect decides what to do with a CONNECT request and runs the
// tunnel. The connection ends with the tunnel.
func (cs *connState) handleConnect(req *http1.Message) {
	e := cs.e
	ctx := &ProxyCtx{
		Session:    cs.id,
		Host:       req.Target,
		RemoteAddr: cs.remote,
		Request:    req,
		conn:       cs.ctx,
		engine:     e,
	}

	todo, host := e.connectAction(req.Target, ctx)
	dest, err := hostDestination("https", host, 443)
	if err != nil {
		ctx.Warnf("Bad CONNECT target %q: %v", host, err)
		cs.writeError(ctx, err)
		return
	}
	ctx.Host = dest.Addr()
	e.opts.Metrics.ConnectionsTotal.WithLabelValues(todo.Action.String()).Inc()

	client := sniff.WrapConn(cs.raw, cs.r.Buffered())
	switch todo.Action {
	case ConnectReject:
		resp := todo.Response
		if resp == nil {
			resp = rejectResponse()
		}
		ctx.Logf("Rejecting CONNECT to %s", dest.Addr())
		if err := http1.Write(cs.conn, resp); err != nil {
			ctx.Warnf("Cannot write response that reject http CONNECT: %v", err)
		}

	case ConnectAccept:
		cs.passThrough(ctx, dest, client, true)

	case ConnectHTTPMitm:
		if _, err := io.WriteString(cs.conn, connectEstablished); err != nil {
			return
		}
		ctx.Logf("Assuming CONNECT is plain HTTP tunneling, mitm proxying it")
		dest.Scheme = "http"
		cs.serve(&dest)

	default:
		cs.mitm(ctx, dest, client, true)
	}
}

// passThrough relays the tunnel to dest without looking at it.
func (cs *connState) passThrough(ctx *ProxyCtx, dest Destination, client net.Conn, announce bool) {
	upstream, err := cs.e.connector.dialer.tunnel(cs.ctx, dest.Addr())
	if err != nil {
		ctx.Warnf("Cannot open tunnel to %s: %v", dest.Addr(), err)
		if announce {
			cs.writeError(ctx, &UpstreamError{Addr: dest.Addr(), Err: err})
		}
		return
	}
	if announce {
		if _, err := io.WriteString(client, connectEstablished); err != nil {
			upstream.Close()
			return
		}
	}
	ctx.Logf("Accepting CONNECT to %s", dest.Addr())
	pipeInOut(client, upstream, strconv.FormatInt(cs.id, 10), cs.e.opts.Logger, cs.id, cs.e.opts.Metrics)
}

// mitm terminates the client's TLS with a leaf certificate for dest and
// serves the exchanges inside the tunnel. The upstream leg is opened first
// so that a failure can still be reported in plaintext. With announce set
// the client is told the tunnel is up once the upstream leg is ready.
func (cs *connState) mitm(ctx *ProxyCtx, dest Destination, client *sniff.Conn, announce bool) {
	e := cs.e
	leaf, err := e.certs.IssueLeaf(dest.Host)
	if err != nil {
		ctx.Warnf("Cannot sign host certificate with provided CA: %s", err)
		if announce {
			cs.writeError(ctx, err)
		}
		return
	}

	upstream, upProto, err := cs.dialTunnel(dest)
	if err != nil {
		ctx.Warnf("Cannot reach upstream %s: %v", dest.Addr(), err)
		if announce {
			cs.writeError(ctx, err)
		}
		return
	}

	if announce {
		if _, err := io.WriteString(client, connectEstablished); err != nil {
			upstream.Close()
			return
		}
	}

	isTLS, err := sniff.IsTLS(client, e.opts.HandshakeTimeout)
	if err != nil {
		ctx.Debugf("client sent nothing into the tunnel: %v", err)
		upstream.Close()
		return
	}

	if upProto == "" {
		dest.Scheme = "http"
	} else {
		dest.Scheme = "https"
	}
	if !isTLS {
		ctx.Logf("Assuming tunnel to %s is plain HTTP", dest.Addr())
		cs.setClient(client)
		e.connector.adopt(upstream, dest)
		cs.serve(&dest)
		return
	}

	h2 := upProto == protoH2
	cfg := serverTLSConfig(func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		if hello.ServerName == "" || strings.EqualFold(hello.ServerName, dest.Host) {
			return leaf, nil
		}
		return e.certs.IssueLeaf(hello.ServerName)
	}, h2)
	tc := tls.Server(client, cfg)
	hctx, cancel := context.WithTimeout(cs.ctx, e.opts.HandshakeTimeout)
	err = tc.HandshakeContext(hctx)
	cancel()
	if err != nil {
		ctx.Warnf("Cannot handshake client %v %v", dest.Host, err)
		upstream.Close()
		return
	}
	cs.setClient(tc)

	if tc.ConnectionState().NegotiatedProtocol == protoH2 {
		e.opts.Metrics.ConnectionsTotal.WithLabelValues(protoH2).Inc()
		ctx.Logf("Relaying h2 session to %s", dest.Addr())
		if err := relayH2(cs.r.Buffered(), tc, upstream); err != nil {
			ctx.Warnf("h2 relay to %s: %v", dest.Addr(), err)
		}
		upstream.Close()
		return
	}
	if h2 {
		// the client wants http/1.1 on a connection the server set up for h2
		upstream.Close()
	} else {
		e.connector.adopt(upstream, dest)
	}
	cs.serve(&dest)
}

// dialTunnel opens the upstream leg of an intercepted tunnel. TLS is used
// unless the port is 80; the negotiated protocol is returned, empty for
// plaintext.
func (cs *connState) dialTunnel(dest Destination) (net.Conn, string, error) {
	e := cs.e
	conn, err := e.connector.dialer.tunnel(cs.ctx, dest.Addr())
	if err != nil {
		return nil, "", &UpstreamError{Addr: dest.Addr(), Err: err}
	}
	if dest.Port == 80 {
		return conn, "", nil
	}
	protos := []string{protoHTTP1}
	if e.opts.AllowHTTP2 {
		protos = []string{protoH2, protoHTTP1}
	}
	tc, err := e.connector.handshake(cs.ctx, conn, dest.Host, protos)
	if err != nil {
		return nil, "", &UpstreamError{Addr: dest.Addr(), Err: err}
	}
	proto := tc.ConnectionState().NegotiatedProtocol
	if proto == "" {
		proto = protoHTTP1
	}
	return tc, proto, nil
}
