package intercept

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/intercept/http1"
	"github.com/elazarl/intercept/sniff"
)

// connState is everything one client connection owns.
type connState struct {
	e      *Engine
	id     int64
	raw    net.Conn
	conn   net.Conn // the client leg; a *tls.Conn once intercepted
	r      *http1.Reader
	remote string

	// transparent connections take the destination from the Host header
	// when the request is in origin-form, defaulting to defaultPort.
	transparent bool
	defaultPort int

	ctx    context.Context
	cancel context.CancelFunc

	idle      atomic.Bool
	closeOnce sync.Once
}

func (e *Engine) newConnState(c net.Conn) *connState {
	ctx, cancel := context.WithCancel(e.baseCtx)
	cs := &connState{
		e:      e,
		id:     e.sess.Add(1),
		raw:    c,
		remote: c.RemoteAddr().String(),
		ctx:    ctx,
		cancel: cancel,
	}
	cs.setClient(sniff.NewConn(c))
	return cs
}

// setClient switches the client leg, e.g. after a TLS handshake.
func (cs *connState) setClient(c net.Conn) {
	cs.conn = c
	var src io.Reader = c
	if sc, ok := c.(*sniff.Conn); ok {
		src = sc.Reader()
	}
	cs.r = http1.NewReader(src)
	cs.r.MaxHeaderBytes = cs.e.opts.MaxHeaderBytes
	cs.r.MaxBodyBytes = cs.e.opts.MaxBodyBytes
	cs.r.BeforeBody = func(req *http1.Message) error {
		_, err := io.WriteString(cs.conn, "HTTP/1.1 100 Continue\r\n\r\n")
		return err
	}
}

func (cs *connState) close() {
	cs.closeOnce.Do(func() {
		cs.cancel()
		cs.conn.Close()
		cs.raw.Close()
	})
}

func (cs *connState) Logf(msg string, argv ...any) {
	cs.e.opts.Logger.Infof(cs.id, msg, argv...)
}

func (cs *connState) Debugf(msg string, argv ...any) {
	cs.e.opts.Logger.Debugf(cs.id, msg, argv...)
}

func (cs *connState) Warnf(msg string, argv ...any) {
	cs.e.opts.Logger.Warnf(cs.id, msg, argv...)
}

// serve reads requests until the connection ends. tunnel is the fixed
// destination of requests read inside a tunnel, nil otherwise.
func (cs *connState) serve(tunnel *Destination) {
	for first := true; ; first = false {
		if !first && cs.e.closing() {
			return
		}
		cs.idle.Store(!first)
		if t := cs.e.opts.ClientIdleTimeout; t > 0 {
			cs.conn.SetReadDeadline(time.Now().Add(t))
		}
		req, err := cs.r.ReadRequest()
		cs.idle.Store(false)
		cs.conn.SetReadDeadline(time.Time{})
		if err != nil {
			switch {
			case err == io.EOF, errors.Is(err, net.ErrClosed), isTimeout(err):
				cs.Debugf("client connection done: %v", err)
			case http1.IsFramingError(err):
				cs.Warnf("Cannot read request from client %s: %v", cs.remote, err)
				cs.writeError(&ProxyCtx{Session: cs.id, RemoteAddr: cs.remote, engine: cs.e}, err)
			default:
				cs.Debugf("Cannot read request from client %s: %v", cs.remote, err)
			}
			return
		}

		if req.Method == "CONNECT" {
			if tunnel != nil || cs.transparent {
				cs.writeError(&ProxyCtx{Session: cs.id, Request: req, engine: cs.e},
					&http1.FramingError{Reason: "CONNECT inside a tunnel"})
				return
			}
			cs.handleConnect(req)
			return
		}
		if !cs.handleExchange(req, tunnel) {
			return
		}
	}
}

// destination works out where req goes.
func (cs *connState) destination(req *http1.Message, tunnel *Destination) (Destination, error) {
	if tunnel != nil {
		return *tunnel, nil
	}
	if strings.Contains(req.Target, "://") {
		u, err := url.Parse(req.Target)
		if err != nil {
			return Destination{}, &http1.FramingError{Reason: "invalid request target", Err: err}
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return Destination{}, &http1.FramingError{Reason: "unsupported scheme " + u.Scheme}
		}
		return hostDestination(u.Scheme, u.Host, defaultPortFor(u.Scheme))
	}

	host := req.Header.Get("Host")
	if host == "" {
		return Destination{}, &http1.FramingError{Reason: "request has no host"}
	}
	port := 80
	if cs.defaultPort != 0 {
		port = cs.defaultPort
	}
	dest, err := hostDestination("http", host, port)
	if err != nil {
		return dest, err
	}
	if !cs.transparent && sameAddr(dest, cs.raw.LocalAddr()) {
		return dest, &http1.FramingError{Reason: "This is a proxy server. Does not respond to non-proxy requests."}
	}
	return dest, nil
}

func defaultPortFor(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

func hostDestination(scheme, hostport string, defPort int) (Destination, error) {
	hostport = withPort(hostport, strconv.Itoa(defPort))
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Destination{}, &http1.FramingError{Reason: "invalid host", Err: err}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 || host == "" {
		return Destination{}, &http1.FramingError{Reason: "invalid host " + hostport}
	}
	return Destination{Scheme: scheme, Host: strings.ToLower(host), Port: port}, nil
}

func sameAddr(dest Destination, local net.Addr) bool {
	tcp, ok := local.(*net.TCPAddr)
	if !ok || tcp.Port != dest.Port {
		return false
	}
	if ip := net.ParseIP(dest.Host); ip != nil {
		return ip.Equal(tcp.IP) || ip.IsLoopback() && tcp.IP.IsLoopback()
	}
	return dest.Host == "localhost" && tcp.IP.IsLoopback()
}

// handleExchange drives one request through the pipeline, upstream and
// back. It reports whether the connection may carry another exchange.
func (cs *connState) handleExchange(req *http1.Message, tunnel *Destination) bool {
	e := cs.e
	ex := &Exchange{
		ID:         e.exchangeID.Add(1),
		ConnID:     cs.id,
		RemoteAddr: cs.remote,
		Tunneled:   tunnel != nil,
		Request:    req,
		StartedAt:  req.ReceivedAt,
	}
	req.ID = ex.ID
	ctx := &ProxyCtx{Session: cs.id, Exchange: ex, RemoteAddr: cs.remote, conn: cs.ctx, engine: e}

	dest, err := cs.destination(req, tunnel)
	if err != nil {
		cs.Warnf("Bad request from %s: %v", cs.remote, err)
		ex.Err = err
		cs.writeError(ctx, err)
		e.record(ex, "error")
		return false
	}
	ex.Dest = dest
	ctx.Debugf("%s %s", req.Method, ex.subject().URL())

	if !cs.phase(ctx, RequestPhase) {
		e.record(ex, "dropped")
		return false
	}

	var (
		resp   *http1.Message
		up     *upstreamConn
		upKeep bool
	)
	if ctx.response != nil {
		resp = ctx.response
		ctx.response = nil
		cs.prepareRequest(ex.Request)
	} else {
		resp, up, err = cs.roundTrip(ex)
		if err != nil {
			ctx.Warnf("Error reading response %v: %v", dest.Addr(), err)
			ex.Err = err
			cs.writeError(ctx, err)
			e.record(ex, "error")
			return false
		}
		upKeep = resp.KeepAlive() && ex.Request.KeepAlive()
	}
	resp.ID = ex.ID
	ex.Response = resp

	if !cs.phase(ctx, ResponsePhase) {
		if up != nil {
			up.Close()
		}
		e.record(ex, "dropped")
		return false
	}
	resp = ex.Response

	if resp.StatusCode == 101 && up != nil {
		return cs.switchProtocols(ex, up)
	}

	keep := ex.Request.KeepAlive() && resp.KeepAlive() && resp.Framing != http1.FramingClose && !e.closing()
	if !keep && !resp.Frozen() && resp.Header.Get("Connection") == "" && resp.ProtoAtLeast(1, 1) {
		resp.Header.Set("Connection", "close")
	}
	if !resp.Frozen() {
		resp.SyncFraming()
	}
	resp.Freeze()
	werr := http1.Write(cs.conn, resp)
	resp.SentAt = time.Now()

	if up != nil {
		if upKeep {
			e.connector.put(up)
		} else {
			up.Close()
		}
	}
	if werr != nil {
		ex.Err = &TransportError{Op: "write response", Err: werr}
		ctx.Warnf("Error writing response: %v", werr)
		e.record(ex, "error")
		return false
	}
	e.record(ex, "ok")
	return keep
}

// phase runs the pipeline and the breakpoint rules over one phase. It
// reports false when the exchange was dropped.
func (cs *connState) phase(ctx *ProxyCtx, phase Phase) bool {
	e := cs.e
	ex := ctx.Exchange
	out := e.pipeline.Run(phase, ctx)
	if out == Modified {
		ex.Modified = true
	}
	if out == Drop {
		ctx.Logf("exchange %d dropped by interceptor in %v phase", ex.ID, phase)
		ex.Err = ErrDropped
		return false
	}

	reason := ""
	if out == Break {
		reason = "interceptor"
	} else if phase == RequestPhase && ctx.response != nil {
		// canned responses are not held by request rules
	} else if name, ok := e.breakpoints.matching(phase, ex.subject()); ok {
		reason = "rule " + name
	}
	if reason == "" {
		return true
	}

	res := cs.suspend(ctx, phase, reason)
	switch res.Decision {
	case ResumeDrop:
		ex.Err = ErrDropped
		return false
	case ResumeModified:
		msg := res.Message.Clone()
		msg.ID = ex.ID
		if phase == RequestPhase {
			msg.ReceivedAt = ex.Request.ReceivedAt
			ex.Request = msg
		} else {
			msg.ReceivedAt = ex.Response.ReceivedAt
			ex.Response = msg
		}
		ex.Modified = true
	}
	return true
}

// suspend parks the exchange until it is resumed. A client that goes away
// meanwhile drops it.
func (cs *connState) suspend(ctx *ProxyCtx, phase Phase, reason string) Resolution {
	e := cs.e
	s := e.breakpoints.suspend(ctx.Exchange, phase, reason)
	ctx.Logf("exchange %d suspended in %v phase (%s), suspension %d", ctx.Exchange.ID, phase, reason, s.ID)

	gone, stop := cs.watchClient()
	res := e.breakpoints.await(cs.ctx, s, e.opts.BreakpointTimeout, e.opts.BreakpointTimeoutDecision, gone)
	stop()
	ctx.Logf("suspension %d resumed: %v", s.ID, res.Decision)
	return res
}

// watchClient closes gone when the client hangs up. Bytes from the client
// (a pipelined request) end the watch without closing it.
func (cs *connState) watchClient() (gone <-chan struct{}, stop func()) {
	goneCh := make(chan struct{})
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stopCh:
				return
			default:
			}
			cs.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
			_, err := cs.r.Buffered().Peek(1)
			if err == nil {
				return
			}
			if !isTimeout(err) {
				close(goneCh)
				return
			}
		}
	}()
	return goneCh, func() {
		close(stopCh)
		cs.conn.SetReadDeadline(time.Now())
		<-done
		cs.conn.SetReadDeadline(time.Time{})
	}
}

// prepareRequest fixes the request up for forwarding and freezes it.
func (cs *connState) prepareRequest(req *http1.Message) {
	if !req.Frozen() {
		if !cs.e.opts.KeepProxyHeaders {
			req.Header.Del("Proxy-Connection")
			req.Header.Del("Proxy-Authorization")
		}
		if strings.Contains(req.Target, "://") {
			if u, err := url.Parse(req.Target); err == nil {
				req.Target = u.RequestURI()
			}
		}
		req.SyncFraming()
	}
	req.Freeze()
}

func (cs *connState) roundTrip(ex *Exchange) (*http1.Message, *upstreamConn, error) {
	cs.prepareRequest(ex.Request)
	return cs.e.connector.roundTrip(cs.ctx, ex.Dest, ex.Request)
}

// switchProtocols hands the connection over to a raw relay after a 101
// response, e.g. for websockets.
func (cs *connState) switchProtocols(ex *Exchange, up *upstreamConn) bool {
	ex.Response.Freeze()
	if err := http1.Write(cs.conn, ex.Response); err != nil {
		up.Close()
		ex.Err = &TransportError{Op: "write response", Err: err}
		cs.e.record(ex, "error")
		return false
	}
	ex.Response.SentAt = time.Now()
	cs.e.record(ex, "upgraded")
	cs.Debugf("switching protocols to %s", ex.Response.Header.Get("Upgrade"))

	client := sniff.WrapConn(cs.conn, cs.r.Buffered())
	upstream := sniff.WrapConn(up.Conn, up.r.Buffered())
	pipeInOut(client, upstream, fmt.Sprintf("%d", cs.id), cs.e.opts.Logger, cs.id, cs.e.opts.Metrics)
	return false
}

// writeError sends the synthetic response for err to the client.
func (cs *connState) writeError(ctx *ProxyCtx, err error) {
	var resp *http1.Message
	if h := cs.e.opts.ErrorHandler; h != nil && ctx != nil {
		resp = h(ctx, err)
	}
	if resp == nil {
		resp = errorResponse(err)
	}
	if werr := http1.Write(cs.conn, resp); werr != nil {
		cs.Debugf("Error responding to client: %s", werr)
	}
}
