package intercept

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/elazarl/intercept/http1"
	"github.com/elazarl/intercept/sniff"
	"golang.org/x/net/proxy"
)

type ConnectActionLiteral int

const (
	ConnectAccept ConnectActionLiteral = iota // Relay the tunnel without interception
	ConnectReject
	ConnectMitm     // Terminate TLS with a leaf certificate and intercept
	ConnectHTTPMitm // Intercept the tunnel as plain HTTP
)

func (a ConnectActionLiteral) String() string {
	switch a {
	case ConnectAccept:
		return "accept"
	case ConnectReject:
		return "reject"
	case ConnectMitm:
		return "mitm"
	case ConnectHTTPMitm:
		return "http-mitm"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

var (
	OkConnect       = &ConnectAction{Action: ConnectAccept}
	MitmConnect     = &ConnectAction{Action: ConnectMitm}
	HTTPMitmConnect = &ConnectAction{Action: ConnectHTTPMitm}
	RejectConnect   = &ConnectAction{Action: ConnectReject}
)

// ConnectAction is the decision on a CONNECT request.
type ConnectAction struct {
	Action ConnectActionLiteral
	// Response is written to the client on ConnectReject. A 403 is sent
	// when it is nil.
	Response *http1.Message
}

// When a client sends a CONNECT request to a host, the request is filtered through
// all the HttpsHandlers the engine has; the first one returning a non nil action
// decides what happens to the tunnel. The returned host replaces the requested
// one. With no decision the tunnel is intercepted, unless the host is listed in
// Options.PassThroughHosts.
type HttpsHandler interface {
	HandleConnect(host string, ctx *ProxyCtx) (*ConnectAction, string)
}

// A wrapper that would convert a function to a HttpsHandler interface type
type HttpsHandlerFunc func(host string, ctx *ProxyCtx) (*ConnectAction, string)

// HttpsHandlerFunc should implement the HttpsHandler interface
func (f HttpsHandlerFunc) HandleConnect(host string, ctx *ProxyCtx) (*ConnectAction, string) {
	return f(host, ctx)
}

var (
	AlwaysMitm HttpsHandlerFunc = func(host string, ctx *ProxyCtx) (*ConnectAction, string) {
		return MitmConnect, host
	}
	AlwaysReject HttpsHandlerFunc = func(host string, ctx *ProxyCtx) (*ConnectAction, string) {
		return RejectConnect, host
	}
)

// hostMatches reports whether host equals pattern, or is a subdomain of
// the suffix of a "*.suffix" pattern.
func hostMatches(pattern, host string) bool {
	pattern, host = strings.ToLower(pattern), strings.ToLower(host)
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return pattern == host
}

func stripPort(s string) string {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return strings.Trim(s, "[]")
	}
	return host
}

// withPort appends def when hostport has no port.
func withPort(hostport, def string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(strings.Trim(hostport, "[]"), def)
}

// connectAction runs the CONNECT handlers.
func (e *Engine) connectAction(host string, ctx *ProxyCtx) (*ConnectAction, string) {
	e.hmu.RLock()
	handlers := e.httpsHandlers
	e.hmu.RUnlock()

	ctx.Debugf("Running %d CONNECT handlers", len(handlers))
	for i, h := range handlers {
		todo, newhost := h.HandleConnect(host, ctx)

		// If found a result, break the loop immediately
		if todo != nil {
			if newhost != "" {
				host = newhost
			}
			ctx.Debugf("on %dth handler: %v %s", i, todo.Action, host)
			return todo, host
		}
	}
	for _, p := range e.opts.PassThroughHosts {
		if hostMatches(p, stripPort(host)) {
			return OkConnect, host
		}
	}
	return MitmConnect, host
}

// chainDialer opens byte streams toward upstream addresses: directly, through
// an HTTP(S) proxy with CONNECT, or through a SOCKS5 proxy.
type chainDialer struct {
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	timeout time.Duration

	proxyURL  *url.URL
	proxyAuth string
	socks     proxy.ContextDialer
	tlsConfig *tls.Config
}

type dialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f dialerFunc) Dial(network, addr string) (net.Conn, error) {
	return f(context.Background(), network, addr)
}

func (f dialerFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

func newChainDialer(opts Options) (*chainDialer, error) {
	d := &chainDialer{dial: opts.Dial, timeout: opts.DialTimeout, tlsConfig: opts.UpstreamTLSConfig}
	if d.dial == nil {
		d.dial = defaultDial(opts)
	}
	if opts.UpstreamProxy == "" {
		return d, nil
	}

	u, err := url.Parse(opts.UpstreamProxy)
	if err != nil {
		return nil, fmt.Errorf("upstream proxy: %w", err)
	}
	switch u.Scheme {
	case "", "http":
		u.Host = withPort(u.Host, "80")
	case "https":
		u.Host = withPort(u.Host, "443")
	case "socks5", "socks5h":
		u.Host = withPort(u.Host, "1080")
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		sd, err := proxy.SOCKS5("tcp", u.Host, auth, dialerFunc(d.dial))
		if err != nil {
			return nil, fmt.Errorf("upstream proxy: %w", err)
		}
		cd, ok := sd.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("upstream proxy: socks dialer does not support contexts")
		}
		d.socks = cd
	default:
		return nil, fmt.Errorf("upstream proxy: unsupported scheme %q", u.Scheme)
	}
	if u.User != nil && d.socks == nil {
		pass, _ := u.User.Password()
		d.proxyAuth = "Basic " + base64.StdEncoding.EncodeToString([]byte(u.User.Username()+":"+pass))
	}
	d.proxyURL = u
	return d, nil
}

func defaultDial(opts Options) func(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{KeepAlive: -1}
	logger := leveled(opts.Logger)
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if opts.Resolver != nil {
			tcpAddr, err := opts.Resolver.Resolve(addr)
			if err != nil {
				return nil, err
			}
			addr = tcpAddr.String()
		}
		c, err := nd.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		tuneKeepAlive(c, opts.KeepAlive, logger)
		return c, nil
	}
}

// forwardsHTTP reports whether plaintext requests go to an HTTP chain
// proxy in absolute-form instead of through a tunnel.
func (d *chainDialer) forwardsHTTP() bool {
	return d.proxyURL != nil && d.socks == nil
}

func (d *chainDialer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

// tunnel returns a byte stream to addr.
func (d *chainDialer) tunnel(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	switch {
	case d.proxyURL == nil:
		return d.dial(ctx, "tcp", addr)
	case d.socks != nil:
		return d.socks.DialContext(ctx, "tcp", addr)
	}
	return d.connectVia(ctx, addr)
}

// dialProxy connects to the chained HTTP(S) proxy itself.
func (d *chainDialer) dialProxy(ctx context.Context) (net.Conn, error) {
	c, err := d.dial(ctx, "tcp", d.proxyURL.Host)
	if err != nil {
		return nil, err
	}
	if d.proxyURL.Scheme != "https" {
		return c, nil
	}
	tc := tls.Client(c, upstreamTLSConfig(d.tlsConfig, d.proxyURL.Hostname(), []string{protoHTTP1}))
	if err := tc.HandshakeContext(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return tc, nil
}

func (d *chainDialer) connectVia(ctx context.Context, addr string) (net.Conn, error) {
	c, err := d.dialProxy(ctx)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.SetDeadline(deadline)
		defer c.SetDeadline(time.Time{})
	}

	connectReq := http1.NewRequest("CONNECT", addr, nil)
	connectReq.Header.Set("Host", addr)
	if d.proxyAuth != "" {
		connectReq.Header.Set("Proxy-Authorization", d.proxyAuth)
	}
	if err := http1.Write(c, connectReq); err != nil {
		c.Close()
		return nil, err
	}
	// Read response.
	// Okay to keep the buffered reader around, because the TLS server
	// will not speak until spoken to.
	r := http1.NewReader(c)
	resp, err := r.ReadResponse("CONNECT")
	if err != nil {
		c.Close()
		return nil, err
	}
	if resp.StatusCode != 200 {
		body := resp.Body
		if len(body) > 500 {
			body = body[:500]
		}
		c.Close()
		return nil, fmt.Errorf("proxy refused connection: %d %s %s", resp.StatusCode, resp.Reason, body)
	}
	return sniff.WrapConn(c, r.Buffered()), nil
}

// absoluteForm rewrites req for an HTTP chain proxy.
func (d *chainDialer) absoluteForm(req *http1.Message, dest Destination) *http1.Message {
	out := req.Clone()
	if !strings.Contains(out.Target, "://") {
		u := url.URL{Scheme: "http", Host: dest.Addr()}
		if dest.Port == 80 {
			u.Host = strings.TrimSuffix(u.Host, ":80")
		}
		out.Target = u.String() + out.Target
	}
	if d.proxyAuth != "" {
		out.Header.Set("Proxy-Authorization", d.proxyAuth)
	}
	return out
}
