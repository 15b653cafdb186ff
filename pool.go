package intercept

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/elazarl/intercept/http1"
)

type poolKey struct {
	host   string
	port   int
	scheme string
}

// upstreamConn is one connection toward an upstream server, or toward the
// chained proxy for plaintext requests sent in absolute-form.
type upstreamConn struct {
	net.Conn
	r         *http1.Reader
	key       poolKey
	idleSince time.Time
	reused    bool
	viaProxy  bool
}

// Connector hands out upstream connections per (host, port, scheme) and
// keeps the idle ones for reuse.
type Connector struct {
	dialer           *chainDialer
	tlsConfig        *tls.Config
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	responseTimeout  time.Duration
	maxHeaderBytes   int
	maxBodyBytes     int64
	metrics          *Metrics

	mu     sync.Mutex
	idle   map[poolKey][]*upstreamConn
	closed bool
}

func newConnector(d *chainDialer, opts Options) *Connector {
	return &Connector{
		dialer:           d,
		tlsConfig:        opts.UpstreamTLSConfig,
		handshakeTimeout: opts.HandshakeTimeout,
		idleTimeout:      opts.UpstreamIdleTimeout,
		responseTimeout:  opts.ResponseTimeout,
		maxHeaderBytes:   opts.MaxHeaderBytes,
		maxBodyBytes:     opts.MaxBodyBytes,
		metrics:          opts.Metrics,
		idle:             make(map[poolKey][]*upstreamConn),
	}
}

func keyFor(dest Destination) poolKey {
	return poolKey{host: dest.Host, port: dest.Port, scheme: dest.Scheme}
}

// get returns a live idle connection for dest or dials a new one.
func (c *Connector) get(ctx context.Context, dest Destination) (*upstreamConn, error) {
	key := keyFor(dest)
	for {
		pc := c.popIdle(key)
		if pc == nil {
			break
		}
		if c.alive(pc) {
			pc.reused = true
			c.metrics.PoolReused.Inc()
			return pc, nil
		}
		pc.Close()
	}
	return c.dial(ctx, dest)
}

func (c *Connector) popIdle(key poolKey) *upstreamConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns := c.idle[key]
	if len(conns) == 0 {
		return nil
	}
	// most recently used first
	pc := conns[len(conns)-1]
	conns[len(conns)-1] = nil
	if len(conns) == 1 {
		delete(c.idle, key)
	} else {
		c.idle[key] = conns[:len(conns)-1]
	}
	return pc
}

// alive checks a pooled connection before reuse. A server that closed it,
// or sent bytes nobody asked for, makes it unusable; a read that times out
// means it is still open.
func (c *Connector) alive(pc *upstreamConn) bool {
	if c.idleTimeout > 0 && time.Since(pc.idleSince) > c.idleTimeout {
		return false
	}
	if pc.r.Buffered().Buffered() > 0 {
		return false
	}
	if err := pc.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	_, err := pc.r.Buffered().Peek(1)
	pc.SetReadDeadline(time.Time{})
	return isTimeout(err)
}

func (c *Connector) dial(ctx context.Context, dest Destination) (*upstreamConn, error) {
	c.metrics.PoolDialed.Inc()
	key := keyFor(dest)
	if dest.Scheme == "http" && c.dialer.forwardsHTTP() {
		ctx, cancel := c.dialer.withTimeout(ctx)
		defer cancel()
		conn, err := c.dialer.dialProxy(ctx)
		if err != nil {
			return nil, &UpstreamError{Addr: c.dialer.proxyURL.Host, Err: err}
		}
		return c.wrap(conn, key, true), nil
	}

	conn, err := c.dialer.tunnel(ctx, dest.Addr())
	if err != nil {
		return nil, &UpstreamError{Addr: dest.Addr(), Err: err}
	}
	if dest.Scheme == "https" {
		tc, err := c.handshake(ctx, conn, dest.Host, []string{protoHTTP1})
		if err != nil {
			return nil, &UpstreamError{Addr: dest.Addr(), Err: err}
		}
		conn = tc
	}
	return c.wrap(conn, key, false), nil
}

// handshake runs a client TLS handshake over conn, closing it on failure.
func (c *Connector) handshake(ctx context.Context, conn net.Conn, serverName string, protos []string) (*tls.Conn, error) {
	if c.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.handshakeTimeout)
		defer cancel()
	}
	tc := tls.Client(conn, upstreamTLSConfig(c.tlsConfig, serverName, protos))
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}

func (c *Connector) wrap(conn net.Conn, key poolKey, viaProxy bool) *upstreamConn {
	r := http1.NewReader(conn)
	r.MaxHeaderBytes = c.maxHeaderBytes
	r.MaxBodyBytes = c.maxBodyBytes
	return &upstreamConn{Conn: conn, r: r, key: key, viaProxy: viaProxy}
}

// put returns a connection to the pool, or closes it once the pool is
// closed.
func (c *Connector) put(pc *upstreamConn) {
	if pc.r.Buffered().Buffered() > 0 {
		pc.Close()
		return
	}
	pc.idleSince = time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pc.Close()
		return
	}
	c.idle[pc.key] = append(c.idle[pc.key], pc)
	c.mu.Unlock()
}

// adopt pools a connection opened outside the connector, such as the one
// pre-dialed for a CONNECT tunnel.
func (c *Connector) adopt(conn net.Conn, dest Destination) {
	c.put(c.wrap(conn, keyFor(dest), false))
}

// CloseIdle closes every pooled connection. With final set, connections
// released later are closed instead of pooled.
func (c *Connector) CloseIdle(final bool) {
	c.mu.Lock()
	idle := c.idle
	c.idle = make(map[poolKey][]*upstreamConn)
	if final {
		c.closed = true
	}
	c.mu.Unlock()
	for _, conns := range idle {
		for _, pc := range conns {
			pc.Close()
		}
	}
}

// IdleConns counts the pooled connections.
func (c *Connector) IdleConns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, conns := range c.idle {
		n += len(conns)
	}
	return n
}

// retryable marks failures that happened before any response byte arrived.
type retryable struct{ err error }

func (e *retryable) Error() string { return e.err.Error() }
func (e *retryable) Unwrap() error { return e.err }

// roundTrip sends req to dest and reads the response. When a reused
// connection fails before any byte of the response arrives, the request is
// sent once more on a fresh connection.
func (c *Connector) roundTrip(ctx context.Context, dest Destination, req *http1.Message) (*http1.Message, *upstreamConn, error) {
	pc, err := c.get(ctx, dest)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.exchange(ctx, pc, dest, req)
	var re *retryable
	if err != nil && pc.reused && errors.As(err, &re) && !isTimeout(err) && ctx.Err() == nil {
		pc.Close()
		c.metrics.PoolRetries.Inc()
		if pc, err = c.dial(ctx, dest); err != nil {
			return nil, nil, err
		}
		resp, err = c.exchange(ctx, pc, dest, req)
	}
	if err != nil {
		pc.Close()
		return nil, nil, &UpstreamError{Addr: dest.Addr(), Err: err}
	}
	return resp, pc, nil
}

func (c *Connector) exchange(ctx context.Context, pc *upstreamConn, dest Destination, req *http1.Message) (*http1.Message, error) {
	stop := context.AfterFunc(ctx, func() {
		pc.SetDeadline(time.Now())
	})
	defer stop()

	wire := req
	if pc.viaProxy {
		wire = c.dialer.absoluteForm(req, dest)
	}
	if err := http1.Write(pc, wire); err != nil {
		return nil, &retryable{err}
	}
	req.SentAt = time.Now()

	if c.responseTimeout > 0 {
		pc.SetReadDeadline(time.Now().Add(c.responseTimeout))
		defer pc.SetReadDeadline(time.Time{})
	}
	if _, err := pc.r.Buffered().Peek(1); err != nil {
		return nil, &retryable{err}
	}
	resp, err := pc.r.ReadResponse(req.Method)
	if err != nil && !http1.IsFramingError(err) {
		return nil, &TransportError{Op: "read response", Err: err}
	}
	return resp, err
}
