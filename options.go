package intercept

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"time"

	"github.com/elazarl/intercept/http1"
)

// Options are the engine parameters. DefaultOptions contains options that
// should work for most deployments; start from it and adjust.
type Options struct {
	Logger Logger

	// Dial opens TCP connections toward upstream servers, or toward the
	// chained proxy when UpstreamProxy is set. Defaults to a net.Dialer
	// using Resolver.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	// Resolver, if set, resolves upstream host names for the default Dial.
	Resolver Resolver
	// UpstreamProxy chains every upstream connection through another proxy:
	// http://[user:pass@]host:port, https://... or socks5://...
	UpstreamProxy string
	// UpstreamTLSConfig is the client configuration toward upstream TLS
	// servers. ServerName and NextProtos are set per connection.
	UpstreamTLSConfig *tls.Config

	// PassThroughHosts are CONNECT hosts relayed without interception.
	// "*.example.com" matches every subdomain.
	PassThroughHosts []string
	// AllowHTTP2 offers h2 to intercepted clients. h2 sessions are relayed
	// frame by frame and not run through the pipeline.
	AllowHTTP2 bool
	// KeepProxyHeaders forwards Proxy-Authorization and Proxy-Connection to
	// the destination server. Usually, this should be false.
	KeepProxyHeaders bool

	MaxHeaderBytes int
	MaxBodyBytes   int64

	// ClientIdleTimeout bounds the wait for the next request on a
	// persistent client connection.
	ClientIdleTimeout time.Duration
	HandshakeTimeout  time.Duration
	DialTimeout       time.Duration
	// ResponseTimeout bounds the wait for upstream response headers. A
	// timeout is answered with 504.
	ResponseTimeout time.Duration
	// UpstreamIdleTimeout is how long a pooled upstream connection may stay
	// idle before it is closed.
	UpstreamIdleTimeout time.Duration

	// BreakpointTimeout resumes a suspended exchange with
	// BreakpointTimeoutDecision after this long. 0 waits forever.
	BreakpointTimeout         time.Duration
	BreakpointTimeoutDecision Decision

	FailurePolicy FailurePolicy

	// ShutdownGrace is how long Shutdown waits for in-flight connections
	// when its context has no deadline.
	ShutdownGrace time.Duration

	KeepAlive KeepAlive

	// History receives every completed exchange. Records are queued;
	// when the queue is full they are dropped with a warning.
	History          HistorySink
	HistoryQueueSize int

	Metrics *Metrics

	// ErrorHandler will be invoked to build the response sent to clients
	// when an exchange fails (e.g. failure to connect to the remote
	// server). A nil result falls back to the built-in error response.
	ErrorHandler func(ctx *ProxyCtx, err error) *http1.Message
}

// KeepAlive tunes TCP keep-alive on upstream sockets. Count and Interval are
// only applied on Linux.
type KeepAlive struct {
	Period   time.Duration
	Interval time.Duration
	Count    int
}

// DefaultOptions returns the recommended initial options for the engine.
// You can freely edit them before passing them to New.
func DefaultOptions() Options {
	return Options{
		Logger:              NewDefaultLogger(INFO),
		UpstreamProxy:       proxyFromEnv(),
		UpstreamTLSConfig:   tlsClientSkipVerify.Clone(),
		MaxHeaderBytes:      http1.DefaultMaxHeaderBytes,
		MaxBodyBytes:        http1.DefaultMaxBodyBytes,
		ClientIdleTimeout:   2 * time.Minute,
		HandshakeTimeout:    10 * time.Second,
		DialTimeout:         10 * time.Second,
		ResponseTimeout:     2 * time.Minute,
		UpstreamIdleTimeout: 90 * time.Second,

		BreakpointTimeoutDecision: ResumeDrop,
		FailurePolicy:             FailurePolicy{MaxConsecutiveFailures: 5},
		ShutdownGrace:             10 * time.Second,
		KeepAlive:                 KeepAlive{Period: 30 * time.Second},
		HistoryQueueSize:          1024,
	}
}

func proxyFromEnv() string {
	for _, k := range []string{"HTTPS_PROXY", "https_proxy"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// withDefaults fills zero values that would otherwise disable the engine.
func (opt Options) withDefaults() Options {
	def := DefaultOptions()
	if opt.Logger == nil {
		opt.Logger = nopLogger{}
	}
	if opt.UpstreamTLSConfig == nil {
		opt.UpstreamTLSConfig = def.UpstreamTLSConfig
	}
	if opt.HandshakeTimeout == 0 {
		opt.HandshakeTimeout = def.HandshakeTimeout
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = def.DialTimeout
	}
	if opt.UpstreamIdleTimeout == 0 {
		opt.UpstreamIdleTimeout = def.UpstreamIdleTimeout
	}
	if opt.ShutdownGrace == 0 {
		opt.ShutdownGrace = def.ShutdownGrace
	}
	if opt.HistoryQueueSize <= 0 {
		opt.HistoryQueueSize = def.HistoryQueueSize
	}
	if opt.Metrics == nil {
		opt.Metrics = NewMetrics(nil)
	}
	return opt
}
