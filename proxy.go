package intercept

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type connMode int

const (
	modeProxy connMode = iota
	modeTransparent
	modeTProxy
)

func (m connMode) String() string {
	switch m {
	case modeTransparent:
		return "transparent"
	case modeTProxy:
		return "tproxy"
	}
	return "proxy"
}

// Engine is the interception engine. It owns the listeners, the shared
// certificate cache, upstream pool, pipeline and breakpoints, and every
// client connection it accepted. Engines are independent of each other.
type Engine struct {
	opts        Options
	certs       *CertCache
	pipeline    *Pipeline
	breakpoints *Breakpoints
	events      *Events
	connector   *Connector
	history     *historyQueue

	hmu           sync.RWMutex
	httpsHandlers []HttpsHandler

	sess       atomic.Int64
	exchangeID atomic.Int64

	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*connState]struct{}
	wg        sync.WaitGroup
	closed    bool
	shutting  atomic.Bool
}

// New creates an engine intercepting TLS with leaf certificates signed by
// ca.
func New(ca *tls.Certificate, opts Options) (*Engine, error) {
	if ca == nil {
		return nil, errors.New("intercept: no CA certificate")
	}
	opts = opts.withDefaults()
	d, err := newChainDialer(opts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:      opts,
		certs:     NewCertCache(ca, opts.Metrics),
		pipeline:  NewPipeline(opts.FailurePolicy, opts.Logger, opts.Metrics),
		events:    newEvents(),
		connector: newConnector(d, opts),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*connState]struct{}),
	}
	e.breakpoints = newBreakpoints(e.events, opts.Metrics)
	e.history = newHistoryQueue(opts.History, opts.HistoryQueueSize, opts.Logger, opts.Metrics)
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

func (e *Engine) Pipeline() *Pipeline       { return e.pipeline }
func (e *Engine) Breakpoints() *Breakpoints { return e.breakpoints }
func (e *Engine) Certs() *CertCache         { return e.certs }
func (e *Engine) Metrics() *Metrics         { return e.opts.Metrics }
func (e *Engine) Events() *Events           { return e.events }
func (e *Engine) Connector() *Connector     { return e.connector }
func (e *Engine) Logger() Logger            { return e.opts.Logger }

// History is the sink completed exchanges are recorded to, nil if none.
func (e *Engine) History() HistorySink { return e.opts.History }

// HandleConnect appends a CONNECT handler. Handlers run in the order they
// were added.
func (e *Engine) HandleConnect(h HttpsHandler) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	handlers := make([]HttpsHandler, len(e.httpsHandlers), len(e.httpsHandlers)+1)
	copy(handlers, e.httpsHandlers)
	e.httpsHandlers = append(handlers, h)
}

// Binding is one address the engine listens on.
type Binding struct {
	Addr string
	// Transparent accepts connections redirected to the engine without
	// the client knowing about the proxy. TLS destinations are taken from
	// the SNI.
	Transparent bool
	// TProxy accepts connections routed with the Linux TPROXY target;
	// the original destination is the local address of the socket.
	TProxy bool
}

func (b Binding) mode() connMode {
	switch {
	case b.TProxy:
		return modeTProxy
	case b.Transparent:
		return modeTransparent
	}
	return modeProxy
}

// Listen binds every address and serves each one in the background. A
// binding that fails does not stop the others; the failures are returned
// joined together along with the listeners that did bind.
func (e *Engine) Listen(bindings []Binding) ([]net.Listener, error) {
	var (
		lns  []net.Listener
		errs []error
	)
	for _, b := range bindings {
		ln, err := ListenBinding(b)
		if err != nil {
			e.opts.Logger.Errorf(0, "Cannot listen on %s: %v", b.Addr, err)
			errs = append(errs, fmt.Errorf("%s: %w", b.Addr, err))
			continue
		}
		if !e.trackListener(ln) {
			ln.Close()
			errs = append(errs, ErrEngineClosed)
			break
		}
		e.opts.Logger.Infof(0, "Listening on %s (%v)", ln.Addr(), b.mode())
		lns = append(lns, ln)
		go func(mode connMode) {
			if err := e.acceptLoop(ln, mode); err != nil && !errors.Is(err, ErrEngineClosed) {
				e.opts.Logger.Errorf(0, "Listener %s stopped: %v", ln.Addr(), err)
			}
		}(b.mode())
	}
	return lns, errors.Join(errs...)
}

// ListenBinding binds b without serving it, for callers that wrap the
// listener before handing it to ServeBinding.
func ListenBinding(b Binding) (net.Listener, error) {
	if b.TProxy {
		return listenTProxy(b.Addr)
	}
	return net.Listen("tcp", b.Addr)
}

// Serve accepts proxy clients on ln until the engine shuts down, when it
// returns ErrEngineClosed.
func (e *Engine) Serve(ln net.Listener) error {
	return e.serve(ln, modeProxy)
}

// ServeTransparent is Serve for connections redirected to the engine.
func (e *Engine) ServeTransparent(ln net.Listener) error {
	return e.serve(ln, modeTransparent)
}

// ServeBinding serves ln in the mode b asks for.
func (e *Engine) ServeBinding(ln net.Listener, b Binding) error {
	return e.serve(ln, b.mode())
}

func (e *Engine) serve(ln net.Listener, mode connMode) error {
	if !e.trackListener(ln) {
		ln.Close()
		return ErrEngineClosed
	}
	return e.acceptLoop(ln, mode)
}

func (e *Engine) acceptLoop(ln net.Listener, mode connMode) error {
	defer e.untrackListener(ln)

	var tempDelay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if e.closing() {
				return ErrEngineClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if maxDelay := 1 * time.Second; tempDelay > maxDelay {
				tempDelay = maxDelay
			}
			e.opts.Logger.Warnf(0, "Accept error: %v; retrying in %v", err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		cs, ok := e.track(c)
		if !ok {
			c.Close()
			return ErrEngineClosed
		}
		go e.serveConn(cs, mode)
	}
}

// ServeConn handles one client connection and returns when it is done.
func (e *Engine) ServeConn(c net.Conn) {
	cs, ok := e.track(c)
	if !ok {
		c.Close()
		return
	}
	e.serveConn(cs, modeProxy)
}

func (e *Engine) serveConn(cs *connState, mode connMode) {
	defer e.untrack(cs)
	defer func() {
		if r := recover(); r != nil {
			e.opts.Logger.Errorf(cs.id, "panic serving %s: %v", cs.remote, r)
		}
	}()

	e.opts.Metrics.ConnectionsTotal.WithLabelValues(mode.String()).Inc()
	cs.Debugf("accepted connection from %s", cs.remote)
	if mode == modeProxy {
		cs.serve(nil)
		return
	}
	cs.serveTransparent(mode == modeTProxy)
}

func (e *Engine) track(c net.Conn) (*connState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	cs := e.newConnState(c)
	e.conns[cs] = struct{}{}
	e.wg.Add(1)
	e.opts.Metrics.ConnectionsActive.Inc()
	return cs, true
}

func (e *Engine) untrack(cs *connState) {
	cs.close()
	e.mu.Lock()
	delete(e.conns, cs)
	e.mu.Unlock()
	e.opts.Metrics.ConnectionsActive.Dec()
	e.wg.Done()
}

func (e *Engine) trackListener(ln net.Listener) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.listeners[ln] = struct{}{}
	return true
}

func (e *Engine) untrackListener(ln net.Listener) {
	e.mu.Lock()
	delete(e.listeners, ln)
	e.mu.Unlock()
}

func (e *Engine) closing() bool {
	return e.shutting.Load()
}

// Shutdown stops accepting, closes idle client connections and waits for
// the others to finish. When ctx is done first (or after
// Options.ShutdownGrace if ctx has no deadline) suspended exchanges are
// dropped and the remaining connections are closed; the context error is
// returned then.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.closed = true
	e.shutting.Store(true)
	for ln := range e.listeners {
		ln.Close()
	}
	for cs := range e.conns {
		if cs.idle.Load() {
			cs.close()
		}
	}
	e.mu.Unlock()
	e.connector.CloseIdle(false)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ShutdownGrace)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		e.opts.Logger.Warnf(0, "Shutdown grace expired, closing remaining connections")
		e.cancel()
		e.mu.Lock()
		for cs := range e.conns {
			cs.close()
		}
		e.mu.Unlock()
		<-done
	}
	e.cancel()
	e.connector.CloseIdle(true)
	e.history.close()
	return err
}
