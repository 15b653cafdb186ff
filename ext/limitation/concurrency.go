// Package limitation provides admission control for the engine listeners.
package limitation

import (
	"context"
	"net"
	"sync"

	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
)

// ConcurrentConnections implements a mechanism to limit the number of
// concurrently handled client connections, configurable by the user.
// Accept blocks while the limit is reached; a connection frees its slot
// when it is closed. A limit <= 0 leaves ln alone.
func ConcurrentConnections(ln net.Listener, limit int) net.Listener {
	// Do nothing when the specified limit is invalid
	if limit <= 0 {
		return ln
	}
	return netutil.LimitListener(ln, limit)
}

// AcceptRate limits how fast ln hands out connections: at most r per
// second, with bursts of up to burst. A zero rate leaves ln alone.
func AcceptRate(ln net.Listener, r rate.Limit, burst int) net.Listener {
	if r <= 0 {
		return ln
	}
	if burst < 1 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &rateListener{Listener: ln, limiter: rate.NewLimiter(r, burst), ctx: ctx, cancel: cancel}
}

type rateListener struct {
	net.Listener
	limiter *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (l *rateListener) Accept() (net.Conn, error) {
	if err := l.limiter.Wait(l.ctx); err != nil {
		if l.ctx.Err() != nil {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	return l.Listener.Accept()
}

func (l *rateListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.Listener.Close()
	})
	return err
}
