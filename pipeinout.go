package intercept

import (
	"net"
	"sync"
	"time"
)

type halfCloser interface {
	CloseWrite() error
}

// closeWrite half-closes c when the connection supports it, and closes it
// otherwise.
func closeWrite(c net.Conn) error {
	if hc, ok := c.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return c.Close()
}

// pipeInOut relays bytes between the client and upstream until both
// directions are done. A clean end of stream on one side is passed on as a
// half-close; an error tears down both.
func pipeInOut(
	incoming net.Conn,
	outgoing net.Conn,
	id string,
	logger Logger,
	session int64,
	metrics *Metrics,
) {
	sTime := time.Now()
	wg := &sync.WaitGroup{}
	wg.Add(1)

	go func() {
		defer wg.Done()
		n, err := loopCopy(id, "down", incoming, outgoing)
		metrics.RelayedBytes.WithLabelValues("down").Add(float64(n))
		if err != nil {
			logger.Debugf(session, "relay from upstream ended after %d bytes: %v", n, err)
			incoming.Close()
			return
		}
		closeWrite(incoming)
	}()

	n, err := loopCopy(id, "up", outgoing, incoming)
	metrics.RelayedBytes.WithLabelValues("up").Add(float64(n))
	if err != nil {
		logger.Debugf(session, "relay from client ended after %d bytes: %v", n, err)
		outgoing.Close()
	} else {
		closeWrite(outgoing)
	}
	wg.Wait()

	outgoing.Close()
	incoming.Close()
	logger.Debugf(session, "relay done, %f seconds", time.Since(sTime).Seconds())
}
