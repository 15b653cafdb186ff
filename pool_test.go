package intercept

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolReusesConnections(t *testing.T) {
	client, e, _ := oneShotProxy(t)
	srv := newBackend(t)

	for i := 0; i < 3; i++ {
		assert.Equal(t, "bobo", getOrFail(t, srv.URL+"/bobo", client))
	}
	m := e.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolDialed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PoolReused))
	require.Eventually(t, func() bool { return e.Connector().IdleConns() == 1 }, 5*time.Second, 10*time.Millisecond)

	e.Connector().CloseIdle(false)
	assert.Zero(t, e.Connector().IdleConns())
	assert.Equal(t, "bobo", getOrFail(t, srv.URL+"/bobo", client))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PoolDialed))
}

// A pooled connection the server closes while the request is being sent is
// retried once on a new connection.
func TestPoolRetriesDeadConnection(t *testing.T) {
	var conns atomic.Int32
	addr := rawServer(t, func(c net.Conn) {
		defer c.Close()
		n := conns.Add(1)
		br := bufio.NewReader(c)
		for served := 0; ; served++ {
			if _, err := readRawRequest(br); err != nil {
				return
			}
			if n == 1 && served == 1 {
				// the server gave up on the connection as the request came in
				return
			}
			body := "conn" + strconv.Itoa(int(n))
			io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: "+strconv.Itoa(len(body))+"\r\n\r\n"+body)
		}
	})

	_, e, rec := oneShotProxy(t)
	first := proxyClient(t, listenerAddr(t, e))
	second := proxyClient(t, listenerAddr(t, e))

	assert.Equal(t, "conn1", getOrFail(t, "http://"+addr+"/", first))
	require.Eventually(t, func() bool { return e.Connector().IdleConns() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "conn2", getOrFail(t, "http://"+addr+"/", second), "retried on a fresh connection")

	m := e.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolReused))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PoolDialed))
	for _, ex := range rec.wait(t, 2) {
		assert.NoError(t, ex.Err)
	}
}

func TestPoolSkipsClosedIdleConnection(t *testing.T) {
	var conns atomic.Int32
	addr := rawServer(t, func(c net.Conn) {
		defer c.Close()
		n := conns.Add(1)
		if _, err := readRawRequest(bufio.NewReader(c)); err != nil {
			return
		}
		body := "conn" + strconv.Itoa(int(n))
		// answers as if keeping the connection, then closes it
		io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: "+strconv.Itoa(len(body))+"\r\n\r\n"+body)
	})

	client, e, _ := oneShotProxy(t)
	assert.Equal(t, "conn1", getOrFail(t, "http://"+addr+"/", client))
	require.Eventually(t, func() bool {
		// wait for the close to reach the pooled socket
		c := e.Connector()
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, pcs := range c.idle {
			for _, pc := range pcs {
				if !c.alive(pc) {
					return true
				}
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "conn2", getOrFail(t, "http://"+addr+"/", client))
	assert.Zero(t, testutil.ToFloat64(e.Metrics().PoolRetries), "a dead idle connection is detected before use")
}

// readRawRequest reads one bodiless request head.
func readRawRequest(br *bufio.Reader) (string, error) {
	var head string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		head += line
		if line == "\r\n" {
			return head, nil
		}
	}
}
