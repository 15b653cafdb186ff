package intercept

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elazarl/intercept/http1"
	"github.com/elazarl/intercept/match"
)

// autoResume answers every suspension of e with decide.
func autoResume(t *testing.T, e *Engine, decide func(s *Suspension) Resolution) {
	ch, unsubscribe := e.Events().Subscribe(64)
	t.Cleanup(unsubscribe)
	go func() {
		for ev := range ch {
			if ev.Kind != EventSuspended {
				continue
			}
			s, ok := e.Breakpoints().Get(ev.SuspensionID)
			if !ok {
				continue
			}
			e.Breakpoints().Resume(s.ID, decide(s))
		}
	}()
}

func waitSuspension(t *testing.T, e *Engine) *Suspension {
	var s *Suspension
	require.Eventually(t, func() bool {
		pending := e.Breakpoints().Pending()
		if len(pending) == 0 {
			return false
		}
		s = pending[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return s
}

// capturingServer records the raw bytes of each request it reads and
// answers with a fixed response, closing the connection.
type capturingServer struct {
	addr string
	mu   sync.Mutex
	reqs [][]byte
}

func newCapturingServer(t *testing.T) *capturingServer {
	cs := &capturingServer{}
	cs.addr = rawServer(t, func(c net.Conn) {
		defer c.Close()
		var buf bytes.Buffer
		r := http1.NewReader(io.TeeReader(c, &buf))
		if _, err := r.ReadRequest(); err != nil {
			return
		}
		cs.mu.Lock()
		cs.reqs = append(cs.reqs, buf.Bytes())
		cs.mu.Unlock()
		io.WriteString(c, "HTTP/1.1 200 OK\r\nX-Weird-CASE: kept\r\nConnection: close\r\nContent-Length: 4\r\n\r\npong")
	})
	return cs
}

func (cs *capturingServer) last(t *testing.T) []byte {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.NotEmpty(t, cs.reqs)
	return cs.reqs[len(cs.reqs)-1]
}

// rawRoundTrip writes raw to the proxy and returns everything it answers
// until it closes the connection.
func rawRoundTrip(t *testing.T, proxy, raw string) []byte {
	conn, err := net.Dial("tcp", proxy)
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, _ := io.ReadAll(conn)
	return out
}

// Forwarding a suspended exchange untouched must put the same bytes on the
// wire, both ways, as when no breakpoint is set.
func TestBreakpointForwardIsIdempotent(t *testing.T) {
	upstream := newCapturingServer(t)
	_, e, rec := oneShotProxy(t)
	proxy := listenerAddr(t, e)

	raw := "POST http://" + upstream.addr + "/submit?q=1 HTTP/1.1\r\n" +
		"Host: " + upstream.addr + "\r\n" +
		"x-lower-case: yes\r\n" +
		"X-Dup: 1\r\n" +
		"X-Dup: 2\r\n" +
		"Transfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n0\r\n\r\n"

	plainResp := rawRoundTrip(t, proxy, raw)
	plainReq := upstream.last(t)

	e.Breakpoints().AddRule("all", DirectionBoth, nil)
	var suspended []Phase
	var mu sync.Mutex
	autoResume(t, e, func(s *Suspension) Resolution {
		mu.Lock()
		suspended = append(suspended, s.Phase)
		mu.Unlock()
		return Resolution{Decision: ResumeForward}
	})

	heldResp := rawRoundTrip(t, proxy, raw)
	heldReq := upstream.last(t)

	assert.Equal(t, string(plainReq), string(heldReq))
	assert.Equal(t, string(plainResp), string(heldResp))
	assert.Contains(t, string(heldResp), "X-Weird-CASE: kept")
	mu.Lock()
	assert.Equal(t, []Phase{RequestPhase, ResponsePhase}, suspended)
	mu.Unlock()

	exs := rec.wait(t, 2)
	assert.False(t, exs[1].Modified, "forwarding as is does not count as a modification")
}

// Scenario: a request body edited while suspended reaches the server with a
// recomputed Content-Length and is recorded as modified.
func TestBreakpointModifiedRequest(t *testing.T) {
	client, e, rec := oneShotProxy(t)
	srv := newBackend(t)
	e.OnRequest(match.MethodIs("POST")).Break("posts")

	const edited = "a much longer body than before"
	autoResume(t, e, func(s *Suspension) Resolution {
		msg := s.Message.Clone()
		msg.SetBody([]byte(edited))
		return Resolution{Decision: ResumeModified, Message: msg}
	})

	resp, err := client.Post(srv.URL+"/echo", "text/plain", strings.NewReader("short"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, edited, string(body))

	exs := rec.wait(t, 1)
	ex := exs[0]
	assert.True(t, ex.Modified)
	assert.Equal(t, edited, string(ex.Request.Body))
	assert.Equal(t, strconv.Itoa(len(edited)), ex.Request.Header.Get("Content-Length"))
	assert.Equal(t, ex.ID, ex.Request.ID)

	assert.Equal(t, "bobo", getOrFail(t, srv.URL+"/bobo", client), "GETs are not held")
}

func TestBreakpointModifiedResponse(t *testing.T) {
	client, e, _ := oneShotProxy(t)
	srv := newBackend(t)
	e.OnResponse(match.StatusIs(200)).Break("ok")

	autoResume(t, e, func(s *Suspension) Resolution {
		resp := http1.NewResponse(http.StatusTeapot, "", []byte("short and stout"))
		return Resolution{Decision: ResumeModified, Message: resp}
	})
	resp, err := client.Get(srv.URL + "/bobo")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "short and stout", string(body))
}

func TestBreakpointDropOnClientDisconnect(t *testing.T) {
	srv := newBackend(t)
	_, e, rec := oneShotProxy(t)
	e.Breakpoints().AddRule("all", DirectionRequest, match.Always)
	events, unsubscribe := e.Events().Subscribe(16)
	defer unsubscribe()

	conn, err := net.Dial("tcp", listenerAddr(t, e))
	require.NoError(t, err)
	host := strings.TrimPrefix(srv.URL, "http://")
	_, err = io.WriteString(conn, "GET http://"+host+"/bobo HTTP/1.1\r\nHost: "+host+"\r\n\r\n")
	require.NoError(t, err)

	s := waitSuspension(t, e)
	assert.Equal(t, RequestPhase, s.Phase)
	assert.Equal(t, "rule all", s.Reason)
	assert.True(t, s.Message.Frozen(), "suspension snapshots are read only")
	conn.Close()

	require.Eventually(t, func() bool { return len(e.Breakpoints().Pending()) == 0 }, 5*time.Second, 10*time.Millisecond)
	exs := rec.wait(t, 1)
	assert.ErrorIs(t, exs[0].Err, ErrDropped)
	assert.ErrorIs(t, e.Breakpoints().Resume(s.ID, Resolution{}), ErrSuspensionNotFound)

	var resumed Event
	for ev := range events {
		if ev.Kind == EventResumed {
			resumed = ev
			break
		}
	}
	assert.Equal(t, s.ID, resumed.SuspensionID)
	assert.Equal(t, "drop", resumed.Decision)
	assert.Equal(t, "client gone", resumed.Reason)
}

func TestBreakpointTimeout(t *testing.T) {
	srv := newBackend(t)

	t.Run("forward", func(t *testing.T) {
		client, e, _ := oneShotProxy(t, func(o *Options) {
			o.BreakpointTimeout = 50 * time.Millisecond
			o.BreakpointTimeoutDecision = ResumeForward
		})
		e.Breakpoints().AddRule("all", DirectionBoth, nil)
		assert.Equal(t, "bobo", getOrFail(t, srv.URL+"/bobo", client))
	})

	t.Run("drop", func(t *testing.T) {
		client, e, rec := oneShotProxy(t, func(o *Options) {
			o.BreakpointTimeout = 50 * time.Millisecond
		})
		e.Breakpoints().AddRule("all", DirectionRequest, nil)
		_, err := get(srv.URL+"/bobo", client)
		assert.Error(t, err)
		exs := rec.wait(t, 1)
		assert.ErrorIs(t, exs[0].Err, ErrDropped)
	})
}

func TestBreakpointResumeDrop(t *testing.T) {
	client, e, rec := oneShotProxy(t)
	srv := newBackend(t)
	e.OnResponse().Break("responses")
	autoResume(t, e, func(*Suspension) Resolution { return Resolution{Decision: ResumeDrop} })

	_, err := get(srv.URL+"/bobo", client)
	assert.Error(t, err)
	exs := rec.wait(t, 1)
	assert.ErrorIs(t, exs[0].Err, ErrDropped)
	require.NotNil(t, exs[0].Response, "the response was read before it was dropped")
}

func TestResumeErrors(t *testing.T) {
	client, e, _ := oneShotProxy(t)
	srv := newBackend(t)
	id := e.Breakpoints().AddRule("all", DirectionRequest, nil)

	done := make(chan string, 1)
	go func() {
		b, _ := get(srv.URL+"/bobo", client)
		done <- string(b)
	}()
	s := waitSuspension(t, e)
	bp := e.Breakpoints()

	assert.ErrorIs(t, bp.Resume(s.ID+100, Resolution{}), ErrSuspensionNotFound)
	assert.Error(t, bp.Resume(s.ID, Resolution{Decision: ResumeModified}), "modified needs a message")
	assert.Error(t, bp.Resume(s.ID, Resolution{Decision: ResumeModified, Message: http1.NewResponse(200, "", nil)}),
		"a request suspension cannot take a response")
	_, ok := bp.Get(s.ID)
	assert.True(t, ok, "failed resumes leave the exchange suspended")

	require.True(t, bp.RemoveRule(id))
	assert.False(t, bp.RemoveRule(id))
	require.NoError(t, bp.Resume(s.ID, Resolution{Decision: ResumeForward}))
	assert.Equal(t, "bobo", <-done)
	assert.ErrorIs(t, bp.Resume(s.ID, Resolution{}), ErrSuspensionNotFound, "a suspension is resumed once")
}

func TestInterceptorBreak(t *testing.T) {
	client, e, _ := oneShotProxy(t)
	srv := newBackend(t)
	e.Pipeline().Add("breaker", Breaker, InterceptorFunc(func(msg *http1.Message, ctx *ProxyCtx) (Outcome, error) {
		if ctx.Phase == RequestPhase {
			return Break, nil
		}
		return Continue, nil
	}))
	e.Pipeline().Add("observer", Observer, InterceptorFunc(func(msg *http1.Message, ctx *ProxyCtx) (Outcome, error) {
		return Break, nil
	}))

	reasons := make(chan string, 4)
	autoResume(t, e, func(s *Suspension) Resolution {
		reasons <- s.Reason
		return Resolution{Decision: ResumeForward}
	})
	assert.Equal(t, "bobo", getOrFail(t, srv.URL+"/bobo", client))
	assert.Equal(t, "interceptor", <-reasons)
	assert.Empty(t, reasons, "observers cannot suspend")
}

func TestParseDecisionAndDirection(t *testing.T) {
	for in, want := range map[string]Decision{"forward": ResumeForward, "Modified": ResumeModified, "drop": ResumeDrop} {
		got, err := ParseDecision(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDecision("later")
	assert.Error(t, err)

	for in, want := range map[string]Direction{"": DirectionBoth, "req": DirectionRequest, "response": DirectionResponse} {
		got, err := ParseDirection(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}

func TestShutdownDropsSuspended(t *testing.T) {
	_, e, _ := oneShotProxy(t, func(o *Options) { o.ShutdownGrace = 50 * time.Millisecond })
	srv := newBackend(t)
	e.Breakpoints().AddRule("all", DirectionRequest, nil)

	conn, err := net.Dial("tcp", listenerAddr(t, e))
	require.NoError(t, err)
	defer conn.Close()
	host := strings.TrimPrefix(srv.URL, "http://")
	io.WriteString(conn, "GET http://"+host+"/ HTTP/1.1\r\nHost: "+host+"\r\n\r\n")
	waitSuspension(t, e)

	assert.ErrorIs(t, e.Shutdown(context.Background()), context.DeadlineExceeded)
	_, err = bufio.NewReader(conn).ReadByte()
	assert.Error(t, err, "connection is closed without a response")
}
