package intercept

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elazarl/intercept/http1"
	"github.com/elazarl/intercept/internal/signer"
	"github.com/elazarl/intercept/match"
)

var testCA = sync.OnceValues(func() (*tls.Certificate, error) {
	certPEM, keyPEM, err := signer.GenerateRoot("intercept test CA", time.Hour*24)
	if err != nil {
		return nil, err
	}
	return LoadCA(certPEM, keyPEM)
})

func caOrFail(t *testing.T) *tls.Certificate {
	ca, err := testCA()
	require.NoError(t, err)
	return ca
}

func trustingCA(t *testing.T) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(caOrFail(t).Leaf)
	return pool
}

type ConstantHandler string

func (h ConstantHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, string(h))
}

func backendMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/bobo", ConstantHandler("bobo"))
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		for k, vs := range r.Header {
			if strings.HasPrefix(k, "X-") {
				w.Header()[k] = vs
			}
		}
		io.Copy(w, r.Body)
	})
	return mux
}

func newBackend(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(backendMux())
	t.Cleanup(srv.Close)
	return srv
}

func newTLSBackend(t *testing.T) *httptest.Server {
	srv := httptest.NewTLSServer(backendMux())
	t.Cleanup(srv.Close)
	return srv
}

// recorder is a history sink keeping every exchange in memory.
type recorder struct {
	mu  sync.Mutex
	exs []*Exchange
}

func (r *recorder) Record(ex *Exchange) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exs = append(r.exs, ex)
	return strconv.Itoa(len(r.exs)), nil
}

func (r *recorder) Latest() (*Exchange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.exs) == 0 {
		return nil, false
	}
	return r.exs[len(r.exs)-1], true
}

func (r *recorder) all() []*Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Exchange(nil), r.exs...)
}

// wait blocks until n exchanges were recorded.
func (r *recorder) wait(t *testing.T, n int) []*Exchange {
	require.Eventually(t, func() bool { return len(r.all()) >= n }, 5*time.Second, 10*time.Millisecond)
	return r.all()
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Logger = nil
	opts.UpstreamProxy = ""
	return opts
}

// startEngine serves an engine built from opts on a loopback port.
func startEngine(t *testing.T, opts Options) (*Engine, string) {
	e, err := New(caOrFail(t), opts)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go e.Serve(ln)
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e, ln.Addr().String()
}

func proxyClient(t *testing.T, addr string) *http.Client {
	tr := &http.Transport{
		Proxy:           http.ProxyURL(&url.URL{Scheme: "http", Host: addr}),
		TLSClientConfig: &tls.Config{RootCAs: trustingCA(t)},
	}
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{Transport: tr}
}

// oneShotProxy starts an engine with a history recorder and returns a
// client using it.
func oneShotProxy(t *testing.T, tweak ...func(*Options)) (*http.Client, *Engine, *recorder) {
	rec := &recorder{}
	opts := testOptions()
	opts.History = rec
	for _, f := range tweak {
		f(&opts)
	}
	e, addr := startEngine(t, opts)
	return proxyClient(t, addr), e, rec
}

func get(url string, client *http.Client) ([]byte, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func getOrFail(t *testing.T, url string, client *http.Client) string {
	txt, err := get(url, client)
	require.NoError(t, err, "Can't fetch url %s", url)
	return string(txt)
}

func TestSimpleHttpReqWithProxy(t *testing.T) {
	client, _, rec := oneShotProxy(t)
	srv, tlsSrv := newBackend(t), newTLSBackend(t)

	assert.Equal(t, "bobo", getOrFail(t, srv.URL+"/bobo", client))
	assert.Equal(t, "bobo", getOrFail(t, srv.URL+"/bobo", client))
	assert.Equal(t, "bobo", getOrFail(t, tlsSrv.URL+"/bobo", client), "TLS server through the proxy")

	exs := rec.wait(t, 3)
	assert.Equal(t, "http", exs[0].Dest.Scheme)
	assert.False(t, exs[0].Tunneled)
	assert.Equal(t, "https", exs[2].Dest.Scheme)
	assert.True(t, exs[2].Tunneled)
	for _, ex := range exs {
		assert.True(t, ex.Complete())
		assert.NoError(t, ex.Err)
		assert.False(t, ex.Modified)
		assert.True(t, ex.Request.Frozen(), "recorded exchanges are sealed")
	}
}

func TestSimpleMitm(t *testing.T) {
	client, e, _ := oneShotProxy(t)
	tlsSrv := newTLSBackend(t)

	resp, err := client.Get(tlsSrv.URL + "/bobo")
	require.NoError(t, err)
	resp.Body.Close()
	require.NotNil(t, resp.TLS)
	leaf := resp.TLS.PeerCertificates[0]
	assert.Equal(t, caOrFail(t).Leaf.Subject.String(), leaf.Issuer.String(), "client talks to a leaf signed by the CA")
	assert.False(t, leaf.Equal(tlsSrv.Certificate()))
	assert.Equal(t, int64(1), e.Certs().Signings())

	getOrFail(t, tlsSrv.URL+"/bobo", client)
	assert.Equal(t, int64(1), e.Certs().Signings(), "leaf certificates are cached")
}

func TestSimpleHook(t *testing.T) {
	client, e, rec := oneShotProxy(t)
	srv := newBackend(t)

	e.OnRequest(match.SrcIPIs("127.0.0.1")).DoFunc("to-bobo", func(req *http1.Message, ctx *ProxyCtx) (Outcome, error) {
		req.Target = "/bobo"
		return Modified, nil
	})
	assert.Equal(t, "bobo", getOrFail(t, srv.URL+"/momo", client),
		"Redirecting all requests from 127.0.0.1 to bobo didn't work")

	exs := rec.wait(t, 1)
	assert.True(t, exs[0].Modified)
	assert.Equal(t, "/bobo", exs[0].Request.Target)
}

func TestRequestHeaderRewrite(t *testing.T) {
	client, e, _ := oneShotProxy(t)
	srv := newBackend(t)

	e.OnRequest(match.URLHasPrefix(srv.URL+"/echo")).DoFunc("tag", func(req *http1.Message, ctx *ProxyCtx) (Outcome, error) {
		return Modified, req.SetHeader("X-Intercepted", "yes")
	})

	resp, err := client.Get(srv.URL + "/echo")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "yes", resp.Header.Get("X-Intercepted"))

	resp, err = client.Get(srv.URL + "/bobo")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("X-Intercepted"), "condition limits the interceptor")
}

func TestReplaceResponse(t *testing.T) {
	client, e, rec := oneShotProxy(t)
	srv := newBackend(t)

	e.OnResponse().DoFunc("upper", func(resp *http1.Message, ctx *ProxyCtx) (Outcome, error) {
		return Modified, resp.SetBody(bytes.ToUpper(resp.Body))
	})

	resp, err := client.Get(srv.URL + "/bobo")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "BOBO", string(body))
	assert.Equal(t, int64(4), resp.ContentLength)

	exs := rec.wait(t, 1)
	assert.True(t, exs[0].Modified)
	assert.Equal(t, "BOBO", string(exs[0].Response.Body))
}

func TestCannedResponse(t *testing.T) {
	var dials int
	var mu sync.Mutex
	client, e, rec := oneShotProxy(t, func(o *Options) {
		o.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return nil, errors.New("no dialing expected")
		}
	})

	e.OnRequest(match.HostIs("blocked.example")).DoFunc("deny", func(req *http1.Message, ctx *ProxyCtx) (Outcome, error) {
		return Modified, ctx.Respond(NewResponse(req, http.StatusForbidden, "text/plain", "nope"))
	})
	var phases []Phase
	e.OnResponse().Observe("watch", func(resp *http1.Message, ctx *ProxyCtx) {
		mu.Lock()
		phases = append(phases, ctx.Phase)
		mu.Unlock()
	})

	resp, err := client.Get("http://blocked.example/anything")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "nope", string(body))

	mu.Lock()
	assert.Equal(t, []Phase{ResponsePhase}, phases, "the response phase still runs")
	assert.Zero(t, dials)
	mu.Unlock()
	exs := rec.wait(t, 1)
	assert.True(t, exs[0].Modified)
	assert.Equal(t, http.StatusForbidden, exs[0].Response.StatusCode)
}

func TestDropInterceptor(t *testing.T) {
	client, e, rec := oneShotProxy(t)
	srv := newBackend(t)

	e.OnRequest(match.URLHasPrefix(srv.URL + "/bobo")).DoFunc("drop", func(req *http1.Message, ctx *ProxyCtx) (Outcome, error) {
		return Drop, nil
	})
	_, err := client.Get(srv.URL + "/bobo")
	assert.Error(t, err, "dropped exchanges close the client connection")

	exs := rec.wait(t, 1)
	assert.ErrorIs(t, exs[0].Err, ErrDropped)
	assert.Nil(t, exs[0].Response)
}

// Scenario: a plain keep-alive GET through the proxy is relayed unmodified
// and recorded exactly once, and the client connection stays usable.
func TestKeepAliveRawExchange(t *testing.T) {
	_, e, rec := oneShotProxy(t)
	srv := newBackend(t)
	addr := listenerAddr(t, e)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	br := bufio.NewReader(conn)

	host := strings.TrimPrefix(srv.URL, "http://")
	for i := 1; i <= 2; i++ {
		_, err = io.WriteString(conn, "GET http://"+host+"/bobo HTTP/1.1\r\nHost: "+host+"\r\n\r\n")
		require.NoError(t, err)
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "bobo", string(body))
		assert.False(t, resp.Close, "connection is kept alive")

		exs := rec.wait(t, i)
		require.Len(t, exs, i, "one exchange per request")
		ex := exs[i-1]
		assert.False(t, ex.Modified)
		assert.Equal(t, "/bobo", ex.Request.Target, "forwarded in origin form")
		assert.Equal(t, "bobo", string(ex.Response.Body))
		assert.Equal(t, ex.ID, ex.Request.ID)
		assert.Equal(t, ex.ID, ex.Response.ID)
		assert.False(t, ex.StartedAt.After(ex.CompletedAt))
	}
	exs := rec.all()
	assert.Equal(t, exs[0].ConnID, exs[1].ConnID)
	assert.NotEqual(t, exs[0].ID, exs[1].ID)
}

// rawServer accepts TCP connections on a loopback port and hands each one to
// handle.
func rawServer(t *testing.T, handle func(net.Conn)) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(c)
		}
	}()
	return ln.Addr().String()
}

// Scenario: an upstream closing mid-response fails that exchange with 502
// while other connections carry on.
func TestUpstreamDropMidResponse(t *testing.T) {
	client, _, rec := oneShotProxy(t)
	healthy := newBackend(t)
	broken := rawServer(t, func(c net.Conn) {
		defer c.Close()
		if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
			return
		}
		io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial")
	})

	var wg sync.WaitGroup
	var healthyBody string
	var healthyErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		var b []byte
		b, healthyErr = get(healthy.URL+"/bobo", client)
		healthyBody = string(b)
	}()

	resp, err := client.Get("http://" + broken + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "[proxy] Bad Gateway")

	wg.Wait()
	require.NoError(t, healthyErr)
	assert.Equal(t, "bobo", healthyBody)

	exs := rec.wait(t, 2)
	var failed int
	for _, ex := range exs {
		if ex.Err != nil {
			failed++
			var ue *UpstreamError
			assert.ErrorAs(t, ex.Err, &ue)
			var te *TransportError
			assert.ErrorAs(t, ex.Err, &te, "a short body is an I/O failure")
			assert.False(t, http1.IsFramingError(ex.Err))
			assert.Nil(t, ex.Response)
		}
	}
	assert.Equal(t, 1, failed)
}

// Scenario: garbage from the upstream is the upstream's fault, not the
// client's.
func TestUpstreamMalformedResponse(t *testing.T) {
	client, _, rec := oneShotProxy(t)
	broken := rawServer(t, func(c net.Conn) {
		defer c.Close()
		if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
			return
		}
		io.WriteString(c, "HTTP/1.1 200 OK\r\nBad Header Line\r\n\r\n")
	})

	resp, err := client.Get("http://" + broken + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	exs := rec.wait(t, 1)
	var ue *UpstreamError
	require.ErrorAs(t, exs[0].Err, &ue)
	assert.True(t, http1.IsFramingError(exs[0].Err))
	assert.Equal(t, http.StatusBadGateway, statusFor(exs[0].Err))
}

func TestUpstreamTimeout(t *testing.T) {
	client, _, _ := oneShotProxy(t, func(o *Options) {
		o.ResponseTimeout = 100 * time.Millisecond
	})
	silent := rawServer(t, func(c net.Conn) {
		defer c.Close()
		http.ReadRequest(bufio.NewReader(c))
		time.Sleep(time.Second)
	})

	resp, err := client.Get("http://" + silent + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestNonProxyRequest(t *testing.T) {
	_, e, _ := oneShotProxy(t)
	addr := listenerAddr(t, e)

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "This is a proxy server")
}

func TestFailingInterceptorDoesNotBreakTraffic(t *testing.T) {
	client, e, _ := oneShotProxy(t, func(o *Options) {
		o.FailurePolicy = FailurePolicy{MaxConsecutiveFailures: 2}
	})
	srv := newBackend(t)

	id := e.OnRequest().DoFunc("panics", func(req *http1.Message, ctx *ProxyCtx) (Outcome, error) {
		panic("boom")
	})
	for i := 0; i < 3; i++ {
		assert.Equal(t, "bobo", getOrFail(t, srv.URL+"/bobo", client))
	}
	entries := e.Pipeline().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.False(t, entries[0].Enabled, "disabled after consecutive failures")
	assert.Equal(t, int64(2), entries[0].Failures)
}

func TestListenReportsBadBindings(t *testing.T) {
	e, err := New(caOrFail(t), testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { e.Shutdown(context.Background()) })

	lns, err := e.Listen([]Binding{{Addr: "127.0.0.1:0"}, {Addr: "127.0.0.1:99999"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:99999")
	require.Len(t, lns, 1, "the good binding is served anyway")

	srv := newBackend(t)
	client := proxyClient(t, lns[0].Addr().String())
	assert.Equal(t, "bobo", getOrFail(t, srv.URL+"/bobo", client))
}

func TestShutdown(t *testing.T) {
	client, e, rec := oneShotProxy(t)
	srv := newBackend(t)
	e.Breakpoints().AddRule("all", DirectionRequest, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := get(srv.URL+"/bobo", client)
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(e.Breakpoints().Pending()) == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Shutdown(ctx), context.DeadlineExceeded)
	assert.Error(t, <-errc, "the suspended exchange is dropped")
	assert.Empty(t, e.Breakpoints().Pending())

	exs := rec.all()
	require.Len(t, exs, 1, "history is drained on shutdown")
	assert.ErrorIs(t, exs[0].Err, ErrDropped)

	assert.ErrorIs(t, e.Shutdown(context.Background()), ErrEngineClosed)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, e.Serve(ln), ErrEngineClosed)
}

// listenerAddr returns the address of the only listener of e.
func listenerAddr(t *testing.T, e *Engine) string {
	var addr string
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		for ln := range e.listeners {
			addr = ln.Addr().String()
		}
		return len(e.listeners) == 1
	}, 5*time.Second, 10*time.Millisecond)
	return addr
}
