package har

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elazarl/intercept"
	"github.com/elazarl/intercept/http1"
)

// ConstantHandler is a simple HTTP handler that returns a constant response
type ConstantHandler string

func (h ConstantHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, string(h))
}

type collector struct {
	mu      sync.Mutex
	exports [][]Entry
}

func (c *collector) export(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exports = append(c.exports, entries)
}

func (c *collector) entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []Entry
	for _, e := range c.exports {
		all = append(all, e...)
	}
	return all
}

// createTestProxy starts an engine recording to logger. The returned stop
// function shuts it down, which flushes the history queue.
func createTestProxy(t *testing.T, logger *Logger) (*http.Client, func()) {
	dir := t.TempDir()
	ca, _, err := intercept.LoadOrCreateCA(filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca.key"))
	require.NoError(t, err)
	opts := intercept.DefaultOptions()
	opts.Logger = nil
	opts.UpstreamProxy = ""
	opts.History = logger
	engine, err := intercept.New(ca, opts)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go engine.Serve(ln)

	proxyURL := &url.URL{Scheme: "http", Host: ln.Addr().String()}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			client.CloseIdleConnections()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			engine.Shutdown(ctx)
			logger.Stop()
		})
	}
	t.Cleanup(stop)
	return client, stop
}

func TestHarLoggerBasicFunctionality(t *testing.T) {
	testCases := []struct {
		name        string
		method      string
		body        string
		contentType string
	}{
		{
			name:   "GET Request",
			method: http.MethodGet,
		},
		{
			name:        "POST Request",
			method:      http.MethodPost,
			body:        `{"test":"data"}`,
			contentType: "application/json",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			background := httptest.NewServer(ConstantHandler("hello world"))
			defer background.Close()

			c := &collector{}
			logger := NewLogger(c.export, WithContent())
			client, stop := createTestProxy(t, logger)

			req, err := http.NewRequest(tc.method, background.URL+"/path?q=1", strings.NewReader(tc.body))
			require.NoError(t, err)
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			resp, err := client.Do(req)
			require.NoError(t, err)
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			assert.Equal(t, "hello world", string(body))

			stop()

			entries := c.entries()
			require.Len(t, entries, 1)
			entry := entries[0]
			assert.Equal(t, tc.method, entry.Request.Method)
			assert.Equal(t, background.URL+"/path?q=1", entry.Request.Url)
			assert.Equal(t, []NameValuePair{{Name: "q", Value: "1"}}, entry.Request.QueryString)
			assert.Equal(t, 200, entry.Response.Status)
			assert.Equal(t, "hello world", entry.Response.Content.Text)
			if tc.body != "" {
				require.NotNil(t, entry.Request.PostData)
				assert.Equal(t, tc.body, entry.Request.PostData.Text)
			}

			ex, ok := logger.Latest()
			require.True(t, ok)
			assert.Equal(t, tc.method, ex.Request.Method)
		})
	}
}

func TestHarLoggerHeaders(t *testing.T) {
	background := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test-Header", "test-value")
		w.Write([]byte("test"))
	}))
	defer background.Close()

	c := &collector{}
	logger := NewLogger(c.export)
	client, stop := createTestProxy(t, logger)

	req, err := http.NewRequest("GET", background.URL, nil)
	require.NoError(t, err)
	req.Header.Set("X-Custom-Header", "custom-value")
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	stop()

	entries := c.entries()
	require.Len(t, entries, 1)
	entry := entries[0]

	reqHeaders := make(map[string]string)
	for _, h := range entry.Request.Headers {
		reqHeaders[h.Name] = h.Value
	}
	assert.Equal(t, "custom-value", reqHeaders["X-Custom-Header"])

	respHeaders := make(map[string]string)
	for _, h := range entry.Response.Headers {
		respHeaders[h.Name] = h.Value
	}
	assert.Equal(t, "test-value", respHeaders["X-Test-Header"])
	assert.Empty(t, entry.Response.Content.Text, "content is only captured on request")
}

func TestHarLoggerExportThreshold(t *testing.T) {
	c := &collector{}
	logger := NewLogger(c.export, WithExportThreshold(2))

	for i := 0; i < 3; i++ {
		_, err := logger.Record(testExchange())
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(c.entries()) == 2 }, time.Second, 10*time.Millisecond)

	logger.Stop()
	assert.Len(t, c.entries(), 3, "Stop exports the remainder")
	c.mu.Lock()
	assert.Len(t, c.exports, 2)
	c.mu.Unlock()
}

func TestHarLoggerExportInterval(t *testing.T) {
	c := &collector{}
	logger := NewLogger(c.export, WithExportThreshold(0), WithExportInterval(50*time.Millisecond))
	defer logger.Stop()

	for i := 0; i < 3; i++ {
		_, err := logger.Record(testExchange())
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool { return len(c.entries()) == 3 }, time.Second, 10*time.Millisecond)
}

func testExchange() *intercept.Exchange {
	req := http1.NewRequest("POST", "/login", []byte("user=a&pass=b"))
	req.Header.Set("Host", "example.com")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", "session=abc")
	resp := http1.NewResponse(302, "Found", nil)
	resp.Header.Set("Location", "/home")
	resp.Header.Set("Set-Cookie", "session=def; Path=/; HttpOnly")

	start := time.Now()
	req.ReceivedAt = start
	req.SentAt = start.Add(time.Millisecond)
	resp.ReceivedAt = start.Add(5 * time.Millisecond)
	resp.SentAt = start.Add(6 * time.Millisecond)
	return &intercept.Exchange{
		ID:          1,
		Dest:        intercept.Destination{Scheme: "https", Host: "example.com", Port: 443},
		RemoteAddr:  "127.0.0.1:5555",
		Request:     req,
		Response:    resp,
		StartedAt:   start,
		CompletedAt: start.Add(6 * time.Millisecond),
	}
}

func TestParseExchange(t *testing.T) {
	entry := ParseExchange(testExchange(), true)

	assert.Equal(t, "https://example.com/login", entry.Request.Url)
	assert.Equal(t, int64(6), entry.Time)
	assert.Equal(t, Timings{Send: 1, Wait: 4, Receive: 1}, entry.Timings)
	require.Len(t, entry.Request.Cookies, 1)
	assert.Equal(t, "abc", entry.Request.Cookies[0].Value)
	require.NotNil(t, entry.Request.PostData)
	assert.ElementsMatch(t, []PostDataParam{{Name: "user", Value: "a"}, {Name: "pass", Value: "b"}}, entry.Request.PostData.Params)

	assert.Equal(t, 302, entry.Response.Status)
	assert.Equal(t, "/home", entry.Response.RedirectUrl)
	require.Len(t, entry.Response.Cookies, 1)
	assert.True(t, entry.Response.Cookies[0].HttpOnly)

	har := New()
	har.AppendEntry(entry)
	b, err := json.Marshal(har)
	require.NoError(t, err)
	var back Har
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "1.2", back.Log.Version)
	assert.Len(t, back.Log.Entries, 1)
}

func TestParseFailedExchange(t *testing.T) {
	ex := testExchange()
	ex.Response = nil
	ex.Err = intercept.ErrDropped
	entry := ParseExchange(ex, false)
	require.NotNil(t, entry.Response)
	assert.Equal(t, 0, entry.Response.Status)
	assert.Equal(t, intercept.ErrDropped.Error(), entry.Comment)
}
