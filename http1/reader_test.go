package http1_test

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/elazarl/intercept/http1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reader(s string) *http1.Reader {
	return http1.NewReader(strings.NewReader(s))
}

func TestRoundTripRequest(t *testing.T) {
	inputs := []string{
		"GET /a HTTP/1.1\r\nHost: example.com\r\n\r\n",
		"POST /index.html HTTP/1.1\r\n" +
			"Host: www.test.com\r\n" +
			"accept:*/*\r\n" +
			"Content-Length: 17\r\n" +
			"lowercase:   3z\r\n" +
			"X-Dup: 1\r\n" +
			"x-dup: 2\r\n" +
			"\r\n" +
			`{"hello":"world"}`,
		"PUT /up HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" +
			"5;ext=1\r\nhello\r\n6\r\n world\r\n0\r\nX-Trailer: t\r\n\r\n",
		"GET / HTTP/1.0\nHost: lf-only\n\n",
	}
	for _, in := range inputs {
		m, err := reader(in).ReadRequest()
		require.NoError(t, err, in)
		assert.Equal(t, in, string(m.Bytes()))
	}
}

func TestRoundTripResponse(t *testing.T) {
	in := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"3\r\nabc\r\n1\r\nd\r\n0\r\n\r\n"
	m, err := reader(in).ReadResponse("GET")
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(m.Body))
	assert.Equal(t, http1.FramingChunked, m.Framing)
	assert.Equal(t, in, string(m.Bytes()))
}

func TestHeaderOrderAndCasing(t *testing.T) {
	m, err := reader("GET / HTTP/1.1\r\nzeta: 1\r\nAlpha: 2\r\nZETA: 3\r\n\r\n").ReadRequest()
	require.NoError(t, err)
	require.Len(t, m.Header, 3)
	assert.Equal(t, "zeta", m.Header[0].Name)
	assert.Equal(t, []string{"1", "3"}, m.Header.Values("Zeta"))

	m.Header.Set("Zeta", "9")
	assert.Equal(t, "GET / HTTP/1.1\r\nzeta: 9\r\nAlpha: 2\r\n\r\n", string(m.Bytes()))
}

func TestModifiedBodyRecomputesLength(t *testing.T) {
	m, err := reader("POST /p HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\nX: y\r\n\r\nabc").ReadRequest()
	require.NoError(t, err)
	require.NoError(t, m.SetBody([]byte("hello world")))
	assert.Equal(t, "POST /p HTTP/1.1\r\nHost: h\r\nContent-Length: 11\r\nX: y\r\n\r\nhello world", string(m.Bytes()))
}

func TestModifiedChunkedBodyIsRechunked(t *testing.T) {
	m, err := reader("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nab\r\n2\r\ncd\r\n0\r\n\r\n").ReadResponse("GET")
	require.NoError(t, err)
	require.NoError(t, m.SetBody([]byte("xyz")))
	out := string(m.Bytes())
	assert.Equal(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nxyz\r\n0\r\n\r\n", out)
	assert.NotContains(t, out, "Content-Length")

	again, err := reader(out).ReadResponse("GET")
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(again.Body))
}

func TestChunkBoundariesDoNotAffectContent(t *testing.T) {
	a, err := reader("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n1\r\na\r\n3\r\nbcd\r\n0\r\n\r\n").ReadResponse("GET")
	require.NoError(t, err)
	b, err := reader("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nabcd\r\n0\r\n\r\n").ReadResponse("GET")
	require.NoError(t, err)
	assert.Equal(t, a.Body, b.Body)

	a.Body = append([]byte(nil), a.Body...)
	a.Body[0] = 'a' // same content, fresh slice
	assert.Equal(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n1\r\na\r\n3\r\nbcd\r\n0\r\n\r\n", string(a.Bytes()))
}

func TestFramingErrors(t *testing.T) {
	cases := map[string]string{
		"bad chunk size":      "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n",
		"missing chunk CRLF":  "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabcXX0\r\n\r\n",
		"both lengths":        "POST / HTTP/1.1\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n",
		"conflicting lengths": "POST / HTTP/1.1\r\nContent-Length: 3\r\nContent-Length: 4\r\n\r\nabcd",
		"negative length":     "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n",
		"bad header":          "GET / HTTP/1.1\r\nno colon here\r\n\r\n",
		"space before colon":  "GET / HTTP/1.1\r\nHost : x\r\n\r\n",
		"bad request line":    "GET /\r\n\r\n",
		"bad version":         "GET / HTTP/one\r\n\r\n",
		"non-chunked request": "POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reader(in).ReadRequest()
			require.Error(t, err)
			assert.True(t, http1.IsFramingError(err), "%v", err)
		})
	}
}

func TestTruncatedBodyIsTransportError(t *testing.T) {
	_, err := reader("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc").ReadResponse("GET")
	require.Error(t, err)
	assert.False(t, http1.IsFramingError(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCloseDelimitedResponse(t *testing.T) {
	m, err := reader("HTTP/1.0 200 OK\r\nServer: old\r\n\r\nall the rest").ReadResponse("GET")
	require.NoError(t, err)
	assert.Equal(t, http1.FramingClose, m.Framing)
	assert.Equal(t, "all the rest", string(m.Body))
	assert.False(t, m.KeepAlive())
}

func TestBodylessResponses(t *testing.T) {
	m, err := reader("HTTP/1.1 200 OK\r\nContent-Length: 42\r\n\r\n").ReadResponse("HEAD")
	require.NoError(t, err)
	assert.Empty(t, m.Body)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 42\r\n\r\n", string(m.Bytes()))

	m, err = reader("HTTP/1.1 304 Not Modified\r\nETag: x\r\n\r\n").ReadResponse("GET")
	require.NoError(t, err)
	assert.Equal(t, http1.FramingNone, m.Framing)
}

func TestBodylessResponseRefusesBody(t *testing.T) {
	m, err := reader("HTTP/1.1 200 OK\r\nContent-Length: 42\r\n\r\n").ReadResponse("HEAD")
	require.NoError(t, err)
	assert.ErrorIs(t, m.SetBody([]byte("x")), http1.ErrBodyNotAllowed)
	assert.NoError(t, m.SetBody(nil))

	for _, raw := range []string{
		"HTTP/1.1 204 No Content\r\nServer: s\r\n\r\n",
		"HTTP/1.1 304 Not Modified\r\nETag: x\r\n\r\n",
	} {
		m, err := reader(raw).ReadResponse("GET")
		require.NoError(t, err)
		assert.ErrorIs(t, m.SetBody([]byte("x")), http1.ErrBodyNotAllowed, raw)
		m.Body = []byte("assigned directly")
		assert.Equal(t, raw, string(m.Bytes()), "no body and no length on the wire")
	}
}

func TestStatusChangedToNoContentDropsBody(t *testing.T) {
	m, err := reader("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok").ReadResponse("GET")
	require.NoError(t, err)
	m.StatusCode = 204
	m.Reason = "No Content"
	out := string(m.Bytes())
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 204 No Content\r\n"), out)
	assert.False(t, strings.HasSuffix(out, "ok"), out)
}

func TestInterimResponsesAreSkipped(t *testing.T) {
	m, err := reader("HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 201 Created\r\nContent-Length: 2\r\n\r\nok").ReadResponse("POST")
	require.NoError(t, err)
	assert.Equal(t, 201, m.StatusCode)
	assert.Equal(t, "ok", string(m.Body))
}

func TestExpectContinueHook(t *testing.T) {
	r := reader("POST / HTTP/1.1\r\nExpect: 100-continue\r\nContent-Length: 2\r\n\r\nhi")
	called := false
	r.BeforeBody = func(req *http1.Message) error {
		called = true
		assert.Empty(t, req.Body)
		return nil
	}
	m, err := r.ReadRequest()
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "hi", string(m.Body))
}

func TestRequestsSequence(t *testing.T) {
	data := "GET /1 HTTP/1.1\r\nHost: a\r\n\r\n" +
		"POST /2 HTTP/1.1\r\nHost: a\r\nContent-Length: 1\r\n\r\nx" +
		"GET /3 HTTP/1.1\r\nHost: a\r\n\r\n"
	var targets []string
	for m, err := range reader(data).Requests() {
		require.NoError(t, err)
		targets = append(targets, m.Target)
	}
	assert.Equal(t, []string{"/1", "/2", "/3"}, targets)
}

func TestBodyLimit(t *testing.T) {
	r := reader("POST / HTTP/1.1\r\nContent-Length: 100\r\n\r\n")
	r.MaxBodyBytes = 10
	_, err := r.ReadRequest()
	require.Error(t, err)
	assert.ErrorIs(t, err, http1.ErrBodyTooLarge)
}

func TestFrozenMessage(t *testing.T) {
	m := http1.NewRequest("GET", "/", nil)
	m.Freeze()
	assert.ErrorIs(t, m.SetBody([]byte("x")), http1.ErrFrozen)
	assert.ErrorIs(t, m.SetHeader("A", "b"), http1.ErrFrozen)
	assert.False(t, m.Clone().Frozen())
}

func TestDecodedBody(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte("zipped"))
	zw.Close()

	m := http1.NewResponse(200, "", gz.Bytes())
	m.Header.Set("Content-Encoding", "gzip")
	b, err := m.DecodedBody()
	require.NoError(t, err)
	assert.Equal(t, "zipped", string(b))

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	bw.Write([]byte("brotli body"))
	bw.Close()

	m = http1.NewResponse(200, "", br.Bytes())
	m.Header.Set("Content-Encoding", "br")
	b, err = m.DecodedBody()
	require.NoError(t, err)
	assert.Equal(t, "brotli body", string(b))

	m.Header.Set("Content-Encoding", "compress")
	_, err = m.DecodedBody()
	assert.Error(t, err)
}

func TestSyncFraming(t *testing.T) {
	m, err := reader("POST /p HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc").ReadRequest()
	require.NoError(t, err)
	require.NoError(t, m.SetBody([]byte("abcdef")))
	require.NoError(t, m.SyncFraming())
	assert.Equal(t, "6", m.Header.Get("Content-Length"))

	m.Freeze()
	assert.ErrorIs(t, m.SyncFraming(), http1.ErrFrozen)
}
