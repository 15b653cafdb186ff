package http1

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxHeaderBytes = 1 << 20
	DefaultMaxBodyBytes   = 64 << 20

	maxChunkLine = 4096
)

// ErrBodyTooLarge is wrapped in a FramingError when a body exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("http1: body exceeds limit")

// FramingError reports bytes that do not form a valid HTTP/1 message. It is
// distinct from transport failures, which are returned unwrapped.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return "http1: " + e.Reason + ": " + e.Err.Error()
	}
	return "http1: " + e.Reason
}

func (e *FramingError) Unwrap() error { return e.Err }

func framingErr(format string, args ...any) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// IsFramingError reports whether err is, or wraps, a *FramingError.
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

// Reader parses a stream of HTTP/1 messages.
type Reader struct {
	br *bufio.Reader

	MaxHeaderBytes int
	MaxBodyBytes   int64

	// BeforeBody, if set, is called for requests carrying
	// "Expect: 100-continue" once the head is parsed and before the body is
	// read.
	BeforeBody func(req *Message) error

	now func() time.Time
}

// NewReader wraps r. An existing *bufio.Reader is used as is so that bytes
// already buffered by a caller are not lost.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{
		br:             br,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		now:            time.Now,
	}
}

// Buffered returns the underlying buffered reader.
func (r *Reader) Buffered() *bufio.Reader { return r.br }

// ReadRequest reads the next request. It returns io.EOF if the stream ended
// cleanly between messages.
func (r *Reader) ReadRequest() (*Message, error) {
	m := &Message{}
	if err := r.readHead(m); err != nil {
		return nil, err
	}
	m.ReceivedAt = r.now()
	framing, err := requestFraming(m)
	if err != nil {
		return nil, err
	}
	m.Framing = framing
	if framing != FramingNone && r.BeforeBody != nil && m.Header.HasToken("Expect", "100-continue") {
		if err := r.BeforeBody(m); err != nil {
			return nil, err
		}
	}
	if err := r.readBody(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadResponse reads the final response to a request sent with method.
// Interim 1xx responses other than 101 are consumed and discarded.
func (r *Reader) ReadResponse(method string) (*Message, error) {
	for {
		m := &Message{response: true}
		if err := r.readHead(m); err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		m.ReceivedAt = r.now()
		if m.StatusCode >= 100 && m.StatusCode < 200 && m.StatusCode != 101 {
			continue
		}
		framing, err := responseFraming(m, method)
		if err != nil {
			return nil, err
		}
		m.Framing = framing
		m.head = method == "HEAD"
		if err := r.readBody(m); err != nil {
			return nil, err
		}
		return m, nil
	}
}

// Requests yields requests until the stream ends or an error occurs. A
// clean end of stream is not reported as an error.
func (r *Reader) Requests() iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for {
			m, err := r.ReadRequest()
			if err == io.EOF {
				return
			}
			if !yield(m, err) || err != nil {
				return
			}
		}
	}
}

func (r *Reader) readLine(limit int) ([]byte, error) {
	var line []byte
	for {
		frag, err := r.br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > limit {
			return nil, &FramingError{Reason: "header too large"}
		}
		if err == nil {
			return line, nil
		}
		if err != bufio.ErrBufferFull {
			if err == io.EOF && len(line) > 0 {
				return line, io.ErrUnexpectedEOF
			}
			return line, err
		}
	}
}

func (r *Reader) readHead(m *Message) error {
	budget := r.headerLimit()

	var first []byte
	for {
		line, err := r.readLine(budget)
		if err != nil {
			return err
		}
		if isBlank(line) {
			// stray CRLF between messages
			continue
		}
		first = line
		break
	}
	budget -= len(first)
	m.rawStart = string(first)
	if err := parseStartLine(m, trimEOL(first)); err != nil {
		return err
	}

	for {
		line, err := r.readLine(budget)
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		budget -= len(line)
		if isBlank(line) {
			m.rawEnd = string(line)
			return nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(m.Header) == 0 {
				return framingErr("continuation line before first header")
			}
			h := &m.Header[len(m.Header)-1]
			h.Value = strings.TrimSpace(h.Value + " " + strings.TrimSpace(string(trimEOL(line))))
			h.raw += string(line)
			h.rawValue = h.Value
			continue
		}
		h, err := parseHeaderLine(line)
		if err != nil {
			return err
		}
		m.Header = append(m.Header, h)
	}
}

func parseStartLine(m *Message, line []byte) error {
	s := string(line)
	if m.response {
		proto, rest, ok := strings.Cut(s, " ")
		if !ok {
			return framingErr("malformed status line %q", s)
		}
		code, reason, _ := strings.Cut(rest, " ")
		if _, _, ok := parseHTTPVersion(proto); !ok {
			return framingErr("malformed HTTP version %q", proto)
		}
		if len(code) != 3 {
			return framingErr("malformed status code %q", code)
		}
		status, err := strconv.Atoi(code)
		if err != nil || status < 100 {
			return framingErr("malformed status code %q", code)
		}
		m.Proto, m.StatusCode, m.Reason = proto, status, reason
		m.startParts = [3]string{proto, code, reason}
		return nil
	}

	method, rest, ok1 := strings.Cut(s, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || target == "" {
		return framingErr("malformed request line %q", s)
	}
	if !validToken(method) {
		return framingErr("invalid method %q", method)
	}
	if _, _, ok := parseHTTPVersion(proto); !ok {
		return framingErr("malformed HTTP version %q", proto)
	}
	m.Method, m.Target, m.Proto = method, target, proto
	m.startParts = [3]string{method, target, proto}
	return nil
}

func parseHeaderLine(line []byte) (Header, error) {
	content := trimEOL(line)
	i := bytes.IndexByte(content, ':')
	if i <= 0 {
		return Header{}, framingErr("malformed header line %q", content)
	}
	name := string(content[:i])
	if !validToken(name) {
		return Header{}, framingErr("invalid header name %q", name)
	}
	value := strings.TrimSpace(string(content[i+1:]))
	return Header{
		Name:     name,
		Value:    value,
		raw:      string(line),
		rawName:  name,
		rawValue: value,
	}, nil
}

func requestFraming(m *Message) (Framing, error) {
	te := m.Header.Has("Transfer-Encoding")
	cl, hasCL, err := declaredLength(m.Header)
	if err != nil {
		return 0, err
	}
	if te && hasCL {
		return 0, framingErr("both Content-Length and Transfer-Encoding present")
	}
	if te {
		if !strings.EqualFold(m.Header.lastToken("Transfer-Encoding"), "chunked") {
			return 0, framingErr("request transfer coding does not end in chunked")
		}
		return FramingChunked, nil
	}
	if hasCL && cl >= 0 {
		return FramingLength, nil
	}
	return FramingNone, nil
}

func responseFraming(m *Message, method string) (Framing, error) {
	if method == "HEAD" || !bodyAllowedForStatus(m.StatusCode) {
		return FramingNone, nil
	}
	if method == "CONNECT" && m.StatusCode >= 200 && m.StatusCode < 300 {
		return FramingNone, nil
	}
	te := m.Header.Has("Transfer-Encoding")
	_, hasCL, err := declaredLength(m.Header)
	if err != nil {
		return 0, err
	}
	if te && hasCL {
		return 0, framingErr("both Content-Length and Transfer-Encoding present")
	}
	if te {
		if strings.EqualFold(m.Header.lastToken("Transfer-Encoding"), "chunked") {
			return FramingChunked, nil
		}
		return FramingClose, nil
	}
	if hasCL {
		return FramingLength, nil
	}
	return FramingClose, nil
}

func declaredLength(hs Headers) (int64, bool, error) {
	vals := hs.Values("Content-Length")
	if len(vals) == 0 {
		return -1, false, nil
	}
	var n int64 = -1
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" || strings.TrimLeft(part, "0123456789") != "" {
				return 0, false, framingErr("invalid Content-Length %q", v)
			}
			x, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return 0, false, &FramingError{Reason: "invalid Content-Length", Err: err}
			}
			if n >= 0 && x != n {
				return 0, false, framingErr("conflicting Content-Length values")
			}
			n = x
		}
	}
	return n, true, nil
}

func (r *Reader) headerLimit() int {
	if r.MaxHeaderBytes <= 0 {
		return DefaultMaxHeaderBytes
	}
	return r.MaxHeaderBytes
}

func (r *Reader) bodyLimit() int64 {
	if r.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return r.MaxBodyBytes
}

func (r *Reader) readBody(m *Message) error {
	switch m.Framing {
	case FramingNone:
		return nil
	case FramingLength:
		n, _, err := declaredLength(m.Header)
		if err != nil {
			return err
		}
		if n > r.bodyLimit() {
			return &FramingError{Reason: "content length", Err: ErrBodyTooLarge}
		}
		m.Body = make([]byte, n)
		if _, err := io.ReadFull(r.br, m.Body); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("reading body: %w", err)
		}
		return nil
	case FramingChunked:
		return r.readChunked(m)
	case FramingClose:
		b, err := io.ReadAll(io.LimitReader(r.br, r.bodyLimit()+1))
		if err != nil {
			return fmt.Errorf("reading body: %w", err)
		}
		if int64(len(b)) > r.bodyLimit() {
			return &FramingError{Reason: "close-delimited body", Err: ErrBodyTooLarge}
		}
		m.Body = b
		return nil
	}
	return framingErr("unknown framing %v", m.Framing)
}

func (r *Reader) readChunked(m *Message) error {
	var body, wire []byte
	limit := r.bodyLimit()
	for {
		line, err := r.readLine(maxChunkLine)
		if err != nil {
			if IsFramingError(err) {
				return framingErr("chunk size line too long")
			}
			return fmt.Errorf("reading chunk size: %w", eofUnexpected(err))
		}
		wire = append(wire, line...)
		size, err := parseChunkSize(trimEOL(line))
		if err != nil {
			return err
		}
		if size == 0 {
			break
		}
		if int64(len(body))+size > limit {
			return &FramingError{Reason: "chunked body", Err: ErrBodyTooLarge}
		}
		start := len(body)
		body = append(body, make([]byte, size)...)
		if _, err := io.ReadFull(r.br, body[start:]); err != nil {
			return fmt.Errorf("reading chunk: %w", eofUnexpected(err))
		}
		wire = append(wire, body[start:]...)
		var crlf [2]byte
		if _, err := io.ReadFull(r.br, crlf[:]); err != nil {
			return fmt.Errorf("reading chunk terminator: %w", eofUnexpected(err))
		}
		if crlf != [2]byte{'\r', '\n'} {
			return framingErr("chunk data not followed by CRLF")
		}
		wire = append(wire, crlf[:]...)
	}

	for {
		line, err := r.readLine(r.headerLimit())
		if err != nil {
			if IsFramingError(err) {
				return err
			}
			return fmt.Errorf("reading trailer: %w", eofUnexpected(err))
		}
		wire = append(wire, line...)
		if isBlank(line) {
			break
		}
		h, err := parseHeaderLine(line)
		if err != nil {
			return err
		}
		m.Trailer = append(m.Trailer, h)
	}

	if body == nil {
		body = []byte{}
	}
	m.Body = body
	m.wire = wire
	m.wireSum = chunkSum(m.Body, m.Trailer)
	return nil
}

func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 || len(line) > 16 {
		return 0, framingErr("invalid chunk size %q", line)
	}
	var n int64
	for _, c := range line {
		var d byte
		switch {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		default:
			return 0, framingErr("invalid chunk size %q", line)
		}
		if n > (1<<63-1)>>4 {
			return 0, framingErr("chunk size overflow")
		}
		n = n<<4 | int64(d)
	}
	return n, nil
}

func chunkSum(body []byte, trailer Headers) [32]byte {
	h := sha256.New()
	h.Write(body)
	for _, t := range trailer {
		h.Write([]byte{0})
		h.Write([]byte(t.Name))
		h.Write([]byte{':'})
		h.Write([]byte(t.Value))
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func eofUnexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func isBlank(line []byte) bool {
	return len(trimEOL(line)) == 0
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	return bytes.TrimSuffix(line, []byte{'\r'})
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`"(),/:;<=>?@[\]{}`, c) >= 0 {
			return false
		}
	}
	return true
}
