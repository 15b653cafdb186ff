package http1

import (
	"io"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// bodies up to this size are written together with the head
const inlineBody = 32 << 10

// WriteTo serializes the message. Unmodified fields are written exactly as
// they were received; Content-Length is recomputed when the body length
// changed and modified chunked bodies are re-chunked.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if m.startUntouched() {
		buf.WriteString(m.rawStart)
	} else {
		buf.WriteString(m.startLine())
	}

	for _, h := range m.outgoingHeaders() {
		writeHeader(buf, h)
	}
	if m.rawEnd != "" {
		buf.WriteString(m.rawEnd)
	} else {
		buf.WriteString("\r\n")
	}

	var body []byte
	switch {
	case m.bodiless():
	case m.Framing == FramingChunked:
		if m.wireReusable() {
			body = m.wire
		} else {
			body = encodeChunked(m.Body, m.Trailer)
		}
	default:
		body = m.Body
	}

	if len(body) <= inlineBody {
		buf.Write(body)
		n, err := w.Write(buf.B)
		return int64(n), err
	}
	n, err := w.Write(buf.B)
	if err != nil {
		return int64(n), err
	}
	bn, err := w.Write(body)
	return int64(n + bn), err
}

// Write serializes m to w.
func Write(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

// Bytes returns the serialized message.
func (m *Message) Bytes() []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	m.WriteTo(buf)
	return append([]byte(nil), buf.B...)
}

func (m *Message) outgoingHeaders() Headers {
	hs := m.Header
	if m.bodiless() {
		// a HEAD answer keeps the length the GET would have had
		return hs
	}
	switch m.Framing {
	case FramingNone:
		if len(m.Body) > 0 {
			hs = hs.Clone()
			hs.Set("Content-Length", strconv.Itoa(len(m.Body)))
		}
	case FramingLength:
		if m.ContentLength() != int64(len(m.Body)) {
			hs = hs.Clone()
			hs.Set("Content-Length", strconv.Itoa(len(m.Body)))
		}
	case FramingChunked:
		if hs.Has("Content-Length") || !hs.HasToken("Transfer-Encoding", "chunked") {
			hs = hs.Clone()
			hs.Del("Content-Length")
			if !hs.HasToken("Transfer-Encoding", "chunked") {
				hs.Add("Transfer-Encoding", "chunked")
			}
		}
	}
	return hs
}

func writeHeader(buf *bytebufferpool.ByteBuffer, h Header) {
	if h.untouched() {
		buf.WriteString(h.raw)
		return
	}
	buf.WriteString(h.Name)
	buf.WriteString(": ")
	buf.WriteString(h.Value)
	buf.WriteString("\r\n")
}

func encodeChunked(body []byte, trailer Headers) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if len(body) > 0 {
		buf.WriteString(strconv.FormatInt(int64(len(body)), 16))
		buf.WriteString("\r\n")
		buf.Write(body)
		buf.WriteString("\r\n")
	}
	buf.WriteString("0\r\n")
	for _, t := range trailer {
		writeHeader(buf, t)
	}
	buf.WriteString("\r\n")
	return append([]byte(nil), buf.B...)
}

// SyncFraming updates the framing headers in place to match the body, so
// that the header block shows what will be sent.
func (m *Message) SyncFraming() error {
	if m.frozen {
		return ErrFrozen
	}
	m.Header = m.outgoingHeaders()
	return nil
}
