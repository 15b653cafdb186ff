// Package sniff looks at the first bytes of accepted connections to tell
// TLS from plaintext without losing what was read.
package sniff

import (
	"bufio"
	"errors"
	"net"
	"time"

	vhost "github.com/inconshreveable/go-vhost"
)

// ErrNoSNI is returned for TLS clients that did not send a server name.
var ErrNoSNI = errors.New("sniff: client hello has no server name")

// Conn is a net.Conn whose reads go through a buffer that can be peeked
// without consuming.
type Conn struct {
	net.Conn
	r *bufio.Reader
}

func NewConn(c net.Conn) *Conn {
	if sc, ok := c.(*Conn); ok {
		return sc
	}
	return &Conn{Conn: c, r: bufio.NewReader(c)}
}

// WrapConn is like NewConn but keeps the bytes already buffered in r.
func WrapConn(c net.Conn, r *bufio.Reader) *Conn {
	return &Conn{Conn: c, r: r}
}

func (c *Conn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// Reader is the buffer reads go through.
func (c *Conn) Reader() *bufio.Reader { return c.r }

func (c *Conn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}

// IsTLSHandshake checks if the given byte slice starts with a TLS handshake record.
// TLS records start with content type 0x16 (handshake) followed by version bytes.
func IsTLSHandshake(data []byte) bool {
	if len(data) < 3 {
		return false
	}
	// TLS record: ContentType(1) | Version(2) | Length(2) | ...
	if data[0] != 0x16 {
		return false
	}
	// SSL 3.0 (0x0300) up to TLS 1.3 (0x0304)
	return data[1] == 0x03 && data[2] <= 0x04
}

// IsTLS peeks at the first bytes of c and reports whether they open a TLS
// handshake. timeout bounds the wait for the client to speak.
func IsTLS(c *Conn, timeout time.Duration) (bool, error) {
	if timeout > 0 {
		if err := c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return false, err
		}
		defer c.SetReadDeadline(time.Time{})
	}
	b, err := c.Peek(3)
	if len(b) > 0 && b[0] != 0x16 {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return IsTLSHandshake(b), nil
}

// ServerName reads the TLS ClientHello from c and returns the server name it
// asks for, along with a connection that replays the hello.
func ServerName(c net.Conn) (net.Conn, string, error) {
	tlsConn, err := vhost.TLS(c)
	if err != nil {
		return nil, "", err
	}
	host := tlsConn.Host()
	if host == "" {
		return tlsConn, "", ErrNoSNI
	}
	return tlsConn, host, nil
}
