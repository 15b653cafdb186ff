package intercept

import (
	"net"
	"strconv"
	"time"

	"github.com/elazarl/intercept/http1"
	"github.com/elazarl/intercept/match"
)

// Destination is where an exchange is sent.
type Destination struct {
	Scheme string
	Host   string
	Port   int
}

func (d Destination) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Destination) String() string {
	return d.Scheme + "://" + d.Addr()
}

// Exchange pairs a request with its response. It is created when the
// request is parsed and must not be modified once recorded.
type Exchange struct {
	ID         int64
	ConnID     int64
	Dest       Destination
	RemoteAddr string
	// Tunneled is set for exchanges read from inside a CONNECT tunnel or a
	// transparently intercepted TLS connection.
	Tunneled bool

	Request  *http1.Message
	Response *http1.Message
	// Err is why the exchange did not complete, if it didn't.
	Err error
	// Modified is set when an interceptor or a breakpoint decision changed
	// either message.
	Modified bool

	StartedAt   time.Time
	CompletedAt time.Time
}

// Complete reports whether both the request and its response are present.
func (ex *Exchange) Complete() bool {
	return ex.Request != nil && ex.Response != nil
}

// Duration is the time between the request being read and the exchange
// completing.
func (ex *Exchange) Duration() time.Duration {
	if ex.CompletedAt.IsZero() {
		return 0
	}
	return ex.CompletedAt.Sub(ex.StartedAt)
}

func (ex *Exchange) subject() match.Subject {
	return match.Subject{
		Request:    ex.Request,
		Response:   ex.Response,
		Scheme:     ex.Dest.Scheme,
		Host:       ex.Dest.Host,
		Port:       ex.Dest.Port,
		RemoteAddr: ex.RemoteAddr,
	}
}

// view is a copy whose messages are frozen clones, handed to code that may
// look but not touch.
func (ex *Exchange) view() *Exchange {
	v := *ex
	if ex.Request != nil {
		v.Request = ex.Request.Clone()
		v.Request.Freeze()
	}
	if ex.Response != nil {
		v.Response = ex.Response.Clone()
		v.Response.Freeze()
	}
	return &v
}

// seal freezes both messages before the exchange leaves the engine.
func (ex *Exchange) seal() {
	if ex.Request != nil {
		ex.Request.Freeze()
	}
	if ex.Response != nil {
		ex.Response.Freeze()
	}
	if ex.CompletedAt.IsZero() {
		ex.CompletedAt = time.Now()
	}
}
