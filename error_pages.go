package intercept

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/elazarl/intercept/http1"
)

// ErrorPages are HTML templates for failed exchanges. "%H" is replaced with
// the destination host.
type ErrorPages struct {
	ErrorPageConnect []byte
	ErrorPageDNS     []byte
	ErrorPageGeneral []byte
}

// Response builds the error page for err, picking the template by the kind
// of error. It returns nil unless all the templates are set.
func (e *ErrorPages) Response(err error, host string) *http1.Message {
	if !e.Enabled() {
		return nil
	}

	var (
		status int
		tmpl   []byte
		dnsErr *net.DNSError
		opErr  *net.OpError
	)
	switch {
	case statusFor(err) != http.StatusBadGateway:
		status, tmpl = statusFor(err), e.ErrorPageGeneral
	case errors.As(err, &dnsErr):
		status, tmpl = http.StatusBadGateway, e.ErrorPageDNS
	case errors.As(err, &opErr):
		status, tmpl = http.StatusBadGateway, e.ErrorPageConnect
	default:
		status, tmpl = statusFor(err), e.ErrorPageGeneral
	}

	resp := http1.NewResponse(status, "", []byte(strings.ReplaceAll(string(tmpl), "%H", host)))
	resp.Header.Set("Content-Type", "text/html")
	resp.Header.Set("Connection", "close")
	return resp
}

// Handler adapts the pages to Options.ErrorHandler.
func (e *ErrorPages) Handler() func(ctx *ProxyCtx, err error) *http1.Message {
	return func(ctx *ProxyCtx, err error) *http1.Message {
		host := ctx.Host
		if ctx.Exchange != nil {
			host = ctx.Exchange.Dest.Host
		}
		return e.Response(err, stripPort(host))
	}
}

// Enabled returns true if all of the error pages are set.
func (e *ErrorPages) Enabled() bool {
	return e.ErrorPageConnect != nil && e.ErrorPageDNS != nil && e.ErrorPageGeneral != nil
}
