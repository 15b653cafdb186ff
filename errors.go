package intercept

import (
	"errors"
	"net"
	"net/http"

	"github.com/elazarl/intercept/http1"
)

var (
	// ErrDropped is recorded on exchanges that an interceptor or a
	// breakpoint decision dropped.
	ErrDropped = errors.New("intercept: exchange dropped")
	// ErrSuspensionNotFound is returned when resuming an exchange that is
	// not (or no longer) suspended.
	ErrSuspensionNotFound = errors.New("intercept: no such suspended exchange")
	// ErrFrozen is returned when mutating a message already forwarded.
	ErrFrozen = http1.ErrFrozen
	// ErrEngineClosed is returned by Serve after Shutdown.
	ErrEngineClosed = errors.New("intercept: engine closed")
)

// TransportError is a socket failure on one leg of a connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "intercept: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// CertificateError reports a failure to issue a leaf certificate.
type CertificateError struct {
	Host string
	Err  error
}

func (e *CertificateError) Error() string {
	return "intercept: certificate for " + e.Host + ": " + e.Err.Error()
}
func (e *CertificateError) Unwrap() error { return e.Err }

// UpstreamError reports that the upstream server could not be reached or
// did not answer.
type UpstreamError struct {
	Addr string
	Err  error
}

func (e *UpstreamError) Error() string { return "intercept: upstream " + e.Addr + ": " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Timeout reports whether the upstream failed by timing out.
func (e *UpstreamError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// statusFor picks the status code of the synthetic response sent for err.
func statusFor(err error) int {
	var ue *UpstreamError
	switch {
	case errors.As(err, &ue):
		// whatever went wrong upstream, including bad bytes, is not the
		// client's fault
		if ue.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case http1.IsFramingError(err):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
