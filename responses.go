package intercept

import (
	"fmt"
	"net/http"

	"github.com/elazarl/intercept/http1"
)

// Will generate a valid http response to the given request the response will have
// the given contentType, and http status.
// Typical usage, refuse to process requests to local addresses:
//
//	engine.OnRequest(match.HostIs("localhost")).DoFunc("deny-local", func(req *http1.Message, ctx *ProxyCtx) (Outcome, error) {
//		return Modified, ctx.Respond(NewResponse(req, http.StatusUnauthorized,
//			"text/html", "<html><body>Can't use proxy for local addresses</body></html>"))
//	})
func NewResponse(req *http1.Message, status int, contentType, body string) *http1.Message {
	resp := http1.NewResponse(status, "", []byte(body))
	if req != nil {
		resp.ID = req.ID
		if req.Proto == "HTTP/1.0" {
			resp.Proto = req.Proto
		}
	}
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	return resp
}

// errorResponse is the response sent when an exchange fails and no
// ErrorHandler produced one.
func errorResponse(err error) *http1.Message {
	status := statusFor(err)
	resp := http1.NewResponse(status, "", []byte(fmt.Sprintf("[proxy] %s: %v\n", http.StatusText(status), err)))
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("Connection", "close")
	return resp
}

// rejectResponse is sent for refused CONNECT requests.
func rejectResponse() *http1.Message {
	resp := http1.NewResponse(http.StatusForbidden, "", []byte("[proxy] tunnel refused\n"))
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("Connection", "close")
	return resp
}
