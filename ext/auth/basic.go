// Package auth gates an engine behind proxy Basic authentication.
package auth

import (
	"encoding/base64"
	"strings"

	"github.com/elazarl/intercept"
	"github.com/elazarl/intercept/http1"
)

var unauthorizedMsg = "407 Proxy Authentication Required"

func BasicUnauthorized(req *http1.Message, realm string) *http1.Message {
	resp := intercept.NewResponse(req, 407, "text/plain", unauthorizedMsg)
	resp.Header.Set("Proxy-Authenticate", "Basic realm="+quoteRealm(realm))
	return resp
}

// quoteRealm returns realm as an auth-param value, quoting it when it is not
// a plain token.
func quoteRealm(realm string) string {
	if realm != "" && !strings.ContainsAny(realm, " \t\"\\,;=") {
		return realm
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(realm) + `"`
}

var proxyAuthorizatonHeader = "Proxy-Authorization"

func auth(req *http1.Message, f func(user, passwd string) bool) bool {
	if req == nil {
		return false
	}
	authheader := strings.SplitN(req.Header.Get(proxyAuthorizatonHeader), " ", 2)
	if len(authheader) != 2 || !strings.EqualFold(authheader[0], "Basic") {
		return false
	}
	userpassraw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(authheader[1]))
	if err != nil {
		return false
	}
	user, passwd, ok := strings.Cut(string(userpassraw), ":")
	if !ok {
		return false
	}
	return f(user, passwd)
}

// Basic answers requests without valid credentials with 407. Register it
// with engine.OnRequest().Do.
func Basic(realm string, f func(user, passwd string) bool) intercept.Interceptor {
	return intercept.InterceptorFunc(func(req *http1.Message, ctx *intercept.ProxyCtx) (intercept.Outcome, error) {
		if auth(req, f) {
			return intercept.Continue, nil
		}
		ctx.Logf("Proxy authentication failed for %s", ctx.RemoteAddr)
		return intercept.Modified, ctx.Respond(BasicUnauthorized(req, realm))
	})
}

// BasicConnect rejects CONNECT requests without valid credentials. Tunnels
// that pass are left to the handlers registered after it.
func BasicConnect(realm string, f func(user, passwd string) bool) intercept.HttpsHandler {
	return intercept.HttpsHandlerFunc(func(host string, ctx *intercept.ProxyCtx) (*intercept.ConnectAction, string) {
		if !auth(ctx.Request, f) {
			return &intercept.ConnectAction{
				Action:   intercept.ConnectReject,
				Response: BasicUnauthorized(ctx.Request, realm),
			}, host
		}
		return nil, host
	})
}

// ProxyBasic installs both Basic and BasicConnect on e. Basic runs ahead
// of the interceptors registered with the default priority.
func ProxyBasic(e *intercept.Engine, realm string, f func(user, passwd string) bool) {
	e.Pipeline().AddWithPriority("proxy-auth", -100,
		intercept.Capabilities{ObserveRequest: true, Modify: true}, Basic(realm, f))
	e.HandleConnect(BasicConnect(realm, f))
}
