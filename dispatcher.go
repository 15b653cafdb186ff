package intercept

import (
	"regexp"

	"github.com/elazarl/intercept/http1"
	"github.com/elazarl/intercept/match"
)

// Will return a temporary ReqProxyConds struct, aggregating the given condtions.
// You will use the ReqProxyConds struct to register an Interceptor that runs
// in the request phase, only if all the given conditions matched.
// Typical usage:
//
//	engine.OnRequest(match.URLIs("example.com/foo"), match.URLMatches(regexp.MustCompile(`.*\.example\.com/.*`))).Do("tag", ic)
func (e *Engine) OnRequest(conds ...match.Condition) *ReqProxyConds {
	return &ReqProxyConds{e, conds}
}

// aggregate conditions for an Engine. Upon calling Do, it will register an
// Interceptor that handles the request if all conditions are met.
type ReqProxyConds struct {
	engine *Engine
	conds  []match.Condition
}

// Will register the Interceptor on the engine's pipeline. The Interceptor
// may rewrite the request, answer it with ctx.Respond or drop it.
//
//	engine.OnRequest().Do("all", ic) // will call ic.Intercept(req, ctx) on every request
//	engine.OnRequest(cond1, cond2).Do("some", ic)
//	// will test if cond1.Match(s) && cond2.Match(s) are true
//	// if they are, will call ic.Intercept(req, ctx)
func (pcond *ReqProxyConds) Do(name string, ic Interceptor) int64 {
	return pcond.engine.pipeline.Add(name, Capabilities{ObserveRequest: true, Modify: true}, when(pcond.conds, ic))
}

// equivalent to engine.OnRequest().Do(name, InterceptorFunc(f))
func (pcond *ReqProxyConds) DoFunc(name string, f func(req *http1.Message, ctx *ProxyCtx) (Outcome, error)) int64 {
	return pcond.Do(name, InterceptorFunc(f))
}

// Observe registers f to look at matching requests. f sees a frozen copy.
func (pcond *ReqProxyConds) Observe(name string, f func(req *http1.Message, ctx *ProxyCtx)) int64 {
	return pcond.engine.pipeline.Add(name, Capabilities{ObserveRequest: true}, when(pcond.conds,
		InterceptorFunc(func(req *http1.Message, ctx *ProxyCtx) (Outcome, error) {
			f(req, ctx)
			return Continue, nil
		})))
}

// Break suspends every matching request until it is resumed through
// Breakpoints.
func (pcond *ReqProxyConds) Break(name string) int64 {
	return pcond.engine.breakpoints.AddRule(name, DirectionRequest, match.All(pcond.conds...))
}

// HandleConnect registers a CONNECT handler that runs when the conditions
// match the CONNECT request.
func (pcond *ReqProxyConds) HandleConnect(h HttpsHandler) {
	pcond.engine.HandleConnect(HttpsHandlerFunc(func(host string, ctx *ProxyCtx) (*ConnectAction, string) {
		s := ctx.Subject()
		for _, cond := range pcond.conds {
			if !cond.Match(s) {
				return nil, ""
			}
		}
		return h.HandleConnect(host, ctx)
	}))
}

// HandleConnectFunc is equivalent to HandleConnect(HttpsHandlerFunc(f)).
func (pcond *ReqProxyConds) HandleConnectFunc(f func(host string, ctx *ProxyCtx) (*ConnectAction, string)) {
	pcond.HandleConnect(HttpsHandlerFunc(f))
}

// OnResponse is used when adding a response interceptor, usual pattern is
//
//	engine.OnResponse(cond1, cond2).Do("name", ic) // ic.Intercept(resp, ctx) will be used
//	                                               // if cond1.Match(s) && cond2.Match(s)
func (e *Engine) OnResponse(conds ...match.Condition) *RespProxyConds {
	return &RespProxyConds{e, conds}
}

type RespProxyConds struct {
	engine *Engine
	conds  []match.Condition
}

// Will register the Interceptor on the engine's pipeline, ic.Intercept(resp, ctx)
// will be called on every response that matches the conditions aggregated
// in pcond.
func (pcond *RespProxyConds) Do(name string, ic Interceptor) int64 {
	return pcond.engine.pipeline.Add(name, Capabilities{ObserveResponse: true, Modify: true}, when(pcond.conds, ic))
}

// equivalent to engine.OnResponse().Do(name, InterceptorFunc(f))
func (pcond *RespProxyConds) DoFunc(name string, f func(resp *http1.Message, ctx *ProxyCtx) (Outcome, error)) int64 {
	return pcond.Do(name, InterceptorFunc(f))
}

func (pcond *RespProxyConds) Observe(name string, f func(resp *http1.Message, ctx *ProxyCtx)) int64 {
	return pcond.engine.pipeline.Add(name, Capabilities{ObserveResponse: true}, when(pcond.conds,
		InterceptorFunc(func(resp *http1.Message, ctx *ProxyCtx) (Outcome, error) {
			f(resp, ctx)
			return Continue, nil
		})))
}

// Break suspends every matching response until it is resumed.
func (pcond *RespProxyConds) Break(name string) int64 {
	return pcond.engine.breakpoints.AddRule(name, DirectionResponse, match.All(pcond.conds...))
}

func when(conds []match.Condition, ic Interceptor) Interceptor {
	if len(conds) == 0 {
		return ic
	}
	return InterceptorFunc(func(msg *http1.Message, ctx *ProxyCtx) (Outcome, error) {
		s := ctx.Subject()
		for _, cond := range conds {
			if !cond.Match(s) {
				return Continue, nil
			}
		}
		return ic.Intercept(msg, ctx)
	})
}

// MitmHostMatches will cause the engine to intercept a tunnel when a client
// tries to CONNECT to a host name that matches any of the given regular
// expressions. Other tunnels are passed through.
func (e *Engine) MitmHostMatches(res ...*regexp.Regexp) *Engine {
	e.HandleConnect(HttpsHandlerFunc(func(host string, ctx *ProxyCtx) (*ConnectAction, string) {
		for _, re := range res {
			if re.MatchString(host) {
				return MitmConnect, host
			}
		}
		return OkConnect, host
	}))
	return e
}

// MitmHost will cause the engine to intercept a tunnel when a client tries
// to CONNECT to any of the given hosts. Note, that you must append the port
// to the host name, so a typical host is twitter.com:443
func (e *Engine) MitmHost(hosts ...string) *Engine {
	mitmHosts := make(map[string]bool)
	for _, host := range hosts {
		mitmHosts[host] = true
	}
	e.HandleConnect(HttpsHandlerFunc(func(host string, ctx *ProxyCtx) (*ConnectAction, string) {
		if mitmHosts[host] {
			return MitmConnect, host
		}
		return OkConnect, host
	}))
	return e
}

// HandleBytes will return an Interceptor that runs f on the body of the
// message and replaces the body with the result. Compressed bodies are
// decoded first and sent on without their Content-Encoding.
func HandleBytes(f func(b []byte, ctx *ProxyCtx) []byte) Interceptor {
	return InterceptorFunc(func(msg *http1.Message, ctx *ProxyCtx) (Outcome, error) {
		b, err := msg.DecodedBody()
		if err != nil {
			ctx.Warnf("Cannot decode body %s", err)
			return Continue, err
		}
		if err := msg.SetBody(f(b, ctx)); err != nil {
			return Continue, err
		}
		msg.Header.Del("Content-Encoding")
		return Modified, nil
	})
}
