package intercept

import (
	"context"
	"errors"

	"github.com/elazarl/intercept/http1"
	"github.com/elazarl/intercept/match"
)

// ProxyCtx is handed to interceptors and tunnel handlers. It is valid for
// the duration of one phase of one exchange.
type ProxyCtx struct {
	// Session identifies the client connection.
	Session int64
	// Exchange is nil for CONNECT handlers.
	Exchange *Exchange
	Phase    Phase
	// Host is the CONNECT target, for tunnel handlers.
	Host       string
	RemoteAddr string
	// Request is the CONNECT request, for tunnel handlers.
	Request *http1.Message
	// UserData is kept across the phases of one exchange.
	UserData any

	conn     context.Context
	engine   *Engine
	readonly bool
	response *http1.Message
}

// Context is done when the client connection closes or the engine shuts
// down.
func (ctx *ProxyCtx) Context() context.Context {
	if ctx.conn == nil {
		return context.Background()
	}
	return ctx.conn
}

// Subject is the exchange as seen by match conditions.
func (ctx *ProxyCtx) Subject() match.Subject {
	if ctx.Exchange == nil {
		return match.Subject{Request: ctx.Request, Host: stripPort(ctx.Host), RemoteAddr: ctx.RemoteAddr}
	}
	return ctx.Exchange.subject()
}

// Respond answers the exchange with resp instead of forwarding the request
// upstream. The response phase still runs. Only interceptors allowed to
// modify traffic may call it, and only during the request phase.
func (ctx *ProxyCtx) Respond(resp *http1.Message) error {
	if ctx.readonly {
		return errors.New("intercept: observer cannot respond")
	}
	if ctx.Phase != RequestPhase || ctx.Exchange == nil {
		return errors.New("intercept: responses can only be set during the request phase")
	}
	if resp == nil || !resp.IsResponse() {
		return errors.New("intercept: not a response")
	}
	ctx.response = resp
	return nil
}

func (ctx *ProxyCtx) Logf(msg string, argv ...any) {
	if ctx.engine != nil {
		ctx.engine.opts.Logger.Infof(ctx.Session, msg, argv...)
	}
}

func (ctx *ProxyCtx) Debugf(msg string, argv ...any) {
	if ctx.engine != nil {
		ctx.engine.opts.Logger.Debugf(ctx.Session, msg, argv...)
	}
}

func (ctx *ProxyCtx) Warnf(msg string, argv ...any) {
	if ctx.engine != nil {
		ctx.engine.opts.Logger.Warnf(ctx.Session, msg, argv...)
	}
}

// observer returns a context over a read-only view of the exchange.
func (ctx *ProxyCtx) observer(view *Exchange) *ProxyCtx {
	c := *ctx
	c.Exchange = view
	c.readonly = true
	c.response = nil
	return &c
}
