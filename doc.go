/*
Package intercept provides an interactive intercepting proxy engine,
supporting man-in-the-middle interception of TLS tunnels.

The engine accepts proxy clients (and, optionally, transparently redirected
connections), terminates CONNECT tunnels with leaf certificates signed on
the fly by a local certificate authority, and runs every HTTP/1.x message
through an ordered pipeline of interceptors before forwarding it.
Interceptors may observe, rewrite, answer or drop messages, and breakpoints
may hold an exchange until someone decides what to do with it.

Example use cases:

Inspect what a browser sends. Point the browser at the engine, trust the
CA certificate, and register an observer:

	engine.OnRequest().Observe("log", func(req *http1.Message, ctx *ProxyCtx) {
		ctx.Logf("%s %s", req.Method, ctx.Subject().URL())
	})

Hold every POST to the login endpoint and edit it before it leaves:

	engine.OnRequest(match.MethodIs("POST"), match.URLHasPrefix("example.com/login")).Break("login")
	for ev := range events {
		// inspect engine.Breakpoints().Pending() and call Resume
	}

Exchanges that completed are handed to a HistorySink; see the history and
ext/har packages.
*/
package intercept
