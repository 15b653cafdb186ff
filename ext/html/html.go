// Package html filters web browser related content passing through an
// engine, converting text bodies to and from UTF-8.
package html

import (
	"regexp"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/elazarl/intercept"
	"github.com/elazarl/intercept/http1"
	"github.com/elazarl/intercept/match"
)

var IsHtml = match.ContentTypeIs("text/html")

var IsCss = match.ContentTypeIs("text/css")

var IsJavaScript = match.ContentTypeIs("text/javascript", "application/javascript")

var IsJson = match.ContentTypeIs("text/json", "application/json")

var IsXml = match.ContentTypeIs("text/xml")

var IsWebRelatedText = match.ContentTypeIs("text/html",
	"text/css",
	"text/javascript", "application/javascript",
	"text/xml",
	"text/json", "application/json")

var charsetFinder = regexp.MustCompile(`(?i)charset=["']?([^ ;"']*)`)

// Charset returns the charset label of the message's Content-Type, or "".
func Charset(m *http1.Message) string {
	charsets := charsetFinder.FindStringSubmatch(m.Header.Get("Content-Type"))
	if charsets == nil {
		return ""
	}
	return charsets[1]
}

// Encoding resolves the message charset. A missing label means UTF-8;
// ok is false for labels x/text does not know.
func Encoding(m *http1.Message) (enc encoding.Encoding, ok bool) {
	label := Charset(m)
	if label == "" {
		return unicode.UTF8, true
	}
	enc, _ = charset.Lookup(strings.ToLower(label))
	return enc, enc != nil
}

// HandleString returns an Interceptor that hands f the body as a UTF-8
// string, decoded according to the charset in the Content-Type header, and
// re-encodes the result in the same charset.
// Guessing the charset from <meta> tags is not implemented.
func HandleString(f func(s string, ctx *intercept.ProxyCtx) string) intercept.Interceptor {
	return intercept.InterceptorFunc(func(msg *http1.Message, ctx *intercept.ProxyCtx) (intercept.Outcome, error) {
		enc, ok := Encoding(msg)
		if !ok {
			ctx.Warnf("Cannot convert from %v to utf8", Charset(msg))
			return intercept.Continue, nil
		}
		return intercept.HandleBytes(func(b []byte, ctx *intercept.ProxyCtx) []byte {
			s, err := enc.NewDecoder().Bytes(b)
			if err != nil {
				ctx.Warnf("Cannot read string from body: %v", err)
				return b
			}
			out, err := enc.NewEncoder().Bytes([]byte(f(string(s), ctx)))
			if err != nil {
				ctx.Warnf("Cannot convert back to %v: %v", Charset(msg), err)
				return b
			}
			return out
		}).Intercept(msg, ctx)
	})
}
