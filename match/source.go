// Package match provides the predicates used by breakpoint rules and
// conditional interceptors.
package match

import (
	"bytes"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/elazarl/intercept/http1"
	"github.com/tidwall/gjson"
)

// Subject is the view of an exchange a Condition is evaluated against.
// Response is nil while the request is being matched.
type Subject struct {
	Request    *http1.Message
	Response   *http1.Message
	Scheme     string
	Host       string
	Port       int
	RemoteAddr string
}

// URL returns the absolute URL of the request.
func (s Subject) URL() string {
	if s.Request == nil {
		return ""
	}
	target := s.Request.Target
	if strings.Contains(target, "://") {
		return target
	}
	host := s.Host
	if !defaultPort(s.Scheme, s.Port) {
		host = net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	}
	return s.Scheme + "://" + host + target
}

// Path returns the request path without the query.
func (s Subject) Path() string {
	if s.Request == nil {
		return ""
	}
	p := s.Request.Target
	if i := strings.Index(p, "://"); i >= 0 {
		p = p[i+3:]
		if j := strings.IndexByte(p, '/'); j >= 0 {
			p = p[j:]
		} else {
			p = "/"
		}
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// Message returns the response when there is one, otherwise the request.
func (s Subject) Message() *http1.Message {
	if s.Response != nil {
		return s.Response
	}
	return s.Request
}

func defaultPort(scheme string, port int) bool {
	return port == 0 || scheme == "http" && port == 80 || scheme == "https" && port == 443
}

type Condition interface {
	Match(s Subject) bool
}

type ConditionFunc func(s Subject) bool

func (f ConditionFunc) Match(s Subject) bool {
	return f(s)
}

// Always matches every exchange.
var Always ConditionFunc = func(Subject) bool { return true }

// MethodIs matches requests with one of the given methods.
func MethodIs(methods ...string) ConditionFunc {
	return func(s Subject) bool {
		if s.Request == nil {
			return false
		}
		for _, m := range methods {
			if strings.EqualFold(s.Request.Method, m) {
				return true
			}
		}
		return false
	}
}

// URLHasPrefix checks whether the destination URL the proxy client has
// requested has the given prefix, with or without the host.
// For example URLHasPrefix("host/x") will match requests of the form 'GET host/x', and will match
// requests to url 'http://host/x'
func URLHasPrefix(prefix string) ConditionFunc {
	return func(s Subject) bool {
		path := s.Path()
		return strings.HasPrefix(path, prefix) ||
			strings.HasPrefix(s.Host+path, prefix) ||
			strings.HasPrefix(s.URL(), prefix)
	}
}

// URLIs tests whether or not the request URL is one of the given strings
// with or without the host prefix.
// URLIs("google.com/","foo") will match requests 'GET /' to 'google.com', requests `'GET google.com/' to
// any host, and requests of the form 'GET foo'.
func URLIs(urls ...string) ConditionFunc {
	urlSet := make(map[string]bool)
	for _, u := range urls {
		urlSet[u] = true
	}
	return func(s Subject) bool {
		path := s.Path()
		return urlSet[path] || urlSet[s.Host+path]
	}
}

// URLMatches tests whether the destination URL of the request matches the
// given regexp, with or without prefix.
func URLMatches(re *regexp.Regexp) ConditionFunc {
	return func(s Subject) bool {
		return re.MatchString(s.Path()) || re.MatchString(s.Host+s.Path()) || re.MatchString(s.URL())
	}
}

// HostIs tests whether the destination host equals one of hosts.
func HostIs(hosts ...string) ConditionFunc {
	hostSet := make(map[string]bool)
	for _, h := range hosts {
		hostSet[strings.ToLower(h)] = true
	}
	return func(s Subject) bool {
		return hostSet[strings.ToLower(s.Host)]
	}
}

// HostMatches tests whether the destination host matches any of the
// given regular expressions.
func HostMatches(regexps ...*regexp.Regexp) ConditionFunc {
	return func(s Subject) bool {
		for _, re := range regexps {
			if re.MatchString(s.Host) {
				return true
			}
		}
		return false
	}
}

var localHostIpv4 = regexp.MustCompile(`^127\.0\.0\.\d+$`)

// IsLocalHost checks whether the destination host is explicitly local host.
var IsLocalHost ConditionFunc = func(s Subject) bool {
	if s.Host == "localhost" || localHostIpv4.MatchString(s.Host) {
		return true
	}
	ip := net.ParseIP(s.Host)
	return ip != nil && ip.IsLoopback()
}

// SrcIPIs tests whether the client address is ip.
func SrcIPIs(ip string) ConditionFunc {
	return func(s Subject) bool {
		host, _, err := net.SplitHostPort(s.RemoteAddr)
		if err != nil {
			return false
		}
		return host == ip
	}
}

// Not negates c.
func Not(c Condition) ConditionFunc {
	return func(s Subject) bool {
		return !c.Match(s)
	}
}

// All matches when every condition matches. No conditions match everything.
func All(cs ...Condition) ConditionFunc {
	return func(s Subject) bool {
		for _, c := range cs {
			if !c.Match(s) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one condition matches.
func Any(cs ...Condition) ConditionFunc {
	return func(s Subject) bool {
		for _, c := range cs {
			if c.Match(s) {
				return true
			}
		}
		return false
	}
}

// ContentTypeIs tests whether the message has Content-Type header equal to
// one of the given strings. The response is checked once there is one.
func ContentTypeIs(typ string, types ...string) ConditionFunc {
	types = append(types, typ)
	return func(s Subject) bool {
		m := s.Message()
		if m == nil {
			return false
		}
		contentType := m.Header.Get("Content-Type")
		for _, typ := range types {
			if contentType == typ || strings.HasPrefix(contentType, typ+";") {
				return true
			}
		}
		return false
	}
}

// StatusIs matches responses with one of the given status codes.
func StatusIs(codes ...int) ConditionFunc {
	return func(s Subject) bool {
		if s.Response == nil {
			return false
		}
		for _, c := range codes {
			if s.Response.StatusCode == c {
				return true
			}
		}
		return false
	}
}

// HeaderContains matches when a field called name contains substr.
func HeaderContains(name, substr string) ConditionFunc {
	return func(s Subject) bool {
		m := s.Message()
		if m == nil {
			return false
		}
		for _, v := range m.Header.Values(name) {
			if strings.Contains(v, substr) {
				return true
			}
		}
		return false
	}
}

// BodyContains matches when the decoded body contains substr.
func BodyContains(substr string) ConditionFunc {
	needle := []byte(substr)
	return func(s Subject) bool {
		m := s.Message()
		if m == nil {
			return false
		}
		body, err := m.DecodedBody()
		if err != nil {
			body = m.Body
		}
		return bytes.Contains(body, needle)
	}
}

// JSONField matches JSON bodies where the gjson path resolves to value. An
// empty value only requires the path to exist.
func JSONField(path, value string) ConditionFunc {
	return func(s Subject) bool {
		m := s.Message()
		if m == nil {
			return false
		}
		body, err := m.DecodedBody()
		if err != nil || !gjson.ValidBytes(body) {
			return false
		}
		res := gjson.GetBytes(body, path)
		if !res.Exists() {
			return false
		}
		return value == "" || res.String() == value
	}
}
