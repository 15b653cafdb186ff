// HAR specification: http://www.softwareishard.com/blog/har-12-spec/
package har

import (
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/elazarl/intercept"
	"github.com/elazarl/intercept/http1"
)

var startingEntrySize int = 1000

type Har struct {
	Log Log `json:"log"`
}

type Log struct {
	Version string   `json:"version"`
	Creator Creator  `json:"creator"`
	Browser *Browser `json:"browser,omitempty"`
	Pages   []Page   `json:"pages,omitempty"`
	Entries []Entry  `json:"entries"`
	Comment string   `json:"comment,omitempty"`
}

func New() *Har {
	return &Har{
		Log: Log{
			Version: "1.2",
			Creator: Creator{
				Name:    "intercept",
				Version: "1.0",
			},
			Entries: make([]Entry, 0, startingEntrySize),
		},
	}
}

func (har *Har) AppendEntry(entry ...Entry) {
	har.Log.Entries = append(har.Log.Entries, entry...)
}

func (har *Har) AppendPage(page ...Page) {
	har.Log.Pages = append(har.Log.Pages, page...)
}

type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Comment string `json:"comment,omitempty"`
}

type Browser struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Comment string `json:"comment,omitempty"`
}

type Page struct {
	ID              string      `json:"id,omitempty"`
	StartedDateTime time.Time   `json:"startedDateTime"`
	Title           string      `json:"title"`
	PageTimings     PageTimings `json:"pageTimings"`
	Comment         string      `json:"comment,omitempty"`
}

type Entry struct {
	PageRef         string    `json:"pageref,omitempty"`
	StartedDateTime time.Time `json:"startedDateTime"`
	Time            int64     `json:"time"`
	Request         *Request  `json:"request"`
	Response        *Response `json:"response"`
	Cache           Cache     `json:"cache"`
	Timings         Timings   `json:"timings"`
	ServerIpAddress string    `json:"serverIpAddress,omitempty"`
	Connection      string    `json:"connection,omitempty"`
	Comment         string    `json:"comment,omitempty"`
}

// ParseExchange converts a recorded exchange. Bodies are captured when
// captureContent is set.
func ParseExchange(ex *intercept.Exchange, captureContent bool) Entry {
	entry := Entry{
		StartedDateTime: ex.StartedAt,
		Time:            ex.Duration().Milliseconds(),
		Request:         ParseRequest(ex, captureContent),
		Response:        ParseResponse(ex.Response, captureContent),
		Connection:      ex.RemoteAddr,
		Timings:         timings(ex),
	}
	if ip := net.ParseIP(ex.Dest.Host); ip != nil {
		entry.ServerIpAddress = ip.String()
	}
	if ex.Err != nil {
		entry.Comment = ex.Err.Error()
	}
	if entry.Response == nil {
		// HAR requires a response object even for failed exchanges
		entry.Response = &Response{Status: 0, StatusText: "", Cookies: []Cookie{}, Headers: []NameValuePair{}}
	}
	return entry
}

func timings(ex *intercept.Exchange) Timings {
	t := Timings{Send: -1, Wait: -1, Receive: -1}
	req, resp := ex.Request, ex.Response
	if req == nil || req.SentAt.IsZero() {
		return t
	}
	t.Send = req.SentAt.Sub(req.ReceivedAt).Milliseconds()
	if resp != nil && !resp.ReceivedAt.IsZero() {
		t.Wait = resp.ReceivedAt.Sub(req.SentAt).Milliseconds()
		if !resp.SentAt.IsZero() {
			t.Receive = resp.SentAt.Sub(resp.ReceivedAt).Milliseconds()
		}
	}
	return t
}

type Cache struct {
	BeforeRequest *CacheEntry `json:"beforeRequest,omitempty"`
	AfterRequest  *CacheEntry `json:"afterRequest,omitempty"`
}

type CacheEntry struct {
	Expires    string `json:"expires,omitempty"`
	LastAccess string `json:"lastAccess"`
	ETag       string `json:"eTag"`
	HitCount   int    `json:"hitCount"`
	Comment    string `json:"comment,omitempty"`
}

type Request struct {
	Method      string          `json:"method"`
	Url         string          `json:"url"`
	HttpVersion string          `json:"httpVersion"`
	Cookies     []Cookie        `json:"cookies"`
	Headers     []NameValuePair `json:"headers"`
	QueryString []NameValuePair `json:"queryString"`
	PostData    *PostData       `json:"postData,omitempty"`
	BodySize    int64           `json:"bodySize"`
	HeadersSize int64           `json:"headersSize"`
}

func ParseRequest(ex *intercept.Exchange, captureContent bool) *Request {
	req := ex.Request
	if req == nil {
		return nil
	}
	rawURL := exchangeURL(ex)
	harRequest := Request{
		Method:      req.Method,
		Url:         rawURL,
		HttpVersion: req.Proto,
		Cookies:     parseCookies((&http.Request{Header: httpHeader(req.Header)}).Cookies()),
		Headers:     parseHeaders(req.Header),
		QueryString: parseQuery(rawURL),
		BodySize:    int64(len(req.Body)),
		HeadersSize: calcHeaderSize(req.Header),
	}

	if captureContent && len(req.Body) > 0 {
		harRequest.PostData = parsePostData(req)
	}
	return &harRequest
}

func exchangeURL(ex *intercept.Exchange) string {
	target := ex.Request.Target
	if strings.Contains(target, "://") {
		return target
	}
	u := url.URL{Scheme: ex.Dest.Scheme, Host: ex.Dest.Addr()}
	if ex.Dest.Scheme == "http" && ex.Dest.Port == 80 || ex.Dest.Scheme == "https" && ex.Dest.Port == 443 {
		u.Host = ex.Dest.Host
		if strings.Contains(u.Host, ":") {
			u.Host = "[" + u.Host + "]"
		}
	}
	return u.String() + target
}

// httpHeader converts headers for the net/http cookie parsers.
func httpHeader(hs http1.Headers) http.Header {
	h := make(http.Header, len(hs))
	for _, f := range hs {
		h.Add(f.Name, f.Value)
	}
	return h
}

func calcHeaderSize(hs http1.Headers) int64 {
	headerSize := 0
	for _, h := range hs {
		headerSize += len(h.Name) + len(h.Value) + 4
	}
	return int64(headerSize)
}

func parsePostData(req *http1.Message) *PostData {
	harPostData := &PostData{MimeType: req.Header.Get("Content-Type")}
	body, err := req.DecodedBody()
	if err != nil {
		body = req.Body
	}
	if strings.HasPrefix(harPostData.MimeType, "application/x-www-form-urlencoded") {
		if form, err := url.ParseQuery(string(body)); err == nil {
			for k, vals := range form {
				for _, v := range vals {
					harPostData.Params = append(harPostData.Params, PostDataParam{Name: k, Value: v})
				}
			}
			return harPostData
		}
	}
	harPostData.Text = string(body)
	return harPostData
}

// parseHeaders keeps the header order of the message.
func parseHeaders(hs http1.Headers) []NameValuePair {
	pairs := make([]NameValuePair, 0, len(hs))
	for _, h := range hs {
		pairs = append(pairs, NameValuePair{Name: h.Name, Value: h.Value})
	}
	return pairs
}

func parseQuery(rawURL string) []NameValuePair {
	pairs := []NameValuePair{}
	u, err := url.Parse(rawURL)
	if err != nil {
		return pairs
	}
	for k, vs := range u.Query() {
		for _, v := range vs {
			pairs = append(pairs, NameValuePair{Name: k, Value: v})
		}
	}
	return pairs
}

func parseCookies(cookies []*http.Cookie) []Cookie {
	harCookies := make([]Cookie, len(cookies))
	for i, cookie := range cookies {
		harCookie := Cookie{
			Name:     cookie.Name,
			Domain:   cookie.Domain,
			HttpOnly: cookie.HttpOnly,
			Path:     cookie.Path,
			Secure:   cookie.Secure,
			Value:    cookie.Value,
		}
		if !cookie.Expires.IsZero() {
			harCookie.Expires = &cookie.Expires
		}
		harCookies[i] = harCookie
	}
	return harCookies
}

type Response struct {
	Status      int             `json:"status"`
	StatusText  string          `json:"statusText"`
	HttpVersion string          `json:"httpVersion"`
	Cookies     []Cookie        `json:"cookies"`
	Headers     []NameValuePair `json:"headers"`
	Content     Content         `json:"content"`
	RedirectUrl string          `json:"redirectURL"`
	BodySize    int64           `json:"bodySize"`
	HeadersSize int64           `json:"headersSize"`
	Comment     string          `json:"comment,omitempty"`
}

func ParseResponse(resp *http1.Message, captureContent bool) *Response {
	if resp == nil {
		return nil
	}

	harResponse := Response{
		Status:      resp.StatusCode,
		StatusText:  resp.Reason,
		HttpVersion: resp.Proto,
		Cookies:     parseCookies((&http.Response{Header: httpHeader(resp.Header)}).Cookies()),
		Headers:     parseHeaders(resp.Header),
		RedirectUrl: resp.Header.Get("Location"),
		BodySize:    int64(len(resp.Body)),
		HeadersSize: calcHeaderSize(resp.Header),
		Content:     Content{MimeType: resp.Header.Get("Content-Type")},
	}

	if captureContent {
		parseContent(resp, &harResponse.Content)
	}
	return &harResponse
}

func parseContent(resp *http1.Message, harContent *Content) {
	body, err := resp.DecodedBody()
	if err != nil {
		body = resp.Body
	} else if len(body) != len(resp.Body) {
		harContent.Compression = len(body) - len(resp.Body)
	}
	harContent.Size = len(body)
	if len(body) == 0 {
		return
	}
	if utf8.Valid(body) {
		harContent.Text = string(body)
	} else {
		harContent.Text = base64.StdEncoding.EncodeToString(body)
		harContent.Encoding = "base64"
	}
}

type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Path     string     `json:"path,omitempty"`
	Domain   string     `json:"domain,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	HttpOnly bool       `json:"httpOnly,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
}

type NameValuePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type PostData struct {
	MimeType string          `json:"mimeType"`
	Params   []PostDataParam `json:"params,omitempty"`
	Text     string          `json:"text,omitempty"`
	Comment  string          `json:"comment,omitempty"`
}

type PostDataParam struct {
	Name        string `json:"name"`
	Value       string `json:"value,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

type Content struct {
	Size        int    `json:"size"`
	Compression int    `json:"compression,omitempty"`
	MimeType    string `json:"mimeType"`
	Text        string `json:"text,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

type PageTimings struct {
	OnContentLoad int64  `json:"onContentLoad"`
	OnLoad        int64  `json:"onLoad"`
	Comment       string `json:"comment,omitempty"`
}

type Timings struct {
	Dns     int64  `json:"dns,omitempty"`
	Blocked int64  `json:"blocked,omitempty"`
	Connect int64  `json:"connect,omitempty"`
	Send    int64  `json:"send"`
	Wait    int64  `json:"wait"`
	Receive int64  `json:"receive"`
	Ssl     int64  `json:"ssl,omitempty"`
	Comment string `json:"comment,omitempty"`
}
