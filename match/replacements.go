package match

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/elazarl/intercept/http1"
)

// Replacement rewrites a message. With Header set, only the values of that
// header are rewritten; otherwise the body is. Encoded bodies are decoded
// first and sent without Content-Encoding.
type Replacement struct {
	Header string
	Old    string
	New    string
	// Regexp treats Old as a regular expression and New as its template.
	Regexp bool

	re *regexp.Regexp
}

// Compile validates a Regexp replacement ahead of use.
func (r *Replacement) Compile() error {
	if !r.Regexp || r.re != nil {
		return nil
	}
	re, err := regexp.Compile(r.Old)
	if err != nil {
		return err
	}
	r.re = re
	return nil
}

// Apply rewrites m in place and reports whether anything changed.
func (r *Replacement) Apply(m *http1.Message) (bool, error) {
	if err := r.Compile(); err != nil {
		return false, err
	}
	if r.Header != "" {
		return r.applyHeader(m)
	}

	body, err := m.DecodedBody()
	if err != nil {
		return false, err
	}
	var out []byte
	if r.re != nil {
		out = r.re.ReplaceAll(body, []byte(r.New))
	} else {
		out = bytes.ReplaceAll(body, []byte(r.Old), []byte(r.New))
	}
	if bytes.Equal(out, body) {
		return false, nil
	}
	if err := m.SetBody(out); err != nil {
		return false, err
	}
	m.Header.Del("Content-Encoding")
	return true, nil
}

func (r *Replacement) applyHeader(m *http1.Message) (bool, error) {
	changed := false
	for i := range m.Header {
		h := &m.Header[i]
		if !strings.EqualFold(h.Name, r.Header) {
			continue
		}
		var v string
		if r.re != nil {
			v = r.re.ReplaceAllString(h.Value, r.New)
		} else {
			v = strings.ReplaceAll(h.Value, r.Old, r.New)
		}
		if v != h.Value {
			if m.Frozen() {
				return false, http1.ErrFrozen
			}
			h.Value = v
			changed = true
		}
	}
	return changed, nil
}
