package http1

import (
	"strings"
)

// Header is a single header field. Name keeps the casing it was received
// with; lookups through Headers are case-insensitive.
type Header struct {
	Name  string
	Value string

	// raw is the field exactly as it appeared on the wire, terminator
	// included. It is only reused on serialization while Name and Value
	// still equal rawName and rawValue.
	raw      string
	rawName  string
	rawValue string
}

func (h Header) untouched() bool {
	return h.raw != "" && h.Name == h.rawName && h.Value == h.rawValue
}

// Headers is an ordered header block. Duplicates are kept in order.
type Headers []Header

// Get returns the first value for name, or "".
func (hs Headers) Get(name string) string {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Values returns every value for name, in wire order.
func (hs Headers) Values(name string) []string {
	var vs []string
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			vs = append(vs, h.Value)
		}
	}
	return vs
}

func (hs Headers) Has(name string) bool {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

// Set replaces the first field called name with value and removes any
// later duplicates. The field keeps its position and original casing. If
// there is no such field a new one is appended.
func (hs *Headers) Set(name, value string) {
	out := (*hs)[:0]
	found := false
	for _, h := range *hs {
		if strings.EqualFold(h.Name, name) {
			if found {
				continue
			}
			found = true
			h.Value = value
		}
		out = append(out, h)
	}
	if !found {
		out = append(out, Header{Name: name, Value: value})
	}
	*hs = out
}

// Add appends a field, keeping any existing ones.
func (hs *Headers) Add(name, value string) {
	*hs = append(*hs, Header{Name: name, Value: value})
}

// Del removes every field called name.
func (hs *Headers) Del(name string) {
	out := (*hs)[:0]
	for _, h := range *hs {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	*hs = out
}

func (hs Headers) Clone() Headers {
	if hs == nil {
		return nil
	}
	c := make(Headers, len(hs))
	copy(c, hs)
	return c
}

// HasToken reports whether any comma separated element of the name
// fields equals token, ignoring case.
func (hs Headers) HasToken(name, token string) bool {
	for _, v := range hs.Values(name) {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(s), token) {
				return true
			}
		}
	}
	return false
}

// lastToken returns the last comma separated element over all the name fields.
func (hs Headers) lastToken(name string) string {
	last := ""
	for _, v := range hs.Values(name) {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				last = s
			}
		}
	}
	return last
}
