package http1

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// DecodedBody returns the body with its Content-Encoding removed. Unknown
// codings are reported as errors; identity bodies are returned as is.
func (m *Message) DecodedBody() ([]byte, error) {
	codings := m.Header.Values("Content-Encoding")
	body := m.Body
	// codings are listed in the order they were applied
	var all []string
	for _, v := range codings {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(strings.ToLower(c)); c != "" {
				all = append(all, c)
			}
		}
	}
	for i := len(all) - 1; i >= 0; i-- {
		var err error
		body, err = decode(all[i], body)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

func decode(coding string, b []byte) ([]byte, error) {
	var r io.Reader
	switch coding {
	case "identity":
		return b, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "deflate":
		// servers disagree whether deflate means zlib or raw deflate
		zr, err := zlib.NewReader(bytes.NewReader(b))
		if err != nil {
			fr := flate.NewReader(bytes.NewReader(b))
			defer fr.Close()
			r = fr
		} else {
			defer zr.Close()
			r = zr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(b))
	default:
		return nil, fmt.Errorf("http1: unsupported content coding %q", coding)
	}
	return io.ReadAll(io.LimitReader(r, DefaultMaxBodyBytes))
}
