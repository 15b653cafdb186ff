package control

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elazarl/intercept"
	"github.com/elazarl/intercept/history"
	"github.com/elazarl/intercept/http1"
	"github.com/elazarl/intercept/match"
)

type exchangeView struct {
	ID         int64     `json:"id"`
	ConnID     int64     `json:"connId"`
	Dest       string    `json:"dest"`
	RemoteAddr string    `json:"remoteAddr"`
	Method     string    `json:"method,omitempty"`
	URL        string    `json:"url,omitempty"`
	Status     int       `json:"status,omitempty"`
	Modified   bool      `json:"modified,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs,omitempty"`
	// Raw messages are only included when a single item is requested.
	Request  string `json:"request,omitempty"`
	Response string `json:"response,omitempty"`
}

func viewExchange(ex *intercept.Exchange, raw bool) exchangeView {
	v := exchangeView{
		ID:         ex.ID,
		ConnID:     ex.ConnID,
		Dest:       ex.Dest.String(),
		RemoteAddr: ex.RemoteAddr,
		Modified:   ex.Modified,
		StartedAt:  ex.StartedAt,
		DurationMs: ex.Duration().Milliseconds(),
	}
	if ex.Request != nil {
		v.Method = ex.Request.Method
		v.URL = match.Subject{
			Request: ex.Request,
			Scheme:  ex.Dest.Scheme,
			Host:    ex.Dest.Host,
			Port:    ex.Dest.Port,
		}.URL()
		if raw {
			v.Request = string(ex.Request.Bytes())
		}
	}
	if ex.Response != nil {
		v.Status = ex.Response.StatusCode
		if raw {
			v.Response = string(ex.Response.Bytes())
		}
	}
	if ex.Err != nil {
		v.Error = ex.Err.Error()
	}
	return v
}

type suspensionView struct {
	ID          int64        `json:"id"`
	Phase       string       `json:"phase"`
	Reason      string       `json:"reason"`
	SuspendedAt time.Time    `json:"suspendedAt"`
	Exchange    exchangeView `json:"exchange"`
	// Message is the suspended message in wire form.
	Message string `json:"message,omitempty"`
}

func viewSuspension(s *intercept.Suspension, raw bool) suspensionView {
	v := suspensionView{
		ID:          s.ID,
		Phase:       s.Phase.String(),
		Reason:      s.Reason,
		SuspendedAt: s.SuspendedAt,
		Exchange:    viewExchange(s.Exchange, false),
	}
	if raw && s.Message != nil {
		v.Message = string(s.Message.Bytes())
	}
	return v
}

type recordView struct {
	ID         string       `json:"id"`
	RecordedAt time.Time    `json:"recordedAt"`
	Exchange   exchangeView `json:"exchange"`
}

func viewRecord(rec history.Record, raw bool) recordView {
	return recordView{ID: rec.ID, RecordedAt: rec.RecordedAt, Exchange: viewExchange(rec.Exchange, raw)}
}

// ResumeRequest is the body of a resume call. Message replaces the
// suspended message with a raw HTTP message; Body only replaces its body,
// with the framing headers fixed up when it is forwarded.
type ResumeRequest struct {
	Decision string  `json:"decision"`
	Message  string  `json:"message,omitempty"`
	Body     *string `json:"body,omitempty"`
}

// Resolution turns the request into a decision for s.
func (r ResumeRequest) Resolution(s *intercept.Suspension) (intercept.Resolution, error) {
	decision := r.Decision
	if decision == "" {
		decision = "forward"
		if r.Message != "" || r.Body != nil {
			decision = "forward-modified"
		}
	}
	d, err := intercept.ParseDecision(decision)
	if err != nil {
		return intercept.Resolution{}, err
	}
	res := intercept.Resolution{Decision: d}
	if d != intercept.ResumeModified {
		return res, nil
	}

	switch {
	case r.Message != "":
		res.Message, err = parseMessage(r.Message, s)
		if err != nil {
			return res, err
		}
	case s.Message != nil:
		res.Message = s.Message.Clone()
	default:
		return res, errors.New("nothing to modify")
	}
	if r.Body != nil {
		if err := res.Message.SetBody([]byte(*r.Body)); err != nil {
			return res, err
		}
		// the body is sent as given
		res.Message.Header.Del("Content-Encoding")
	}
	return res, nil
}

// parseMessage reads a message of the kind s is suspended on. Line endings
// are normalized to CRLF in the head only.
func parseMessage(raw string, s *intercept.Suspension) (*http1.Message, error) {
	r := http1.NewReader(strings.NewReader(normalizeHead(raw)))
	var (
		m   *http1.Message
		err error
	)
	if s.Phase == intercept.ResponsePhase {
		method := "GET"
		if s.Exchange.Request != nil {
			method = s.Exchange.Request.Method
		}
		m, err = r.ReadResponse(method)
	} else {
		m, err = r.ReadRequest()
	}
	if err != nil {
		return nil, fmt.Errorf("bad message: %w", err)
	}
	return m, nil
}

func normalizeHead(raw string) string {
	head, body, found := strings.Cut(raw, "\r\n\r\n")
	if !found {
		head, body, found = strings.Cut(raw, "\n\n")
	}
	head = strings.ReplaceAll(strings.ReplaceAll(head, "\r\n", "\n"), "\n", "\r\n")
	if !found {
		return head + "\r\n\r\n"
	}
	return head + "\r\n\r\n" + body
}
