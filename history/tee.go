package history

import (
	"errors"

	"github.com/elazarl/intercept"
)

// Tee records every exchange to each sink in turn. The id returned is the
// one assigned by the first sink; Latest is answered by the first sink.
type Tee []intercept.HistorySink

func (t Tee) Record(ex *intercept.Exchange) (string, error) {
	var (
		id   string
		errs []error
	)
	for i, s := range t {
		sid, err := s.Record(ex)
		if err != nil {
			errs = append(errs, err)
		}
		if i == 0 {
			id = sid
		}
	}
	return id, errors.Join(errs...)
}

func (t Tee) Latest() (*intercept.Exchange, bool) {
	if len(t) == 0 {
		return nil, false
	}
	return t[0].Latest()
}
