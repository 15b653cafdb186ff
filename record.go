package intercept

import (
	"sync"
)

// HistorySink stores completed exchanges. Record is called once per
// exchange, from a single goroutine; exchanges handed to it are sealed and
// must not be modified.
type HistorySink interface {
	Record(ex *Exchange) (string, error)
	Latest() (*Exchange, bool)
}

// historyQueue feeds the sink from a bounded queue so that a slow sink
// never holds up a connection.
type historyQueue struct {
	sink    HistorySink
	ch      chan *Exchange
	done    chan struct{}
	logger  Logger
	metrics *Metrics

	mu     sync.RWMutex
	closed bool
}

func newHistoryQueue(sink HistorySink, size int, logger Logger, metrics *Metrics) *historyQueue {
	if sink == nil {
		return nil
	}
	q := &historyQueue{
		sink:    sink,
		ch:      make(chan *Exchange, size),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}
	go q.run()
	return q
}

func (q *historyQueue) run() {
	defer close(q.done)
	for ex := range q.ch {
		if _, err := q.sink.Record(ex); err != nil {
			q.logger.Warnf(ex.ConnID, "Cannot record exchange %d: %v", ex.ID, err)
		}
	}
}

func (q *historyQueue) push(ex *Exchange) {
	if q == nil {
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- ex:
	default:
		q.metrics.HistoryDropped.Inc()
		q.logger.Warnf(ex.ConnID, "History queue full, exchange %d not recorded", ex.ID)
	}
}

// close stops accepting records and waits for the queued ones.
func (q *historyQueue) close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	<-q.done
}

// record seals ex and hands it to the observers of completed exchanges.
// result labels the exchange in the metrics.
func (e *Engine) record(ex *Exchange, result string) {
	ex.seal()
	e.opts.Metrics.Exchanges.WithLabelValues(result).Inc()
	e.events.publish(exchangeEvent(EventExchange, ex))
	e.history.push(ex)
}
