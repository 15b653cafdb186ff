package har

import (
	"strconv"
	"sync"
	"time"

	"github.com/elazarl/intercept"
)

// ExportFunc is a function type that users can implement to handle exported entries
type ExportFunc func([]Entry)

// Logger is a history sink that converts exchanges to HAR entries and
// exports them in batches.
type Logger struct {
	exportFunc      ExportFunc
	exportInterval  time.Duration
	exportThreshold int
	captureContent  bool
	dataCh          chan Entry
	done            chan struct{}
	stopOnce        sync.Once

	mu     sync.Mutex
	latest *intercept.Exchange
	count  int64
}

// LoggerOption is a function type for configuring the Logger
type LoggerOption func(*Logger)

// WithExportInterval sets the interval for automatic exports
func WithExportInterval(d time.Duration) LoggerOption {
	return func(l *Logger) {
		l.exportInterval = d
	}
}

// WithExportThreshold sets the number of exchanges after which to export entries
func WithExportThreshold(threshold int) LoggerOption {
	return func(l *Logger) {
		l.exportThreshold = threshold
	}
}

// WithContent records message bodies in the entries.
func WithContent() LoggerOption {
	return func(l *Logger) {
		l.captureContent = true
	}
}

// NewLogger creates a new HAR logger instance
func NewLogger(exportFunc ExportFunc, opts ...LoggerOption) *Logger {
	l := &Logger{
		exportFunc:      exportFunc,
		exportThreshold: 100, // Default threshold
		exportInterval:  0,   // Default no interval
		dataCh:          make(chan Entry, 64),
		done:            make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	go l.exportLoop()
	return l
}

// Record converts ex to an entry. The returned id is the entry's position
// in the export stream.
func (l *Logger) Record(ex *intercept.Exchange) (string, error) {
	entry := ParseExchange(ex, l.captureContent)
	l.mu.Lock()
	l.latest = ex
	l.count++
	id := l.count
	l.mu.Unlock()

	l.dataCh <- entry
	return "har-" + strconv.FormatInt(id, 10), nil
}

func (l *Logger) Latest() (*intercept.Exchange, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest, l.latest != nil
}

func (l *Logger) exportLoop() {
	defer close(l.done)
	var entries []Entry

	exportIfNeeded := func() {
		if len(entries) > 0 {
			l.exportFunc(entries)
			entries = nil
		}
	}

	var tickerC <-chan time.Time
	if l.exportInterval > 0 {
		ticker := time.NewTicker(l.exportInterval)
		defer ticker.Stop()
		tickerC = ticker.C
	}

	for {
		select {
		case entry, ok := <-l.dataCh:
			if !ok {
				exportIfNeeded()
				return
			}
			entries = append(entries, entry)
			if l.exportThreshold > 0 && len(entries) >= l.exportThreshold {
				exportIfNeeded()
			}
		case <-tickerC:
			exportIfNeeded()
		}
	}
}

// Stop exports what is pending and waits for the export to finish. Record
// must not be called afterwards.
func (l *Logger) Stop() {
	l.stopOnce.Do(func() {
		close(l.dataCh)
	})
	<-l.done
}
