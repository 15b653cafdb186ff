// Package history provides storage adapters for completed exchanges.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elazarl/intercept"
)

// DefaultCapacity is the number of records a Memory keeps when no capacity
// is given.
const DefaultCapacity = 10000

// Record is one stored exchange.
type Record struct {
	ID         string              `json:"id"`
	RecordedAt time.Time           `json:"recordedAt"`
	Exchange   *intercept.Exchange `json:"-"`
}

// Memory is an in-memory intercept.HistorySink. Once full it evicts the
// oldest record for each new one.
type Memory struct {
	mu       sync.RWMutex
	capacity int
	records  []Record // ring, oldest at head
	head     int
	byID     map[string]int
}

var _ intercept.HistorySink = (*Memory)(nil)

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{capacity: capacity, byID: make(map[string]int)}
}

// Record stores ex and returns its id.
func (m *Memory) Record(ex *intercept.Exchange) (string, error) {
	rec := Record{ID: uuid.New().String(), RecordedAt: time.Now(), Exchange: ex}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) < m.capacity {
		m.byID[rec.ID] = len(m.records)
		m.records = append(m.records, rec)
		return rec.ID, nil
	}
	delete(m.byID, m.records[m.head].ID)
	m.records[m.head] = rec
	m.byID[rec.ID] = m.head
	m.head = (m.head + 1) % m.capacity
	return rec.ID, nil
}

func (m *Memory) Latest() (*intercept.Exchange, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return nil, false
	}
	return m.records[m.index(len(m.records)-1)].Exchange, true
}

func (m *Memory) Get(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return Record{}, false
	}
	return m.records[i], true
}

// List returns up to limit records, newest first, skipping the newest
// offset records. A limit <= 0 returns everything after offset.
func (m *Memory) List(offset, limit int) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.records)
	if offset < 0 {
		offset = 0
	}
	if offset >= n {
		return nil
	}
	if limit <= 0 || offset+limit > n {
		limit = n - offset
	}
	out := make([]Record, 0, limit)
	for i := n - 1 - offset; i >= n-offset-limit; i-- {
		out = append(out, m.records[m.index(i)])
	}
	return out
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.head = 0
	m.byID = make(map[string]int)
}

// index maps the i-th oldest record to its slot in the ring.
func (m *Memory) index(i int) int {
	return (m.head + i) % len(m.records)
}
