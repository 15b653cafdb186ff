package intercept

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/elazarl/intercept/http1"
)

// Phase is the point of an exchange an interceptor runs at.
type Phase int

const (
	// RequestPhase runs before the request is sent upstream.
	RequestPhase Phase = iota
	// ResponsePhase runs before the response is sent to the client.
	ResponsePhase
)

func (p Phase) String() string {
	if p == ResponsePhase {
		return "response"
	}
	return "request"
}

// Outcome is what an interceptor wants done with the exchange. When several
// interceptors run, the most severe outcome wins.
type Outcome int

const (
	Continue Outcome = iota // Pass the message on unchanged
	Modified                // The message was changed in place
	Break                   // Suspend the exchange until it is resumed
	Drop                    // Abort the exchange and close the connection leg
)

func (o Outcome) String() string {
	switch o {
	case Modified:
		return "modified"
	case Break:
		return "break"
	case Drop:
		return "drop"
	}
	return "continue"
}

// Interceptor inspects, and when allowed, changes the message of the current
// phase. ctx.Exchange holds the whole exchange so far.
// Returning an error is treated as Continue for that exchange.
type Interceptor interface {
	Intercept(msg *http1.Message, ctx *ProxyCtx) (Outcome, error)
}

// A wrapper that would convert a function to an Interceptor interface type
type InterceptorFunc func(msg *http1.Message, ctx *ProxyCtx) (Outcome, error)

func (f InterceptorFunc) Intercept(msg *http1.Message, ctx *ProxyCtx) (Outcome, error) {
	return f(msg, ctx)
}

// Capabilities declare what an interceptor entry may see and do. An entry
// without Modify is handed a frozen copy of the message; one without Break
// cannot suspend the exchange.
type Capabilities struct {
	ObserveRequest  bool `json:"observeRequest"`
	ObserveResponse bool `json:"observeResponse"`
	Modify          bool `json:"modify"`
	Break           bool `json:"break"`
}

var (
	Observer = Capabilities{ObserveRequest: true, ObserveResponse: true}
	Rewriter = Capabilities{ObserveRequest: true, ObserveResponse: true, Modify: true}
	Breaker  = Capabilities{ObserveRequest: true, ObserveResponse: true, Modify: true, Break: true}
)

func (c Capabilities) observes(p Phase) bool {
	if p == ResponsePhase {
		return c.ObserveResponse
	}
	return c.ObserveRequest
}

// FailurePolicy controls when a failing interceptor is disabled.
type FailurePolicy struct {
	// MaxConsecutiveFailures disables an entry after that many errors or
	// panics in a row. 0 never disables.
	MaxConsecutiveFailures int
}

type entry struct {
	id       int64
	name     string
	priority int
	caps     Capabilities
	ic       Interceptor

	enabled     atomic.Bool
	consecutive atomic.Int64
	failures    atomic.Int64
}

// EntryInfo describes one pipeline entry.
type EntryInfo struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Priority     int          `json:"priority"`
	Capabilities Capabilities `json:"capabilities"`
	Enabled      bool         `json:"enabled"`
	Failures     int64        `json:"failures"`
}

// Pipeline is the ordered interceptor list. Lower priorities run first;
// entries of equal priority run in insertion order. A phase runs over a
// snapshot taken when it starts, so changes apply to later phases only.
type Pipeline struct {
	mu      sync.RWMutex
	entries []*entry
	nextID  int64

	policy  FailurePolicy
	logger  Logger
	metrics *Metrics
}

func NewPipeline(policy FailurePolicy, logger Logger, metrics *Metrics) *Pipeline {
	if logger == nil {
		logger = nopLogger{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Pipeline{policy: policy, logger: logger, metrics: metrics}
}

// Add appends an enabled entry with priority 0 and returns its id.
func (p *Pipeline) Add(name string, caps Capabilities, ic Interceptor) int64 {
	return p.AddWithPriority(name, 0, caps, ic)
}

func (p *Pipeline) AddWithPriority(name string, priority int, caps Capabilities, ic Interceptor) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	e := &entry{id: p.nextID, name: name, priority: priority, caps: caps, ic: ic}
	e.enabled.Store(true)
	// ids grow with insertion, so a stable sort keeps insertion order
	p.entries = append(p.entries, e)
	p.sortLocked()
	return e.id
}

// Remove deletes the entry. Phases already running are not affected.
func (p *Pipeline) Remove(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.id == id {
			p.entries = append(p.entries[:i:i], p.entries[i+1:]...)
			return true
		}
	}
	return false
}

// SetEnabled turns an entry on or off. Enabling resets its failure streak.
func (p *Pipeline) SetEnabled(id int64, enabled bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e := p.findLocked(id)
	if e == nil {
		return false
	}
	if enabled {
		e.consecutive.Store(0)
	}
	e.enabled.Store(enabled)
	return true
}

func (p *Pipeline) SetPriority(id int64, priority int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.findLocked(id)
	if e == nil {
		return false
	}
	// replaced rather than mutated, running snapshots keep the old order
	moved := &entry{id: e.id, name: e.name, priority: priority, caps: e.caps, ic: e.ic}
	moved.enabled.Store(e.enabled.Load())
	moved.consecutive.Store(e.consecutive.Load())
	moved.failures.Store(e.failures.Load())
	for i := range p.entries {
		if p.entries[i] == e {
			p.entries[i] = moved
		}
	}
	p.sortLocked()
	return true
}

// Entries lists the pipeline in execution order.
func (p *Pipeline) Entries() []EntryInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]EntryInfo, len(p.entries))
	for i, e := range p.entries {
		out[i] = EntryInfo{
			ID:           e.id,
			Name:         e.name,
			Priority:     e.priority,
			Capabilities: e.caps,
			Enabled:      e.enabled.Load(),
			Failures:     e.failures.Load(),
		}
	}
	return out
}

func (p *Pipeline) findLocked(id int64) *entry {
	for _, e := range p.entries {
		if e.id == id {
			return e
		}
	}
	return nil
}

func (p *Pipeline) sortLocked() {
	entries := make([]*entry, len(p.entries))
	copy(entries, p.entries)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].id < entries[j].id
	})
	p.entries = entries
}

// snapshot returns the entries enabled right now. A phase runs on its
// snapshot, so later changes only apply to the next phase.
func (p *Pipeline) snapshot() []*entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	enabled := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.enabled.Load() {
			enabled = append(enabled, e)
		}
	}
	return enabled
}

// Run invokes the entries observing phase on the message of that phase and
// returns the combined outcome. Drop returns at once; a canned response set
// with ctx.Respond ends the request phase.
func (p *Pipeline) Run(phase Phase, ctx *ProxyCtx) Outcome {
	ctx.Phase = phase
	msg := ctx.Exchange.Request
	if phase == ResponsePhase {
		msg = ctx.Exchange.Response
	}
	if msg == nil {
		return Continue
	}

	result := Continue
	var view *Exchange
	for _, e := range p.snapshot() {
		if !e.caps.observes(phase) {
			continue
		}
		target, c := msg, ctx
		if !e.caps.Modify {
			if view == nil {
				view = ctx.Exchange.view()
			}
			c = ctx.observer(view)
			target = view.Request
			if phase == ResponsePhase {
				target = view.Response
			}
		}

		out, err := p.invoke(e, target, c)
		if err != nil {
			p.fail(e, ctx, err)
			continue
		}
		e.consecutive.Store(0)

		switch {
		case out == Break && !e.caps.Break,
			(out == Modified || out == Drop) && !e.caps.Modify:
			ctx.Warnf("interceptor %q returned %v without the capability, ignored", e.name, out)
			out = Continue
		}
		if out == Drop {
			return Drop
		}
		if out > result {
			result = out
		}
		if phase == RequestPhase && ctx.response != nil {
			if result < Modified {
				result = Modified
			}
			break
		}
	}
	return result
}

func (p *Pipeline) invoke(e *entry, msg *http1.Message, ctx *ProxyCtx) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.ic.Intercept(msg, ctx)
}

func (p *Pipeline) fail(e *entry, ctx *ProxyCtx, err error) {
	e.failures.Add(1)
	n := e.consecutive.Add(1)
	p.metrics.InterceptorFailures.WithLabelValues(e.name).Inc()
	p.logger.Warnf(ctx.Session, "interceptor %q failed on %v: %v", e.name, ctx.Phase, err)
	if limit := p.policy.MaxConsecutiveFailures; limit > 0 && n >= int64(limit) {
		if e.enabled.CompareAndSwap(true, false) {
			p.logger.Errorf(ctx.Session, "interceptor %q disabled after %d consecutive failures", e.name, n)
		}
	}
}
