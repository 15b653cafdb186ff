package intercept

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/intercept/http1"
	"github.com/elazarl/intercept/match"
)

// Direction selects the phases a breakpoint rule applies to.
type Direction int

const (
	DirectionRequest Direction = 1 << iota
	DirectionResponse
	DirectionBoth = DirectionRequest | DirectionResponse
)

func (d Direction) covers(p Phase) bool {
	if p == ResponsePhase {
		return d&DirectionResponse != 0
	}
	return d&DirectionRequest != 0
}

func (d Direction) String() string {
	switch d {
	case DirectionRequest:
		return "request"
	case DirectionResponse:
		return "response"
	case DirectionBoth:
		return "both"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "request", "req":
		return DirectionRequest, nil
	case "response", "resp":
		return DirectionResponse, nil
	case "", "both":
		return DirectionBoth, nil
	}
	return 0, fmt.Errorf("unknown breakpoint direction %q", s)
}

// BreakpointRule suspends every exchange matching Condition in the phases
// covered by Direction.
type BreakpointRule struct {
	ID        int64
	Name      string
	Direction Direction
	Condition match.Condition
}

// Decision resumes a suspended exchange.
type Decision int

const (
	ResumeForward  Decision = iota // Forward the message as it was suspended
	ResumeModified                 // Forward Resolution.Message instead
	ResumeDrop                     // Drop the exchange and close the connection leg
)

func (d Decision) String() string {
	switch d {
	case ResumeModified:
		return "forward-modified"
	case ResumeDrop:
		return "drop"
	}
	return "forward"
}

func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(s) {
	case "forward":
		return ResumeForward, nil
	case "forward-modified", "modified":
		return ResumeModified, nil
	case "drop":
		return ResumeDrop, nil
	}
	return 0, fmt.Errorf("unknown decision %q", s)
}

// Resolution is the external decision on a suspended exchange.
type Resolution struct {
	Decision Decision
	// Message replaces the suspended message for ResumeModified. It must be
	// a request when the exchange was suspended in the request phase, and a
	// response otherwise.
	Message *http1.Message
}

// Suspension is an exchange waiting for a decision. Its fields are
// snapshots; edits go through Resume.
type Suspension struct {
	ID          int64
	Phase       Phase
	Reason      string
	Exchange    *Exchange
	Message     *http1.Message
	SuspendedAt time.Time

	ch chan Resolution
}

// Breakpoints holds the breakpoint rules and the exchanges they suspended.
type Breakpoints struct {
	mu       sync.Mutex
	rules    []BreakpointRule
	nextRule int64
	pending  map[int64]*Suspension
	nextID   int64

	events  *Events
	metrics *Metrics
}

func newBreakpoints(events *Events, metrics *Metrics) *Breakpoints {
	return &Breakpoints{pending: make(map[int64]*Suspension), events: events, metrics: metrics}
}

func (b *Breakpoints) AddRule(name string, dir Direction, cond match.Condition) int64 {
	if cond == nil {
		cond = match.Always
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextRule++
	b.rules = append(b.rules, BreakpointRule{ID: b.nextRule, Name: name, Direction: dir, Condition: cond})
	return b.nextRule
}

func (b *Breakpoints) RemoveRule(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.rules {
		if r.ID == id {
			b.rules = append(b.rules[:i:i], b.rules[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Breakpoints) Rules() []BreakpointRule {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BreakpointRule(nil), b.rules...)
}

// matching returns the name of the first rule matching s in phase.
func (b *Breakpoints) matching(phase Phase, s match.Subject) (string, bool) {
	for _, r := range b.Rules() {
		if r.Direction.covers(phase) && r.Condition.Match(s) {
			return r.Name, true
		}
	}
	return "", false
}

// Pending lists the suspended exchanges, oldest first.
func (b *Breakpoints) Pending() []*Suspension {
	b.mu.Lock()
	out := make([]*Suspension, 0, len(b.pending))
	for _, s := range b.pending {
		out = append(out, s)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Breakpoints) Get(id int64) (*Suspension, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.pending[id]
	return s, ok
}

// Resume delivers the decision for a suspended exchange. It fails with
// ErrSuspensionNotFound when the exchange was already resumed, timed out or
// its connection closed.
func (b *Breakpoints) Resume(id int64, res Resolution) error {
	if res.Decision == ResumeModified {
		if res.Message == nil {
			return errors.New("intercept: forward-modified needs a message")
		}
	}

	b.mu.Lock()
	s, ok := b.pending[id]
	if ok && res.Decision == ResumeModified && res.Message.IsResponse() != (s.Phase == ResponsePhase) {
		b.mu.Unlock()
		return fmt.Errorf("intercept: suspension %d holds a %v, got the wrong message kind", id, s.Phase)
	}
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return ErrSuspensionNotFound
	}

	s.ch <- res
	return nil
}

func (b *Breakpoints) suspend(ex *Exchange, phase Phase, reason string) *Suspension {
	view := ex.view()
	msg := view.Request
	if phase == ResponsePhase {
		msg = view.Response
	}
	b.mu.Lock()
	b.nextID++
	s := &Suspension{
		ID:          b.nextID,
		Phase:       phase,
		Reason:      reason,
		Exchange:    view,
		Message:     msg,
		SuspendedAt: time.Now(),
		ch:          make(chan Resolution, 1),
	}
	b.pending[s.ID] = s
	b.mu.Unlock()

	b.metrics.Suspended.Inc()
	ev := exchangeEvent(EventSuspended, view)
	ev.SuspensionID, ev.Phase, ev.Reason = s.ID, phase.String(), reason
	b.events.publish(ev)
	return s
}

// release removes s without a decision. It reports false when a decision
// arrived first.
func (b *Breakpoints) release(s *Suspension) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[s.ID]; !ok {
		return false
	}
	delete(b.pending, s.ID)
	return true
}

// await blocks until s is resumed, the timeout elapses, ctx is done or
// gone is closed. The last two drop the exchange.
func (b *Breakpoints) await(ctx context.Context, s *Suspension, timeout time.Duration, onTimeout Decision, gone <-chan struct{}) Resolution {
	defer b.metrics.Suspended.Dec()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var res Resolution
	reason := "resumed"
	select {
	case res = <-s.ch:
	case <-ctx.Done():
		res, reason = Resolution{Decision: ResumeDrop}, "connection closed"
	case <-gone:
		res, reason = Resolution{Decision: ResumeDrop}, "client gone"
	case <-expired:
		res, reason = Resolution{Decision: onTimeout}, "timeout"
		if onTimeout == ResumeModified {
			res.Decision = ResumeForward
		}
	}
	if reason != "resumed" && !b.release(s) {
		// Resume won the race
		res, reason = <-s.ch, "resumed"
	}

	b.events.publish(Event{
		Kind:         EventResumed,
		SuspensionID: s.ID,
		ExchangeID:   s.Exchange.ID,
		Phase:        s.Phase.String(),
		Decision:     res.Decision.String(),
		Reason:       reason,
	})
	return res
}
