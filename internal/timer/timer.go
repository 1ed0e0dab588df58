// Package timer implements the single-thread timer service that schedules
// one-shot and repeating callbacks for the slave supervisor's event loop.
//
// Every operation below is understood to execute on the same goroutine that
// drains Service.Run — there is no internal locking because, like the
// event loop it models, nothing else is allowed to mutate a *Handle
// concurrently. Callers that need to touch a Handle from another goroutine
// must hop back onto the service goroutine first (see Service.Do).
package timer

import (
	"container/heap"
	"time"
)

// Result is returned by a Callback to tell the service what to do with the
// timer that just fired.
type Result int

const (
	// Cancel removes the timer after this invocation.
	Cancel Result = iota
	// Renew restarts the timer with its original interval, compensating
	// for drift so a repeating callback does not accumulate skew.
	Renew
)

// Callback is invoked on the service goroutine when a timer fires.
type Callback func() Result

// Handle identifies a scheduled timer. The zero Handle is not valid.
type Handle struct {
	entry *entry
}

// Valid reports whether h refers to a live (not yet deleted) timer.
func (h Handle) Valid() bool { return h.entry != nil && !h.entry.deleted }

type entry struct {
	deadline time.Time
	interval time.Duration
	cb       Callback
	index    int // heap index
	deleted  bool
	frozen   bool
	// remaining holds the time left when Freeze was called, so Thaw can
	// re-arm relative to "now" instead of a deadline that already passed.
	remaining time.Duration
}

// Service runs one-shot and repeating timers on a single goroutine.
// It does not start its own goroutine; the owner drives it with Run.
type Service struct {
	heap    entryHeap
	wake    chan struct{}
	actions chan func()
	now     func() time.Time
}

// New creates a Service. The now function defaults to time.Now and exists
// so tests can inject a controllable clock.
func New(now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		wake:    make(chan struct{}, 1),
		actions: make(chan func(), 16),
		now:     now,
	}
}

// Add schedules cb to run after interval, and every interval thereafter as
// long as cb returns Renew.
func (s *Service) Add(interval time.Duration, cb Callback) Handle {
	e := &entry{deadline: s.now().Add(interval), interval: interval, cb: cb}
	heap.Push(&s.heap, e)
	s.poke()
	return Handle{entry: e}
}

// Delete cancels a pending timer. Safe to call on an already-fired or
// already-deleted handle.
func (s *Service) Delete(h Handle) {
	if h.entry == nil || h.entry.deleted {
		return
	}
	h.entry.deleted = true
	if idx := h.entry.index; idx >= 0 && idx < len(s.heap) && s.heap[idx] == h.entry {
		heap.Remove(&s.heap, idx)
	}
}

// Reset restarts the timer with its original interval, counted from now.
func (s *Service) Reset(h Handle) {
	if h.entry == nil || h.entry.deleted {
		return
	}
	s.heap.fix(h.entry, s.now().Add(h.entry.interval))
	s.poke()
}

// Freeze suspends a timer without losing its remaining time. A frozen
// timer never fires until Thaw re-arms it.
func (s *Service) Freeze(h Handle) {
	if h.entry == nil || h.entry.deleted || h.entry.frozen {
		return
	}
	h.entry.frozen = true
	h.entry.remaining = h.entry.deadline.Sub(s.now())
	if h.entry.remaining < 0 {
		h.entry.remaining = 0
	}
	if idx := h.entry.index; idx >= 0 && idx < len(s.heap) && s.heap[idx] == h.entry {
		heap.Remove(&s.heap, idx)
	}
}

// Thaw resumes a frozen timer from where it left off.
func (s *Service) Thaw(h Handle) {
	if h.entry == nil || h.entry.deleted || !h.entry.frozen {
		return
	}
	h.entry.frozen = false
	h.entry.deadline = s.now().Add(h.entry.remaining)
	heap.Push(&s.heap, h.entry)
	s.poke()
}

// Pending returns the time remaining until h fires, or zero if h is not
// live. A frozen timer reports its remaining time as of the freeze.
func (s *Service) Pending(h Handle) time.Duration {
	if h.entry == nil || h.entry.deleted {
		return 0
	}
	if h.entry.frozen {
		return h.entry.remaining
	}
	d := h.entry.deadline.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// Delay extends the remaining time of h by d (spec.md "delay"). Unlike
// RefreshTTL (owned by the slave supervisor), this does not reset to a
// fixed full interval; it is a relative extension.
func (s *Service) Delay(h Handle, d time.Duration) {
	if h.entry == nil || h.entry.deleted {
		return
	}
	if h.entry.frozen {
		h.entry.remaining += d
		return
	}
	s.heap.fix(h.entry, h.entry.deadline.Add(d))
	s.poke()
}

// DelayTo re-arms h so that exactly d remains from now, regardless of how
// much time was already pending. This grounds the original implementation's
// "thaw re-delays to the full interval" operation (see SPEC_FULL.md §12.4).
func (s *Service) DelayTo(h Handle, d time.Duration) {
	if h.entry == nil || h.entry.deleted {
		return
	}
	if h.entry.frozen {
		h.entry.remaining = d
		return
	}
	s.heap.fix(h.entry, s.now().Add(d))
	s.poke()
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Do schedules fn to run on the service goroutine and returns immediately.
// This is the only supported way to touch the timer service from outside
// its own goroutine.
func (s *Service) Do(fn func()) {
	s.actions <- fn
}

// Run drives the event loop until stop is closed. It must run on exactly
// one goroutine for the life of the Service.
func (s *Service) Run(stop <-chan struct{}) {
	for {
		var timerC <-chan time.Time
		var t *time.Timer
		if len(s.heap) > 0 {
			d := s.heap[0].deadline.Sub(s.now())
			if d < 0 {
				d = 0
			}
			t = time.NewTimer(d)
			timerC = t.C
		}

		select {
		case <-stop:
			if t != nil {
				t.Stop()
			}
			return
		case fn := <-s.actions:
			if t != nil {
				t.Stop()
			}
			fn()
		case <-s.wake:
			if t != nil {
				t.Stop()
			}
		case <-timerC:
			s.fireDue()
		}
	}
}

// NextDeadline returns the deadline of the soonest-firing live timer. The
// second return value is false if no timer is scheduled. A caller that
// embeds the timer heap in its own select loop uses this plus Tick instead
// of Run; cmd/slaved drives the service with Run, and the supervisor tests
// call Tick directly.
func (s *Service) NextDeadline() (time.Time, bool) {
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].deadline, true
}

// Tick fires every timer whose deadline is at or before now. It must be
// called from the same goroutine as every other Service method.
func (s *Service) Tick(now time.Time) {
	s.fireDueAt(now)
}

// fireDue pops and invokes every timer whose deadline has passed.
func (s *Service) fireDue() {
	s.fireDueAt(s.now())
}

func (s *Service) fireDueAt(now time.Time) {
	for len(s.heap) > 0 && !s.heap[0].deadline.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		if e.deleted {
			continue
		}
		// Drift compensation: the next fire is computed from the original
		// deadline, not from "now", so a repeating timer stays period
		// aligned even if this tick ran late.
		nextDeadline := e.deadline.Add(e.interval)
		res := e.cb()
		if e.deleted {
			continue
		}
		if res == Renew {
			e.deadline = nextDeadline
			if !e.deadline.After(now) {
				e.deadline = now.Add(e.interval)
			}
			heap.Push(&s.heap, e)
		} else {
			e.deleted = true
		}
	}
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.index = -1
	return e
}

// fix updates an entry already in the heap to a new deadline and re-heapifies.
func (h *entryHeap) fix(e *entry, deadline time.Time) {
	e.deadline = deadline
	if e.index >= 0 && e.index < len(*h) && (*h)[e.index] == e {
		heap.Fix(h, e.index)
	}
}
