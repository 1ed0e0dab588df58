package slave

// EventKind identifies one of the six observer callback lists a slave
// record carries (spec.md §3, §4.3 "Event callbacks").
type EventKind int

const (
	EventActivate EventKind = iota
	EventDeactivate
	EventDelete
	EventPause
	EventResume
	EventFault
	eventKindCount
)

// EventCallback is invoked with the slave and the opaque data it was
// registered with. A negative return value removes the callback from its
// list after this invocation completes; any non-negative value keeps it
// registered. Deactivate callbacks additionally use the return value as a
// "reactivate requested" vote: positive means "yes, reactivate."
type EventCallback func(s *Slave, data any) int

type eventEntry struct {
	cb   EventCallback
	data any
}

// eventList holds callbacks for one EventKind, newest-registration-first.
type eventList struct {
	entries []*eventEntry
}

// add prepends cb so the most recently registered observer runs first
// (spec.md §4.3 "Event callbacks": "Lists are ordered newest first").
func (l *eventList) add(cb EventCallback, data any) {
	l.entries = append([]*eventEntry{{cb: cb, data: data}}, l.entries...)
}

// del removes the first entry whose (callback, data) pair matches exactly.
func (l *eventList) del(cb EventCallback, data any) bool {
	for i, e := range l.entries {
		if sameCallback(e.cb, cb) && e.data == data {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// invoke runs every callback against s in list order, over a snapshot of
// the list so that callbacks adding or removing entries (including
// removing themselves, or destroying s) do not corrupt the iteration —
// the FOREACH_SAFE idiom from slave_life.c. Self-removal (negative return)
// is applied after invocation, never during. invoke stops early if s is
// destroyed mid-iteration.
//
// invoke returns nothing; callers that need vote counting (deactivate)
// inspect each return value via onResult.
//
// The caller (Slave.InvokeEvents) holds s.mu on entry. invoke releases it
// while the callbacks run, so they can call back into s, and takes it
// again before touching the list.
func (l *eventList) invoke(s *Slave, onResult func(result int)) {
	snapshot := make([]*eventEntry, len(l.entries))
	copy(snapshot, l.entries)

	s.mu.Unlock()
	var toRemove []*eventEntry
	for _, e := range snapshot {
		if s.IsDestroyed() {
			break
		}
		result := e.cb(s, e.data)
		if onResult != nil {
			onResult(result)
		}
		if result < 0 {
			toRemove = append(toRemove, e)
		}
	}
	s.mu.Lock()
	if s.destroyed || len(toRemove) == 0 {
		return
	}
	remaining := l.entries[:0:0]
	for _, e := range l.entries {
		removed := false
		for _, r := range toRemove {
			if e == r {
				removed = true
				break
			}
		}
		if !removed {
			remaining = append(remaining, e)
		}
	}
	l.entries = remaining
}

// sameCallback compares two EventCallback values. Go func values are only
// comparable to nil, so identity is approximated the way callers are
// expected to use this API: register a named function or method value and
// pass the exact same value back to Del. Reflection gives us pointer
// equality for that common case.
func sameCallback(a, b EventCallback) bool {
	return funcPointer(a) == funcPointer(b)
}
