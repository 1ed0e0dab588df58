// Package registry implements the process-wide directory of slave records
// (spec.md §4.2). It owns creation and destruction; lookups that find
// nothing return nil rather than manufacturing sentinel records.
package registry

import (
	"strings"
	"sync"

	"github.com/dataprovider/slaved/internal/slave"
)

// ErrStillRunning is returned when destruction is attempted on a record
// whose pid is still set — a programming error per spec.md §4.2
// ("Attempting to destroy a record with pid ≠ none is a programming error
// and must be reported (record is not destroyed)").
var ErrStillRunning = slave.ErrStillRunning

// Registry is the process-wide directory. The zero value is not usable;
// use New. Like the Slave Supervisor, every mutating method is meant to be
// called from the supervisor's single goroutine; the mutex exists to make
// read-only enumeration safe from other goroutines (the admin API).
type Registry struct {
	mu            sync.RWMutex
	byName        map[string]*slave.Slave
	order         []*slave.Slave // insertion order, for find_available's "first in insertion order"
	deactivateAll int            // bulk-quiesce nesting depth (spec.md §4.3 "Bulk operations")
}

func New() *Registry {
	return &Registry{byName: make(map[string]*slave.Slave)}
}

// FindByName returns the slave registered under name, or nil.
func (r *Registry) FindByName(name string) *slave.Slave {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// FindByPID linear-searches for a slave currently holding pid.
func (r *Registry) FindByPID(pid int) *slave.Slave {
	if pid == slave.NonePID {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.order {
		if s.PID() == pid {
			return s
		}
	}
	return nil
}

// FindByRPCHandle guards handle<=0 the way slave_find_by_rpc_handle does.
func (r *Registry) FindByRPCHandle(handle int) *slave.Slave {
	if handle <= 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.order {
		if s.RPCHandle() == handle {
			return s
		}
	}
	return nil
}

// FindByPackage returns a slave currently hosting pkgname. Per
// SPEC_FULL.md §12.2, it only considers slaves that already hold an OS
// pid — a slave mid-launch is not a valid attribution target yet.
func (r *Registry) FindByPackage(pkgname string) *slave.Slave {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.order {
		if s.PkgName() == pkgname && s.PID() != slave.NonePID {
			return s
		}
	}
	return nil
}

// All enumerates every registered slave, insertion order.
func (r *Registry) All() []*slave.Slave {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*slave.Slave, len(r.order))
	copy(out, r.order)
	return out
}

// AvailabilityRequest is the query shape for FindAvailable.
type AvailabilityRequest struct {
	ABI        string
	Secured    bool
	Network    bool
	DefaultABI string
	MaxLoad    int
}

// FindAvailable implements the exact 5-step selection algorithm of
// spec.md §4.2. It returns the first slave in insertion order satisfying
// every step; nil if none fits.
//
// Open Question 1 (SPEC_FULL.md §12, resolved): for secured slaves the
// loaded_package cap beyond "== 0" is intentionally not consulted here —
// a secured slave hosts exactly one package, enforced by the == 0 check
// alone; MaxLoad only bounds unsecured multiplexing.
func (r *Registry) FindAvailable(req AvailabilityRequest) *slave.Slave {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.order {
		if s.Secured() != req.Secured {
			continue
		}
		if s.State() == slave.StateRequestedTerminate && s.LoadedInstance() == 0 {
			continue // scheduled for death and unreusable
		}
		if !strings.EqualFold(s.ABI(), req.ABI) {
			continue
		}
		if req.Secured {
			if s.LoadedPackage() != 0 {
				continue
			}
		} else {
			if s.Network() != req.Network {
				continue
			}
			if strings.EqualFold(s.ABI(), req.DefaultABI) && s.LoadedPackage() >= req.MaxLoad {
				continue
			}
		}
		return s
	}
	return nil
}

// FindOrCreate returns the existing record for spec.Name, or creates one.
// If an existing record's Secured flag disagrees with spec.Secured, it is
// returned anyway with a sanity warning left to the caller to log
// (SPEC_FULL.md §12.9) — this is not treated as an error.
func (r *Registry) FindOrCreate(spec slave.Spec) (s *slave.Slave, mismatch bool, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[spec.Name]; ok {
		return existing, existing.Secured() != spec.Secured, false
	}
	s = slave.NewForRegistry(spec)
	r.byName[spec.Name] = s
	r.order = append(r.order, s)
	return s, false, true
}

// Ref takes an additional strong reference.
func (r *Registry) Ref(s *slave.Slave) {
	s.Ref()
}

// Unref releases a strong reference. If it was the last one and the slave
// has no pid, the record is destroyed: delete-callbacks fire, its event
// lists and scratchpad are freed, its timers are cancelled by the caller
// (the Supervisor, which owns the Timer Service), and it is removed from
// the registry. If pid != none, destruction is refused and ErrStillRunning
// is returned with the record left exactly as it was (spec.md §4.2).
func (r *Registry) Unref(s *slave.Slave) (bool, error) {
	destroy, err := s.Unref()
	if err != nil {
		return false, err
	}
	if !destroy {
		return false, nil
	}
	r.mu.Lock()
	delete(r.byName, s.Name())
	for i, o := range r.order {
		if o == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return true, nil
}

// BeginDeactivateAll and EndActivateAll implement the reference-counted
// bulk quiesce/unquiesce pair (spec.md §4.3 "Bulk operations"). Only the
// outermost BeginDeactivateAll call (depth 0 -> 1) and the outermost
// EndActivateAll call (depth 1 -> 0) should actually be acted upon by the
// caller; the returned bool says so.
func (r *Registry) BeginDeactivateAll() (shouldAct bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivateAll++
	return r.deactivateAll == 1
}

func (r *Registry) EndActivateAll() (shouldAct bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deactivateAll == 0 {
		return false
	}
	r.deactivateAll--
	return r.deactivateAll == 0
}

func (r *Registry) DeactivateAllDepth() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deactivateAll
}
