package slave

import (
	"errors"
	"sync"
	"time"

	"github.com/dataprovider/slaved/internal/timer"
)

// NonePID is the sentinel used where the original used "none" for pid.
const NonePID = -1

// ErrStillRunning is returned by Unref when the last reference would be
// dropped but pid != NonePID (spec.md §4.2).
var ErrStillRunning = errors.New("slave: cannot destroy a record with a live pid")

// Spec is the caller-supplied identity of a slave record, consulted by
// Registry.FindOrCreate (spec.md §3 "Lifecycle").
type Spec struct {
	Name    string
	ABI     string
	Secured bool
	Network bool
	PkgName string
}

// Slave is the central entity of this package (spec.md §3 "Slave record").
// Every mutation is expected to happen on the Slave Supervisor's single
// goroutine; mu exists only so read-mostly observers (an admin HTTP
// endpoint, metrics) can take a safe Snapshot concurrently.
type Slave struct {
	mu sync.RWMutex

	name    string
	abi     string
	secured bool
	network bool
	pkgname string

	state State
	pid   int

	refcount int

	loadedPackage  int
	loadedInstance int

	faultCount         int
	criticalFaultCount int
	activatedAt        time.Time

	reactivateSlave     bool
	reactivateInstances bool
	relaunchCount       int

	rpcHandle int

	// launchID is a fresh correlation id stamped by the Supervisor at the
	// start of each launch sequence (spec.md §3 implies nothing like this;
	// SPEC_FULL.md §11 adds it so a single launch attempt's log lines and
	// history events can be joined across relaunches).
	launchID string

	ttlTimer      timer.Handle
	activateTimer timer.Handle
	relaunchTimer timer.Handle

	events [eventKindCount]eventList
	data   map[string]any

	destroyed bool
}

// NewForRegistry constructs a fresh record with the registry's own strong
// reference already accounted for (refcount starts at 1). Only the
// registry package should call this; everyone else goes through
// Registry.FindOrCreate.
func NewForRegistry(spec Spec) *Slave {
	return &Slave{
		name:     spec.Name,
		abi:      spec.ABI,
		secured:  spec.Secured,
		network:  spec.Network,
		pkgname:  spec.PkgName,
		state:    StateTerminated,
		pid:      NonePID,
		refcount: 1,
		data:     make(map[string]any),
	}
}

// Ref takes an additional strong reference (spec.md §4.2 "ref increments").
func (s *Slave) Ref() {
	s.mu.Lock()
	s.refcount++
	s.mu.Unlock()
}

// Unref releases a strong reference. When it is the last one, the caller
// (Registry.Unref) is told to finish destruction — removing the record
// from its index — but only after this method has already run
// delete-callbacks and refused if pid is still live.
func (s *Slave) Unref() (destroy bool, err error) {
	s.mu.Lock()
	if s.refcount <= 0 {
		s.mu.Unlock()
		return false, nil
	}
	s.refcount--
	remaining := s.refcount
	pid := s.pid
	s.mu.Unlock()

	if remaining > 0 {
		return false, nil
	}
	if pid != NonePID {
		// Refuse: bump the refcount back up since we didn't actually
		// destroy anything (spec.md: "record is not destroyed").
		s.mu.Lock()
		s.refcount++
		s.mu.Unlock()
		return false, ErrStillRunning
	}

	s.InvokeEvents(EventDelete, nil)

	s.mu.Lock()
	s.destroyed = true
	for i := range s.events {
		s.events[i].entries = nil
	}
	s.data = nil
	s.mu.Unlock()
	return true, nil
}

// Snapshot is a point-in-time, concurrency-safe copy of a Slave's
// observable fields, used by the admin API and tests.
type Snapshot struct {
	Name                string
	ABI                 string
	Secured             bool
	Network             bool
	PkgName             string
	State               State
	PID                 int
	RefCount            int
	LoadedPackage       int
	LoadedInstance      int
	FaultCount          int
	CriticalFaultCount  int
	ActivatedAt         time.Time
	ReactivateSlave     bool
	ReactivateInstances bool
	RelaunchCount       int
	RPCHandle           int
}

func (s *Slave) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Name: s.name, ABI: s.abi, Secured: s.secured, Network: s.network,
		PkgName: s.pkgname, State: s.state, PID: s.pid, RefCount: s.refcount,
		LoadedPackage: s.loadedPackage, LoadedInstance: s.loadedInstance,
		FaultCount: s.faultCount, CriticalFaultCount: s.criticalFaultCount,
		ActivatedAt: s.activatedAt, ReactivateSlave: s.reactivateSlave,
		ReactivateInstances: s.reactivateInstances, RelaunchCount: s.relaunchCount,
		RPCHandle: s.rpcHandle,
	}
}

func (s *Slave) Name() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.name }
func (s *Slave) ABI() string  { s.mu.RLock(); defer s.mu.RUnlock(); return s.abi }
func (s *Slave) Secured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secured
}
func (s *Slave) Network() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.network
}
func (s *Slave) PkgName() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.pkgname }
func (s *Slave) PID() int        { s.mu.RLock(); defer s.mu.RUnlock(); return s.pid }
func (s *Slave) SetPID(pid int) {
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()
}
func (s *Slave) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
func (s *Slave) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
func (s *Slave) StateString() string { return s.State().String() }

// IsActivated matches spec.md invariant 1 exactly: true for every state
// except Terminated and RequestedTerminate.
func (s *Slave) IsActivated() bool { return s.State().Active() }

func (s *Slave) RPCHandle() int { s.mu.RLock(); defer s.mu.RUnlock(); return s.rpcHandle }
func (s *Slave) SetRPCHandle(h int) {
	s.mu.Lock()
	s.rpcHandle = h
	s.mu.Unlock()
}

// LaunchID returns the correlation id stamped at the start of the current
// (or most recent) launch sequence, for joining log lines and history
// events across a relaunch chain.
func (s *Slave) LaunchID() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.launchID }
func (s *Slave) SetLaunchID(id string) {
	s.mu.Lock()
	s.launchID = id
	s.mu.Unlock()
}

func (s *Slave) FaultCount() int { s.mu.RLock(); defer s.mu.RUnlock(); return s.faultCount }
func (s *Slave) CriticalFaultCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.criticalFaultCount
}
func (s *Slave) ActivatedAt() time.Time { s.mu.RLock(); defer s.mu.RUnlock(); return s.activatedAt }

func (s *Slave) RefCount() int { s.mu.RLock(); defer s.mu.RUnlock(); return s.refcount }

func (s *Slave) LoadedPackage() int  { s.mu.RLock(); defer s.mu.RUnlock(); return s.loadedPackage }
func (s *Slave) LoadedInstance() int { s.mu.RLock(); defer s.mu.RUnlock(); return s.loadedInstance }

// LoadPackage/UnloadPackage/LoadInstance/UnloadInstance mutate the
// multiplexing counters (spec.md §4.2 "slave_load_package" family).
// UnloadInstance returning true means loaded_instance reached zero while
// the slave is active — the caller (Supervisor) must deactivate.
func (s *Slave) LoadPackage() {
	s.mu.Lock()
	s.loadedPackage++
	s.mu.Unlock()
}

func (s *Slave) UnloadPackage() {
	s.mu.Lock()
	if s.loadedPackage > 0 {
		s.loadedPackage--
	}
	s.mu.Unlock()
}

func (s *Slave) LoadInstance() {
	s.mu.Lock()
	s.loadedInstance++
	s.mu.Unlock()
}

// UnloadInstance decrements loaded_instance and reports whether it hit
// zero while the slave is active (invariant 5: "triggers automatic
// deactivation").
func (s *Slave) UnloadInstance() (hitZeroWhileActive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadedInstance > 0 {
		s.loadedInstance--
	}
	return s.loadedInstance == 0 && s.state.Active()
}

func (s *Slave) ReactivateSlave() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reactivateSlave
}
func (s *Slave) ReactivateInstances() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reactivateInstances
}
func (s *Slave) SetReactivation(slaveFlag, instancesFlag bool) {
	s.mu.Lock()
	s.reactivateSlave = slaveFlag
	s.reactivateInstances = instancesFlag
	s.mu.Unlock()
}
func (s *Slave) ClearReactivation() { s.SetReactivation(false, false) }

func (s *Slave) RelaunchCount() int { s.mu.RLock(); defer s.mu.RUnlock(); return s.relaunchCount }
func (s *Slave) SetRelaunchCount(n int) {
	s.mu.Lock()
	s.relaunchCount = n
	s.mu.Unlock()
}
func (s *Slave) DecrementRelaunchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relaunchCount > 0 {
		s.relaunchCount--
	}
	return s.relaunchCount
}

// TTLArmed reports whether a TTL timer handle currently exists on this
// record. It intentionally does NOT mean "the TTL has elapsed" — see
// SPEC_FULL.md §12.8 (Open Question 3); elapsed TTL is only ever observed
// as the TTL timer's own fire callback invoking Deactivate.
func (s *Slave) TTLArmed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ttlTimer.Valid()
}

func (s *Slave) TTLTimer() timer.Handle { s.mu.RLock(); defer s.mu.RUnlock(); return s.ttlTimer }
func (s *Slave) SetTTLTimer(h timer.Handle) {
	s.mu.Lock()
	s.ttlTimer = h
	s.mu.Unlock()
}
func (s *Slave) ActivateTimer() timer.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activateTimer
}
func (s *Slave) SetActivateTimer(h timer.Handle) {
	s.mu.Lock()
	s.activateTimer = h
	s.mu.Unlock()
}
func (s *Slave) RelaunchTimer() timer.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relaunchTimer
}
func (s *Slave) SetRelaunchTimer(h timer.Handle) {
	s.mu.Lock()
	s.relaunchTimer = h
	s.mu.Unlock()
}

func (s *Slave) IncrementFaultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultCount++
	return s.faultCount
}

func (s *Slave) IncrementCriticalFaultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.criticalFaultCount++
	return s.criticalFaultCount
}

func (s *Slave) ResetCriticalFaultCount() {
	s.mu.Lock()
	s.criticalFaultCount = 0
	s.mu.Unlock()
}

func (s *Slave) SetActivatedAt(t time.Time) {
	s.mu.Lock()
	s.activatedAt = t
	s.mu.Unlock()
}

// SetData/Data/DelData implement the tagged scratchpad (spec.md §3 "data
// list").
func (s *Slave) SetData(key string, v any) {
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
}

func (s *Slave) Data(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Slave) DelData(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

// EventCallbackAdd registers cb for kind, newest-first.
func (s *Slave) EventCallbackAdd(kind EventKind, cb EventCallback, data any) {
	s.mu.Lock()
	s.events[kind].add(cb, data)
	s.mu.Unlock()
}

// EventCallbackDel removes the first (cb, data) match for kind.
func (s *Slave) EventCallbackDel(kind EventKind, cb EventCallback, data any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[kind].del(cb, data)
}

// InvokeEvents runs every callback registered for kind. onResult, if
// non-nil, is called with each callback's raw return value (used by the
// Supervisor to tally deactivate "reactivate requested" votes).
func (s *Slave) InvokeEvents(kind EventKind, onResult func(result int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[kind].invoke(s, onResult)
}

// IsDestroyed reports whether this record has already been torn down.
// Supervisor code must re-check this after every callback invocation that
// could have dropped the last reference (spec.md §9 "Reentrancy through
// refcounts").
func (s *Slave) IsDestroyed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destroyed
}
