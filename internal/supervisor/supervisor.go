// Package supervisor implements the Slave Supervisor (spec.md §4.3): the
// per-slave state machine driving launch, the activation handshake,
// pause/resume, TTL expiry, termination, and reactivation policy. It is
// the busiest component in this module (spec.md §2 estimates it at ~55%
// of the core), coordinating the Timer Service, the Slave Registry, and
// the Fault Manager from a single logical thread (spec.md §5).
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dataprovider/slaved/internal/config"
	"github.com/dataprovider/slaved/internal/fault"
	"github.com/dataprovider/slaved/internal/history"
	"github.com/dataprovider/slaved/internal/metrics"
	"github.com/dataprovider/slaved/internal/ports"
	"github.com/dataprovider/slaved/internal/registry"
	"github.com/dataprovider/slaved/internal/slave"
	"github.com/dataprovider/slaved/internal/timer"
)

// Error taxonomy (spec.md §7). MEMORY has no Go analogue (allocation
// failure isn't a caller-visible outcome here) and is omitted.
var (
	ErrAlready  = errors.New("supervisor: already in requested state")
	ErrInvalid  = errors.New("supervisor: operation not permitted in current state")
	ErrNotExist = errors.New("supervisor: slave not found")
)

// dataKeyBulkQuiesced tags a slave record's scratchpad (spec.md §3 "data
// list") when DeactivateAll put it down, so the matching ActivateAll knows
// which slaves to bring back up.
const dataKeyBulkQuiesced = "supervisor.bulk_quiesced"

// Supervisor drives every slave record in reg through its lifecycle.
// Every exported method is meant to be called from the single goroutine
// described in spec.md §5 ("Scheduling model"); nothing here takes its
// own lock beyond what slave.Slave and registry.Registry already provide
// for concurrent reads from other goroutines (e.g. an admin API).
type Supervisor struct {
	reg       *registry.Registry
	timers    *timer.Service
	launcher  ports.Launcher
	transport ports.Transport
	display   ports.DisplayMonitor
	faults    *fault.Manager
	tunables  config.Tunables
	sink      history.Sink
	now       func() time.Time
}

// Option configures an optional collaborator on New.
type Option func(*Supervisor)

// WithDisplayMonitor wires the system-wide pause/resume source (spec.md
// §4.3 "Activation handshake": "If the display monitor currently reports
// paused, pause immediately").
func WithDisplayMonitor(d ports.DisplayMonitor) Option {
	return func(s *Supervisor) { s.display = d }
}

// WithHistorySink wires the lifecycle/fault audit trail (SPEC_FULL.md §11).
func WithHistorySink(h history.Sink) Option {
	return func(s *Supervisor) { s.sink = h }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func New(reg *registry.Registry, timers *timer.Service, launcher ports.Launcher, transport ports.Transport, faults *fault.Manager, tunables config.Tunables, opts ...Option) *Supervisor {
	s := &Supervisor{
		reg:       reg,
		timers:    timers,
		launcher:  launcher,
		transport: transport,
		faults:    faults,
		tunables:  tunables,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire implements the caller-facing "get me a slave for this request"
// operation: reuse an existing record via Registry.FindAvailable, or
// create one and launch it (spec.md §4.2 "find_available", §4.3
// "Launch"). The returned slave carries one extra reference belonging to
// the caller; release it with Registry.Unref when done.
func (s *Supervisor) Acquire(ctx context.Context, spec slave.Spec) (*slave.Slave, error) {
	if existing := s.reg.FindAvailable(registry.AvailabilityRequest{
		ABI:        spec.ABI,
		Secured:    spec.Secured,
		Network:    spec.Network,
		DefaultABI: s.tunables.DefaultABI,
		MaxLoad:    s.tunables.SlaveMaxLoad,
	}); existing != nil {
		s.reg.Ref(existing)
		return existing, nil
	}

	sl, mismatch, _ := s.reg.FindOrCreate(spec)
	if mismatch {
		slog.Warn("supervisor: existing slave's secured flag differs from request", "slave", sl.Name(), "secured", sl.Secured(), "requested_secured", spec.Secured)
	}
	s.reg.Ref(sl)
	if err := s.Launch(ctx, sl); err != nil && !errors.Is(err, ErrAlready) {
		return sl, err
	}
	return sl, nil
}

// Launch is idempotent per spec.md §4.3 "Launch": a slave that already
// has a pid, or is already mid-launch, returns ErrAlready (re-arming
// reactivation in the latter case) instead of starting a second attempt.
func (s *Supervisor) Launch(ctx context.Context, sl *slave.Slave) error {
	if sl.PID() != slave.NonePID {
		return ErrAlready
	}
	if sl.State() == slave.StateRequestedLaunch {
		sl.SetReactivation(true, sl.ReactivateInstances())
		return ErrAlready
	}

	sl.SetLaunchID(uuid.New().String())
	s.setState(sl, slave.StateRequestedLaunch)
	sl.SetRelaunchCount(s.tunables.SlaveRelaunchCount)
	// Launch-pending reference: paired with the Unref in Deactivated
	// (SPEC_FULL.md §12 item 6, "two-stage unref on deactivation").
	s.reg.Ref(sl)

	if s.tunables.DebugMode {
		// SPEC_FULL.md §12 item 7 (Open Question 2 resolved): no launcher
		// call, no activate_timer. Only an externally delivered hello or
		// an explicit Terminate can move this slave on.
		return nil
	}

	metrics.IncLaunchStarted(sl.Name())
	bundle := ports.LaunchBundle{Name: sl.Name(), Secured: sl.Secured(), ABI: sl.ABI()}
	pid, result, err := s.launcher.Launch(ctx, bundle)
	s.handleLaunchResult(sl, bundle, pid, result, err)
	return nil
}

func (s *Supervisor) handleLaunchResult(sl *slave.Slave, bundle ports.LaunchBundle, pid int, result ports.LaunchResult, err error) {
	switch {
	case result.Success():
		sl.SetPID(pid)
		sl.SetActivateTimer(s.timers.Add(s.tunables.SlaveActivateTime, func() timer.Result {
			return s.handleActivateTimeout(sl)
		}))

	case result.Retryable():
		if pid != slave.NonePID {
			sl.SetPID(pid)
		}
		if n := sl.DecrementRelaunchCount(); n > 0 {
			metrics.IncLaunchRetried(sl.Name())
			sl.SetRelaunchTimer(s.timers.Add(s.tunables.SlaveRelaunchTime, func() timer.Result {
				sl.SetRelaunchTimer(timer.Handle{})
				p2, r2, e2 := s.launcher.Launch(context.Background(), bundle)
				s.handleLaunchResult(sl, bundle, p2, r2, e2)
				return timer.Cancel
			}))
		} else {
			slog.Warn("supervisor: relaunch attempts exhausted", "slave", sl.Name(), "launch_id", sl.LaunchID(), "result", result.String())
			metrics.IncLaunchFailed(sl.Name())
			s.forceLaunchFault(sl, pid)
		}

	default: // fatal family
		slog.Error("supervisor: fatal launch result", "slave", sl.Name(), "launch_id", sl.LaunchID(), "result", result.String(), "error", err)
		metrics.IncLaunchFailed(sl.Name())
		s.forceLaunchFault(sl, pid)
	}
}

// forceLaunchFault handles a launch sequence that can never succeed: it
// terminates any candidate pid, runs the same reactivation-disabling path
// fault-driven deactivation uses, and releases the launch-pending
// reference taken in Launch.
func (s *Supervisor) forceLaunchFault(sl *slave.Slave, candidatePID int) {
	if candidatePID != slave.NonePID {
		_ = s.launcher.Terminate(context.Background(), candidatePID)
	}
	s.clearTimers(sl)
	sl.IncrementFaultCount()
	sl.ClearReactivation()
	sl.InvokeEvents(slave.EventFault, nil)
	sl.SetPID(slave.NonePID)
	s.setState(sl, slave.StateTerminated)
	s.emit(context.Background(), history.EventLaunchFailed, sl, "", "", "", "")
	if _, err := s.reg.Unref(sl); err != nil {
		slog.Error("supervisor: unref after launch failure", "slave", sl.Name(), "error", err)
	}
}

// handleActivateTimeout fires SLAVE_ACTIVATE_TIME after a launcher
// success with no "hello" RPC ever arriving.
func (s *Supervisor) handleActivateTimeout(sl *slave.Slave) timer.Result {
	// Clear this timer's own handle before taking any action that could
	// cascade into another timer or destruction (spec.md §5
	// "Cancellation").
	sl.SetActivateTimer(timer.Handle{})
	if sl.State() != slave.StateRequestedLaunch {
		return timer.Cancel
	}
	slog.Warn("supervisor: activation timed out", "slave", sl.Name(), "launch_id", sl.LaunchID())
	s.forceLaunchFault(sl, sl.PID())
	return timer.Cancel
}

// Hello handles the activation handshake (spec.md §4.3). It is a no-op
// error if the slave isn't mid-launch — a duplicate or stray hello.
func (s *Supervisor) Hello(ctx context.Context, sl *slave.Slave, rpcHandle int) error {
	if sl.State() != slave.StateRequestedLaunch {
		return ErrInvalid
	}
	s.clearTimers(sl)
	sl.SetRPCHandle(rpcHandle)
	s.setState(sl, slave.StateResumed)
	sl.SetActivatedAt(s.now())
	sl.ResetCriticalFaultCount()
	if sl.Secured() {
		sl.SetTTLTimer(s.armTTL(sl))
	}
	sl.InvokeEvents(slave.EventActivate, nil)
	s.emit(ctx, history.EventActivate, sl, "", "", "", "")

	if s.display != nil && s.display.IsPaused() {
		_ = s.Pause(ctx, sl, s.now())
	}
	return nil
}

func (s *Supervisor) armTTL(sl *slave.Slave) timer.Handle {
	return s.timers.Add(s.tunables.SlaveTTL, func() timer.Result {
		return s.handleTTLExpiry(sl)
	})
}

// handleTTLExpiry cycles a secured slave to reclaim resources while
// preserving its instances (spec.md §4.3 "TTL expiry").
func (s *Supervisor) handleTTLExpiry(sl *slave.Slave) timer.Result {
	sl.SetTTLTimer(timer.Handle{})
	sl.ClearReactivation()
	sl.SetReactivation(false, true)
	metrics.IncTTLExpiry(sl.Name())
	_ = s.Deactivate(context.Background(), sl)
	return timer.Cancel
}

// RefreshTTL re-arms the TTL timer to the full SLAVE_TTL, not merely
// "whatever is left plus a bit" (SPEC_FULL.md §12 item 4, grounded on
// slave_give_more_ttl/slave_thaw_ttl). It is a no-op if no TTL timer is
// currently armed.
func (s *Supervisor) RefreshTTL(sl *slave.Slave) {
	h := sl.TTLTimer()
	if !h.Valid() {
		return
	}
	if delay := s.tunables.SlaveTTL - s.timers.Pending(h); delay > 0 {
		s.timers.Delay(h, delay)
	}
}

// Pause sends pause(timestamp) and transitions to RequestedPause. Calling
// Pause on an already-Paused slave is a no-op success (spec.md §8
// "resume on a Resumed slave returns OK with no side effects; pause on a
// Paused slave likewise").
func (s *Supervisor) Pause(ctx context.Context, sl *slave.Slave, at time.Time) error {
	switch sl.State() {
	case slave.StatePaused:
		return nil
	case slave.StateResumed:
	default:
		return ErrInvalid
	}
	s.setState(sl, slave.StateRequestedPause)
	return s.transport.Pause(ctx, sl.RPCHandle(), timestampSeconds(at), func(status ports.PacketStatus, err error) {
		s.onPauseAck(ctx, sl, status, err)
	})
}

func (s *Supervisor) onPauseAck(ctx context.Context, sl *slave.Slave, status ports.PacketStatus, err error) {
	if !sl.State().Active() {
		return // terminating slave discards late acks (spec.md §4.3)
	}
	if err != nil || !status.Accepted() {
		// SPEC_FULL.md §12 item 3: revert to the opposite steady state
		// instead of hanging in RequestedPause forever.
		s.setState(sl, slave.StateResumed)
		return
	}
	s.setState(sl, slave.StatePaused)
	if h := sl.TTLTimer(); h.Valid() {
		s.timers.Freeze(h)
	}
	sl.InvokeEvents(slave.EventPause, nil)
	s.emit(ctx, history.EventPause, sl, "", "", "", "")
}

// Resume is the symmetric operation to Pause.
func (s *Supervisor) Resume(ctx context.Context, sl *slave.Slave, at time.Time) error {
	switch sl.State() {
	case slave.StateResumed:
		return nil
	case slave.StatePaused:
	default:
		return ErrInvalid
	}
	s.setState(sl, slave.StateRequestedResume)
	return s.transport.Resume(ctx, sl.RPCHandle(), timestampSeconds(at), func(status ports.PacketStatus, err error) {
		s.onResumeAck(ctx, sl, status, err)
	})
}

func (s *Supervisor) onResumeAck(ctx context.Context, sl *slave.Slave, status ports.PacketStatus, err error) {
	if !sl.State().Active() {
		return
	}
	if err != nil || !status.Accepted() {
		s.setState(sl, slave.StatePaused)
		return
	}
	s.setState(sl, slave.StateResumed)
	if h := sl.TTLTimer(); h.Valid() {
		s.timers.Thaw(h)
	}
	sl.InvokeEvents(slave.EventResume, nil)
	s.emit(ctx, history.EventResume, sl, "", "", "", "")
}

// Deactivate sends a terminate signal to the slave's pid and transitions
// to RequestedTerminate (spec.md §4.3 "Deactivation"). It does not itself
// clear state or fire deactivate-callbacks; that happens in Deactivated
// once the process exit is confirmed, except where the terminate signal
// itself fails outright.
func (s *Supervisor) Deactivate(ctx context.Context, sl *slave.Slave) error {
	if !sl.State().Active() {
		return ErrAlready
	}
	pid := sl.PID()
	s.setState(sl, slave.StateRequestedTerminate)
	if pid == slave.NonePID {
		s.Deactivated(ctx, sl)
		return nil
	}
	if err := s.launcher.Terminate(ctx, pid); err != nil {
		// SPEC_FULL.md §12 item 5: fall back to a synchronous Deactivated
		// instead of waiting for an exit notice that will never come.
		slog.Warn("supervisor: terminate signal failed, finishing deactivation synchronously", "slave", sl.Name(), "error", err)
		s.Deactivated(ctx, sl)
	}
	return nil
}

// ReleaseInstance decrements loaded_instance and, when it reaches zero
// while the slave is still active, deactivates it (invariant 5).
func (s *Supervisor) ReleaseInstance(ctx context.Context, sl *slave.Slave) {
	if sl.UnloadInstance() {
		_ = s.Deactivate(ctx, sl)
	}
}

// Deactivated handles the confirmed process-exit notice: cancels all
// timers, clears pid, transitions to Terminated, fires deactivate
// callbacks tallying reactivation votes, then applies the
// two-stage-unref/reactivation policy (spec.md §4.3, SPEC_FULL.md §12
// item 6). Also the landing point for fault-driven termination once the
// slave's exit is observed.
func (s *Supervisor) Deactivated(ctx context.Context, sl *slave.Slave) {
	s.clearTimers(sl)
	sl.SetPID(slave.NonePID)
	s.setState(sl, slave.StateTerminated)

	var reactivateVote bool
	sl.InvokeEvents(slave.EventDeactivate, func(result int) {
		if result > 0 {
			reactivateVote = true
		}
	})
	s.emit(ctx, history.EventDeactivate, sl, "", "", "", "")

	destroyed, err := s.reg.Unref(sl)
	if err != nil {
		slog.Error("supervisor: unref on deactivated slave", "slave", sl.Name(), "error", err)
	}
	if destroyed || sl.IsDestroyed() {
		return
	}

	if reactivateVote && sl.ReactivateSlave() {
		_ = s.Launch(ctx, sl)
		return
	}
	if sl.LoadedInstance() == 0 {
		_, _ = s.reg.Unref(sl)
	}
}

// OnFault handles a detected abnormal exit (spec.md §4.3 "Fault-driven
// deactivation"): runs fault attribution, terminates the pid, and decides
// whether this was a fast crash that should disable auto-reactivation.
func (s *Supervisor) OnFault(ctx context.Context, sl *slave.Slave) (fault.Attribution, error) {
	sl.IncrementFaultCount()

	attr, err := s.faults.Check(ctx, sl)
	if err != nil {
		slog.Warn("supervisor: fault attribution probe failed", "slave", sl.Name(), "error", err)
	}
	if pid := sl.PID(); pid != slave.NonePID {
		_ = s.launcher.Terminate(ctx, pid)
	}

	if s.now().Sub(sl.ActivatedAt()) < s.tunables.MinimumReactivationTime {
		sl.IncrementCriticalFaultCount()
	}
	if sl.CriticalFaultCount() >= s.tunables.SlaveMaxLoad || sl.LoadedInstance() == 0 {
		sl.ClearReactivation()
		sl.InvokeEvents(slave.EventFault, nil)
	}

	if sl.State().Active() {
		s.setState(sl, slave.StateRequestedTerminate)
	}
	metrics.IncFaultAttribution(string(attr.Method))
	s.emit(ctx, history.EventFault, sl, attr.Package, attr.File, attr.Func, string(attr.Method))
	return attr, err
}

// DeactivateAll is the reference-counted bulk quiesce (spec.md §4.3 "Bulk
// operations"); only the outermost call actually deactivates anything.
func (s *Supervisor) DeactivateAll(ctx context.Context, reactivateSlave, reactivateInstances bool) {
	if !s.reg.BeginDeactivateAll() {
		metrics.SetBulkQuiesceDepth(s.reg.DeactivateAllDepth())
		return
	}
	metrics.SetBulkQuiesceDepth(s.reg.DeactivateAllDepth())
	for _, sl := range s.reg.All() {
		if !sl.State().Active() {
			continue
		}
		sl.SetReactivation(reactivateSlave, reactivateInstances)
		sl.SetData(dataKeyBulkQuiesced, true)
		_ = s.Deactivate(ctx, sl)
	}
}

// ActivateAll is the symmetric release: only the outermost call
// re-launches the slaves this scope put down.
func (s *Supervisor) ActivateAll(ctx context.Context) {
	if !s.reg.EndActivateAll() {
		metrics.SetBulkQuiesceDepth(s.reg.DeactivateAllDepth())
		return
	}
	metrics.SetBulkQuiesceDepth(s.reg.DeactivateAllDepth())
	for _, sl := range s.reg.All() {
		tagged, ok := sl.Data(dataKeyBulkQuiesced)
		if !ok || tagged != true {
			continue
		}
		sl.DelData(dataKeyBulkQuiesced)
		if sl.State() == slave.StateTerminated {
			_ = s.Launch(ctx, sl)
		}
	}
}

// setState transitions sl to st and records the transition for the
// supervisor_state_transitions_total / supervisor_active_slaves
// collectors (SPEC_FULL.md §10.3).
func (s *Supervisor) setState(sl *slave.Slave, st slave.State) {
	from := sl.StateString()
	sl.SetState(st)
	metrics.RecordStateTransition(sl.Name(), from, st.String())
	metrics.SetActiveSlaves(s.countActive())
}

func (s *Supervisor) countActive() int {
	n := 0
	for _, sv := range s.reg.All() {
		if sv.State().Active() {
			n++
		}
	}
	return n
}

func (s *Supervisor) clearTimers(sl *slave.Slave) {
	if h := sl.ActivateTimer(); h.Valid() {
		s.timers.Delete(h)
	}
	sl.SetActivateTimer(timer.Handle{})
	if h := sl.RelaunchTimer(); h.Valid() {
		s.timers.Delete(h)
	}
	sl.SetRelaunchTimer(timer.Handle{})
	if h := sl.TTLTimer(); h.Valid() {
		s.timers.Delete(h)
	}
	sl.SetTTLTimer(timer.Handle{})
}

func (s *Supervisor) emit(ctx context.Context, typ history.EventType, sl *slave.Slave, pkg, file, fn, method string) {
	if s.sink == nil {
		return
	}
	evt := history.Event{
		Type:       typ,
		OccurredAt: s.now(),
		SlaveName:  sl.Name(),
		State:      sl.StateString(),
		LaunchID:   sl.LaunchID(),
		Package:    pkg,
		File:       file,
		Function:   fn,
		Method:     method,
	}
	if err := s.sink.Send(ctx, evt); err != nil {
		slog.Warn("supervisor: history sink send failed", "error", err)
	}
}

func timestampSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
