package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dataprovider/slaved/internal/config"
	"github.com/dataprovider/slaved/internal/fault"
	"github.com/dataprovider/slaved/internal/ports"
	"github.com/dataprovider/slaved/internal/registry"
	"github.com/dataprovider/slaved/internal/slave"
	"github.com/dataprovider/slaved/internal/timer"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time         { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeLauncher struct {
	results    []ports.LaunchResult
	nextPID    int
	terminated []int
	launches   int
}

func (f *fakeLauncher) Launch(context.Context, ports.LaunchBundle) (int, ports.LaunchResult, error) {
	f.launches++
	res := ports.LaunchOK
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	}
	f.nextPID++
	return f.nextPID, res, nil
}

func (f *fakeLauncher) Terminate(_ context.Context, pid int) error {
	f.terminated = append(f.terminated, pid)
	return nil
}

type fakeTransport struct {
	pauseAck  func(ports.PacketStatus, error)
	resumeAck func(ports.PacketStatus, error)
}

func (f *fakeTransport) Pause(_ context.Context, _ int, _ float64, ack func(ports.PacketStatus, error)) error {
	f.pauseAck = ack
	return nil
}

func (f *fakeTransport) Resume(_ context.Context, _ int, _ float64, ack func(ports.PacketStatus, error)) error {
	f.resumeAck = ack
	return nil
}

func (f *fakeTransport) BroadcastFault(context.Context, string, string, string) error { return nil }

func newTestSupervisor(t *testing.T, tunables config.Tunables) (*Supervisor, *registry.Registry, *fakeLauncher, *fakeTransport, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	reg := registry.New()
	timers := timer.New(clk.now)
	launcher := &fakeLauncher{}
	transport := &fakeTransport{}
	faults := fault.New(t.TempDir(), nil, nil)
	sup := New(reg, timers, launcher, transport, faults, tunables, WithClock(clk.now))
	return sup, reg, launcher, transport, clk
}

func testTunables() config.Tunables {
	return config.Tunables{
		SlaveTTL:                100 * time.Second,
		SlaveActivateTime:       10 * time.Second,
		SlaveRelaunchTime:       2 * time.Second,
		SlaveRelaunchCount:      3,
		SlaveMaxLoad:            3,
		MinimumReactivationTime: 5 * time.Second,
		DefaultABI:              "c",
	}
}

// Scenario 1 (spec.md §8): clean activation.
func TestCleanActivation(t *testing.T) {
	sup, reg, _, _, _ := newTestSupervisor(t, testTunables())
	sl, _, _ := reg.FindOrCreate(slave.Spec{Name: "S1", ABI: "c", Secured: true})

	activateFired := 0
	sl.EventCallbackAdd(slave.EventActivate, func(*slave.Slave, any) int { activateFired++; return 0 }, nil)

	require.NoError(t, sup.Launch(context.Background(), sl))
	require.Equal(t, slave.StateRequestedLaunch, sl.State())
	require.NotEqual(t, slave.NonePID, sl.PID())

	require.NoError(t, sup.Hello(context.Background(), sl, 42))
	require.Equal(t, slave.StateResumed, sl.State())
	require.True(t, sl.TTLArmed())
	require.Equal(t, 1, activateFired)
}

// Scenario 2: activate timeout.
func TestActivateTimeout(t *testing.T) {
	sup, reg, launcher, _, clk := newTestSupervisor(t, testTunables())
	sl, _, _ := reg.FindOrCreate(slave.Spec{Name: "S1", ABI: "c", Secured: true})

	faultFired := 0
	sl.EventCallbackAdd(slave.EventFault, func(*slave.Slave, any) int { faultFired++; return 0 }, nil)

	require.NoError(t, sup.Launch(context.Background(), sl))
	pid := sl.PID()

	clk.advance(testTunables().SlaveActivateTime)
	sup.timers.Tick(clk.now())

	require.Equal(t, slave.StateTerminated, sl.State())
	require.Equal(t, slave.NonePID, sl.PID())
	require.Equal(t, 1, faultFired)
	require.Contains(t, launcher.terminated, pid)
}

// Scenario: pause ack failure reverts to the opposite steady state rather
// than hanging (SPEC_FULL.md §12 item 3).
func TestPauseAckFailureReverts(t *testing.T) {
	sup, reg, _, transport, _ := newTestSupervisor(t, testTunables())
	sl, _, _ := reg.FindOrCreate(slave.Spec{Name: "S1", ABI: "c"})
	require.NoError(t, sup.Launch(context.Background(), sl))
	require.NoError(t, sup.Hello(context.Background(), sl, 1))

	require.NoError(t, sup.Pause(context.Background(), sl, time.Now()))
	require.Equal(t, slave.StateRequestedPause, sl.State())

	transport.pauseAck(0, errors.New("comm failure"))
	require.Equal(t, slave.StateResumed, sl.State())
}

// Pause/resume idempotence (spec.md §8).
func TestPauseResumeIdempotence(t *testing.T) {
	sup, reg, _, transport, _ := newTestSupervisor(t, testTunables())
	sl, _, _ := reg.FindOrCreate(slave.Spec{Name: "S1", ABI: "c"})
	require.NoError(t, sup.Launch(context.Background(), sl))
	require.NoError(t, sup.Hello(context.Background(), sl, 1))

	require.NoError(t, sup.Pause(context.Background(), sl, time.Now()))
	transport.pauseAck(0, nil)
	require.Equal(t, slave.StatePaused, sl.State())

	// Pausing an already-Paused slave is a no-op success.
	require.NoError(t, sup.Pause(context.Background(), sl, time.Now()))
	require.Equal(t, slave.StatePaused, sl.State())
}

// TTL expiry cycles a secured slave while preserving instances.
func TestTTLExpiryCyclesSlave(t *testing.T) {
	sup, reg, _, _, clk := newTestSupervisor(t, testTunables())
	sl, _, _ := reg.FindOrCreate(slave.Spec{Name: "S1", ABI: "c", Secured: true})
	sl.LoadInstance()
	require.NoError(t, sup.Launch(context.Background(), sl))
	require.NoError(t, sup.Hello(context.Background(), sl, 1))
	require.True(t, sl.TTLArmed())

	clk.advance(testTunables().SlaveTTL)
	sup.timers.Tick(clk.now())

	// The terminate request is sent; Terminated follows only on the exit notice.
	require.Equal(t, slave.StateRequestedTerminate, sl.State())
	require.False(t, sl.ReactivateSlave())
	require.True(t, sl.ReactivateInstances())
}

// Scenario 5: fast-crash storm disables auto-reactivation at SLAVE_MAX_LOAD.
func TestFastCrashStormDisablesReactivation(t *testing.T) {
	tunables := testTunables()
	sup, reg, _, _, _ := newTestSupervisor(t, tunables)
	sl, _, _ := reg.FindOrCreate(slave.Spec{Name: "S1", ABI: "c", Secured: true})
	sl.LoadInstance()
	sl.SetReactivation(true, true)

	faultFired := 0
	sl.EventCallbackAdd(slave.EventFault, func(*slave.Slave, any) int { faultFired++; return 0 }, nil)

	require.NoError(t, sup.Launch(context.Background(), sl))
	require.NoError(t, sup.Hello(context.Background(), sl, 1))

	for i := 0; i < tunables.SlaveMaxLoad; i++ {
		_, _ = sup.OnFault(context.Background(), sl)
	}

	require.GreaterOrEqual(t, sl.CriticalFaultCount(), tunables.SlaveMaxLoad)
	require.False(t, sl.ReactivateSlave())
	// Fault callbacks fire once, on the crash that brings the count to SLAVE_MAX_LOAD.
	require.Equal(t, 1, faultFired)
}

// Scenario 6: bulk quiesce is reference-counted.
func TestBulkQuiesceIsReferenceCounted(t *testing.T) {
	sup, reg, _, _, _ := newTestSupervisor(t, testTunables())
	s1, _, _ := reg.FindOrCreate(slave.Spec{Name: "S1", ABI: "c"})
	s2, _, _ := reg.FindOrCreate(slave.Spec{Name: "S2", ABI: "c"})
	s1.LoadInstance()
	s2.LoadInstance()
	require.NoError(t, sup.Launch(context.Background(), s1))
	require.NoError(t, sup.Hello(context.Background(), s1, 1))
	require.NoError(t, sup.Launch(context.Background(), s2))
	require.NoError(t, sup.Hello(context.Background(), s2, 2))

	sup.DeactivateAll(context.Background(), true, true)
	sup.DeactivateAll(context.Background(), true, true)
	// Each slave reaches Terminated on its exit notice.
	sup.Deactivated(context.Background(), s1)
	sup.Deactivated(context.Background(), s2)
	require.Equal(t, slave.StateTerminated, s1.State())
	require.Equal(t, slave.StateTerminated, s2.State())

	sup.ActivateAll(context.Background())
	require.Equal(t, slave.StateTerminated, s1.State(), "first ActivateAll must not undo the quiesce")

	sup.ActivateAll(context.Background())
	require.Equal(t, slave.StateRequestedLaunch, s1.State())
	require.Equal(t, slave.StateRequestedLaunch, s2.State())
}

// find_available excludes a slave scheduled for death with no instances
// (spec.md §4.2 boundary behavior).
func TestFindAvailableExcludesDyingSlave(t *testing.T) {
	_, reg, _, _, _ := newTestSupervisor(t, testTunables())
	sl, _, _ := reg.FindOrCreate(slave.Spec{Name: "S1", ABI: "c", Network: true})
	sl.SetState(slave.StateRequestedTerminate)

	got := reg.FindAvailable(registry.AvailabilityRequest{ABI: "c", Network: true, DefaultABI: "c", MaxLoad: 10})
	require.Nil(t, got)
}
