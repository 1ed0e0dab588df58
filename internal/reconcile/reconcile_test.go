package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dataprovider/slaved/internal/config"
	"github.com/dataprovider/slaved/internal/fault"
	"github.com/dataprovider/slaved/internal/ports"
	"github.com/dataprovider/slaved/internal/registry"
	"github.com/dataprovider/slaved/internal/slave"
	"github.com/dataprovider/slaved/internal/supervisor"
	"github.com/dataprovider/slaved/internal/timer"
)

type noopLauncher struct{}

func (noopLauncher) Launch(context.Context, ports.LaunchBundle) (int, ports.LaunchResult, error) {
	return slave.NonePID, ports.LaunchOK, nil
}
func (noopLauncher) Terminate(context.Context, int) error { return nil }

type noopTransport struct{}

func (noopTransport) Pause(context.Context, int, float64, func(ports.PacketStatus, error)) error {
	return nil
}
func (noopTransport) Resume(context.Context, int, float64, func(ports.PacketStatus, error)) error {
	return nil
}
func (noopTransport) BroadcastFault(context.Context, string, string, string) error { return nil }

func newHarness(t *testing.T) (*registry.Registry, *supervisor.Supervisor) {
	t.Helper()
	reg := registry.New()
	timers := timer.New(nil)
	stop := make(chan struct{})
	go timers.Run(stop)
	t.Cleanup(func() { close(stop) })
	faults := fault.New(t.TempDir()+"/crash-log", noopTransport{}, nil)
	sup := supervisor.New(reg, timers, noopLauncher{}, noopTransport{}, faults, config.Tunables{
		SlaveActivateTime: time.Minute, SlaveRelaunchTime: time.Second, SlaveRelaunchCount: 1,
		SlaveMaxLoad: 10, DefaultABI: "c",
	})
	return reg, sup
}

func TestSweepNowFixesStuckTerminate(t *testing.T) {
	reg, sup := newHarness(t)
	sl, _, _ := reg.FindOrCreate(slave.Spec{Name: "w1", ABI: "c"})
	// Simulate the only way isStuckTerminating can legitimately be true: a
	// bug elsewhere left RequestedTerminate set with no pid to wait on,
	// bypassing Deactivate's own synchronous no-pid handling.
	sl.SetState(slave.StateRequestedTerminate)

	sw := New(reg, sup)
	sw.SweepNow()

	require.Equal(t, slave.StateTerminated, sl.State())
	stats := sw.Stats()
	require.Equal(t, 1, stats.Runs)
	require.Equal(t, 1, stats.LastRunFound)
}

func TestSweepNowIgnoresHealthySlaves(t *testing.T) {
	reg, sup := newHarness(t)
	_, _, _ = reg.FindOrCreate(slave.Spec{Name: "idle", ABI: "c"})

	sw := New(reg, sup)
	sw.SweepNow()

	require.Equal(t, 0, sw.Stats().LastRunFound)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	reg, sup := newHarness(t)
	sw := New(reg, sup)
	require.Error(t, sw.Start("not-a-schedule"))
}

func TestStartTwiceErrors(t *testing.T) {
	reg, sup := newHarness(t)
	sw := New(reg, sup)
	require.NoError(t, sw.Start("@every 1h"))
	defer sw.Stop()
	require.Error(t, sw.Start("@every 1h"))
}
