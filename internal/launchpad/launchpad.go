// Package launchpad provides a concrete, locally runnable ports.Launcher:
// it execs a configured slave binary and passes it the SLAVE_NAME /
// SLAVE_SECURED / SLAVE_ABI bundle as environment variables (spec.md §6
// "Launcher bundle"). Real deployments may swap this for a launcher that
// talks to Tizen's launchpad service or an equivalent; this adapter exists
// so the daemon and its tests have something to run end to end.
package launchpad

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/dataprovider/slaved/internal/env"
	"github.com/dataprovider/slaved/internal/ports"
)

// ExecLauncher launches the configured binary as a child process, one per
// slave, using a dedicated process group so Terminate can signal the whole
// group rather than a single pid.
type ExecLauncher struct {
	mu     sync.Mutex
	binary string
	args   []string
	env    *env.Env
	procs  map[int]*exec.Cmd
}

func NewExecLauncher(binary string, args []string, e *env.Env) *ExecLauncher {
	if e == nil {
		e = env.New()
		e.FromOS()
	}
	return &ExecLauncher{binary: binary, args: args, env: e, procs: make(map[int]*exec.Cmd)}
}

// Launch starts the slave binary. A failure to even start the process
// (binary missing, permission denied) is classified LaunchNoLaunchpad;
// anything else at Start time is LaunchGenericError. A successful Start
// is reported as LaunchLocal since this adapter always launches on the
// local host.
func (l *ExecLauncher) Launch(ctx context.Context, bundle ports.LaunchBundle) (int, ports.LaunchResult, error) {
	cmd := exec.Command(l.binary, l.args...)
	cmd.Env = l.buildEnv(bundle)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return 0, ports.LaunchNoLaunchpad, err
		}
		return 0, ports.LaunchGenericError, err
	}

	pid := cmd.Process.Pid
	l.mu.Lock()
	l.procs[pid] = cmd
	l.mu.Unlock()

	go func() {
		_ = cmd.Wait() // reap to avoid a zombie; exit status is observed via the slave's own exit notice RPC
		l.mu.Lock()
		delete(l.procs, pid)
		l.mu.Unlock()
	}()

	return pid, ports.LaunchLocal, nil
}

// Terminate sends SIGTERM to pid's process group. It is not an error to
// terminate a pid this launcher no longer tracks (already exited).
func (l *ExecLauncher) Terminate(ctx context.Context, pid int) error {
	l.mu.Lock()
	_, tracked := l.procs[pid]
	l.mu.Unlock()
	if !tracked {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("launchpad: terminate pid %d: %w", pid, err)
	}
	return nil
}

func (l *ExecLauncher) buildEnv(bundle ports.LaunchBundle) []string {
	return l.env.Merge([]string{
		"SLAVE_NAME=" + bundle.Name,
		"SLAVE_SECURED=" + strconv.FormatBool(bundle.Secured),
		"SLAVE_ABI=" + bundle.ABI,
	})
}
