// Package fault implements the Fault Manager: crash attribution by
// correlating a per-slave crash-log breadcrumb file with an in-memory
// call/return shadow stack (spec.md §4.4).
package fault

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dataprovider/slaved/internal/ports"
	"github.com/dataprovider/slaved/internal/slave"
)

// ErrNotFound is returned by Return when no matching call record exists.
var ErrNotFound = errors.New("fault: no matching call record")

// Method names how an Attribution was produced.
type Method string

const (
	MethodLog       Method = "log"
	MethodSecured   Method = "secured"
	MethodCallStack Method = "callstack"
	MethodExplicit  Method = "explicit"
	MethodNone      Method = "none"
)

// Attribution is the result of Check: a (package, file, function) triple
// plus how it was derived. Method == MethodNone means "best-effort found
// nothing" — spec.md's explicit informational, non-error outcome.
type Attribution struct {
	Package string
	File    string
	Func    string
	Method  Method
}

type callRecord struct {
	slave *slave.Slave
	pkg   string
	file  string
	fn    string
	at    time.Time
}

// Manager implements the Fault Manager. The crash log path, transport, and
// package manager are supplied by the daemon wiring; Transport and
// PackageManager may be nil (attribution is still computed, just not
// broadcast/persisted — useful for tests).
type Manager struct {
	mu sync.Mutex

	logPath    string
	calls      []*callRecord // oldest first (append order), matches fault_func_call
	markCount  int
	transport  ports.Transport
	pkgManager ports.PackageManager
	now        func() time.Time
}

// New creates a Fault Manager. logPath is SLAVE_LOG_PATH (spec.md §6).
func New(logPath string, transport ports.Transport, pkgManager ports.PackageManager) *Manager {
	return &Manager{
		logPath:    logPath,
		transport:  transport,
		pkgManager: pkgManager,
		now:        time.Now,
	}
}

// Call records that s announced entry to a plugin function. Mirrors
// fault_func_call: append + increment the mark counter.
func (m *Manager) Call(s *slave.Slave, pkg, file, fn string) {
	m.mu.Lock()
	m.calls = append(m.calls, &callRecord{slave: s, pkg: pkg, file: file, fn: fn, at: m.now()})
	m.markCount++
	m.mu.Unlock()
}

// Return removes the first exact-match call record for a matched return.
// Mirrors fault_func_ret: forward search, first match wins.
func (m *Manager) Return(s *slave.Slave, pkg, file, fn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.calls {
		if c.slave == s && c.pkg == pkg && c.file == file && c.fn == fn {
			m.calls = append(m.calls[:i], m.calls[i+1:]...)
			m.markCount--
			return nil
		}
	}
	return ErrNotFound
}

// MarkCount exposes the global fault-mark counter (spec.md §3 "Fault mark
// counter" — consulted only as a boolean in the original; kept as an int
// here since Go has no reason to throw away the magnitude).
func (m *Manager) MarkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markCount
}

// Check runs the full 3-step attribution algorithm for s (spec.md §4.4)
// and, on anything but MethodNone, broadcasts and persists the result.
// Unless probing the crash-log file fails (Check then returns that error
// at once), it clears s's outstanding call records and the global mark
// counter before returning, and attempts to delete the crash-log file for
// s's pid if one exists — matching fault_check_pkgs, including its global
// (not per-slave) mark-counter reset.
func (m *Manager) Check(ctx context.Context, s *slave.Slave) (Attribution, error) {
	if attr, ok, err := m.probeLogFile(s); err != nil {
		return Attribution{}, err
	} else if ok {
		m.finishCheck(s)
		m.publish(ctx, attr)
		return attr, nil
	}

	if s.Secured() && s.LoadedPackage() == 1 {
		attr := Attribution{Package: s.PkgName(), Method: MethodSecured}
		m.finishCheck(s)
		m.publish(ctx, attr)
		return attr, nil
	}

	attr := m.walkCallStack(s)
	m.finishCheck(s)
	if attr.Method != MethodNone {
		m.publish(ctx, attr)
	}
	return attr, nil
}

// SetFault is the explicit attribution API (SPEC_FULL.md §12.1, grounded
// on fault_info_set): a caller that already knows the attribution can
// publish it directly, bypassing the probe and the call-list bookkeeping
// entirely.
func (m *Manager) SetFault(ctx context.Context, pkg, file, fn string) {
	m.publish(ctx, Attribution{Package: pkg, File: file, Func: fn, Method: MethodExplicit})
}

func (m *Manager) probeLogFile(s *slave.Slave) (Attribution, bool, error) {
	pid := s.PID()
	if pid == slave.NonePID {
		return Attribution{}, false, nil
	}
	path := filepath.Join(m.logPath, fmt.Sprintf("slave.%d", pid))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Attribution{}, false, nil
		}
		return Attribution{}, false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return Attribution{}, false, nil
	}
	line := strings.TrimSpace(scanner.Text())
	const prefix, suffix = "liblive-", ".so"
	if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, suffix) {
		return Attribution{}, false, nil
	}
	pkg := line[len(prefix) : len(line)-len(suffix)]
	if pkg == "" {
		return Attribution{}, false, nil
	}
	_ = os.Remove(path)
	return Attribution{Package: pkg, Method: MethodLog}, true, nil
}

// walkCallStack implements step 3: reverse walk, attribute the first
// match, mark earlier matches as "false logs" (diagnostic only), then
// remove every call record belonging to s.
func (m *Manager) walkCallStack(s *slave.Slave) Attribution {
	m.mu.Lock()
	defer m.mu.Unlock()

	attr := Attribution{Method: MethodNone}
	attributed := false
	remaining := m.calls[:0:0]
	for i := len(m.calls) - 1; i >= 0; i-- {
		c := m.calls[i]
		if c.slave != s {
			continue
		}
		if !attributed {
			attr = Attribution{Package: c.pkg, File: c.file, Func: c.fn, Method: MethodCallStack}
			attributed = true
		} else {
			slog.Debug("fault: false log entry superseded by more recent call", "slave", s.Name(), "package", c.pkg, "file", c.file, "func", c.fn)
		}
	}
	for _, c := range m.calls {
		if c.slave != s {
			remaining = append(remaining, c)
		}
	}
	m.calls = remaining
	return attr
}

// finishCheck applies the unconditional cleanup every step of
// fault_check_pkgs performs on return: the global mark counter resets to
// zero (spec.md §8 testable property), and this slave's pid-named log
// file is removed if still present (log-file removal for the log-match
// path already happened in probeLogFile; this is a best-effort second
// attempt that is a no-op if nothing is there).
func (m *Manager) finishCheck(s *slave.Slave) {
	m.mu.Lock()
	remaining := m.calls[:0:0]
	for _, c := range m.calls {
		if c.slave != s {
			remaining = append(remaining, c)
		}
	}
	m.calls = remaining
	m.markCount = 0
	m.mu.Unlock()

	if pid := s.PID(); pid != slave.NonePID {
		_ = os.Remove(filepath.Join(m.logPath, fmt.Sprintf("slave.%d", pid)))
	}
}

func (m *Manager) publish(ctx context.Context, attr Attribution) {
	if m.transport != nil {
		if err := m.transport.BroadcastFault(ctx, attr.Package, attr.File, attr.Func); err != nil {
			slog.Warn("fault: broadcast failed", "package", attr.Package, "error", err)
		}
	}
	if m.pkgManager != nil {
		if err := m.pkgManager.RecordFault(ctx, attr.Package, attr.File, attr.Func); err != nil {
			slog.Warn("fault: record failed", "package", attr.Package, "error", err)
		}
	}
}
