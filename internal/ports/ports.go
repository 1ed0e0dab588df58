// Package ports declares the interfaces the slave supervisor consumes from
// and exposes to its external collaborators: the launcher service, the RPC
// transport/codec to slaves, the display (X) monitor, the package manager,
// and the per-instance tracker. None of these is implemented here — per
// SPEC_FULL.md §1 they are out of scope, specified only as the shape the
// core depends on. internal/launchpad provides one concrete Launcher for
// local use and tests.
package ports

import "context"

// LaunchResult classifies what the Launcher reported for a launch attempt.
type LaunchResult int

const (
	LaunchOK LaunchResult = iota
	LaunchLocal

	// retryable family
	LaunchTimeout
	LaunchCommError
	LaunchTerminating
	LaunchCancelled

	// fatal family
	LaunchIllAccess
	LaunchInvalid
	LaunchNoInit
	LaunchNoLaunchpad
	LaunchGenericError
)

// Retryable reports whether this result belongs to the retryable family
// (spec.md §4.3 "Launch" policy).
func (r LaunchResult) Retryable() bool {
	switch r {
	case LaunchTimeout, LaunchCommError, LaunchTerminating, LaunchCancelled:
		return true
	default:
		return false
	}
}

// Fatal reports whether this result belongs to the fatal family.
func (r LaunchResult) Fatal() bool {
	switch r {
	case LaunchIllAccess, LaunchInvalid, LaunchNoInit, LaunchNoLaunchpad, LaunchGenericError:
		return true
	default:
		return false
	}
}

// Success reports OK or local-launch.
func (r LaunchResult) Success() bool {
	return r == LaunchOK || r == LaunchLocal
}

func (r LaunchResult) String() string {
	switch r {
	case LaunchOK:
		return "ok"
	case LaunchLocal:
		return "local-launch"
	case LaunchTimeout:
		return "timeout"
	case LaunchCommError:
		return "comm-error"
	case LaunchTerminating:
		return "terminating"
	case LaunchCancelled:
		return "cancelled"
	case LaunchIllAccess:
		return "ill-access"
	case LaunchInvalid:
		return "invalid"
	case LaunchNoInit:
		return "no-init"
	case LaunchNoLaunchpad:
		return "no-launchpad"
	case LaunchGenericError:
		return "generic-error"
	default:
		return "unknown"
	}
}

// LaunchBundle is the parameter bundle handed to the Launcher (spec.md §6).
type LaunchBundle struct {
	Name    string
	Secured bool
	ABI     string
}

// Launcher starts a slave worker process on demand.
type Launcher interface {
	// Launch requests that a slave process matching bundle be started. It
	// returns the OS pid the launcher assigned (which may already be
	// populated even when the eventual result is retryable/fatal) and the
	// classified result.
	Launch(ctx context.Context, bundle LaunchBundle) (pid int, result LaunchResult, err error)
	// Terminate asks the launcher to kill a previously launched pid.
	Terminate(ctx context.Context, pid int) error
}

// PacketStatus is the integer status carried by a pause/resume ack.
type PacketStatus int

// Accepted reports whether the ack carried status 0 (spec.md §6).
func (s PacketStatus) Accepted() bool { return s == 0 }

// Transport sends RPC packets to slaves and broadcasts to clients.
// Implementations must invoke the supplied callbacks from the supervisor's
// own goroutine (directly, or by hopping through Service.Do) — the
// concurrency model (spec.md §5) forbids any other caller touching slave
// state concurrently.
type Transport interface {
	// Pause sends pause(timestamp) to the slave identified by rpcHandle and
	// invokes ack with the reply status once it arrives, or with a non-nil
	// err if the send itself failed (comm failure, distinct from a
	// negative ack).
	Pause(ctx context.Context, rpcHandle int, timestamp float64, ack func(status PacketStatus, err error)) error
	// Resume is the symmetric operation for resume(timestamp).
	Resume(ctx context.Context, rpcHandle int, timestamp float64, ack func(status PacketStatus, err error)) error
	// BroadcastFault sends fault_package(pkgname, filename, funcname) to
	// all connected clients. No ack is expected.
	BroadcastFault(ctx context.Context, pkgname, filename, funcname string) error
}

// DisplayMonitor reports system-wide pause state driven by the X/display
// subsystem, independent of any single slave's own pause/resume requests.
type DisplayMonitor interface {
	IsPaused() bool
}

// PackageManager loads package metadata and records fault attributions
// against a package id, persisting them outside the live slave registry.
type PackageManager interface {
	RecordFault(ctx context.Context, pkgname, file, function string) error
}

// InstanceTracker reports the count of live content instances
// a slave is hosting. loaded_instance reaching zero drives automatic
// deactivation (spec.md invariant 5).
type InstanceTracker interface {
	LoadedInstances(slaveName string) int
}
