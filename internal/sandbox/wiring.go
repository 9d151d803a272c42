package sandbox

import (
	"github.com/tinyvm/supervisor/internal/hypervisor"
	"github.com/tinyvm/supervisor/internal/policy"
)

// wireMaster installs the three path-rewrite callbacks and the
// connect-socket gate on the master's FD subsystem (spec.md §4.2 "Path
// sandbox wiring"). Policy is stored behind a shared, immutable handle
// (spec.md §9 "Self-reference in callbacks"), so the callbacks can safely
// close over it by reference with no synchronization.
func wireMaster(sb *Sandbox) {
	fds := sb.Machine.FDs()
	fds.SetVerbose(sb.Policy.VerboseSyscalls)
	fds.SetCurrentWorkingDirectory(sb.Policy.CurrentWorkingDirectory)

	for _, ap := range sb.Policy.AllowedPaths {
		if ap.Prefix && ap.Writable {
			fds.AddWritablePrefix(ap.Virtual)
		} else {
			fds.AddReadonlyFile(ap.Virtual)
		}
	}

	pol := sb.Policy

	fds.SetOpenWritableCallback(func(v string) (string, bool) { return openWritableRewrite(pol, v) })
	fds.SetOpenReadableCallback(func(v string) (string, bool) { return openReadableRewrite(pol, v) })
	fds.SetResolveSymlinkCallback(func(v string) (string, bool) { return resolveSymlinkRewrite(pol, v) })
	fds.SetConnectSocketCallback(connectCallback(pol))
}

// openWritableRewrite implements the "open-writable" callback contract
// (spec.md §4.2): admit iff the virtual path is registered and writable.
func openWritableRewrite(pol *policy.Policy, virtual string) (string, bool) {
	entry, ok := pol.LookupPath(virtual)
	if !ok || !entry.Writable {
		return "", false
	}

	return entry.Real, true
}

// openReadableRewrite implements the "open-readable" callback contract
// (spec.md §4.2): admit iff the virtual path is registered, regardless of
// its writable bit.
func openReadableRewrite(pol *policy.Policy, virtual string) (string, bool) {
	entry, ok := pol.LookupPath(virtual)
	if !ok {
		return "", false
	}

	return entry.Real, true
}

// resolveSymlinkRewrite implements the "resolve-symlink" callback contract
// (spec.md §4.2): admit iff the virtual path is registered and flagged as a
// symlink.
func resolveSymlinkRewrite(pol *policy.Policy, virtual string) (string, bool) {
	entry, ok := pol.LookupPath(virtual)
	if !ok || !entry.Symlink {
		return "", false
	}

	return entry.Real, true
}

// wireFork re-installs the fork's own verbosity/cwd, registers only the
// non-writable allowed paths (writes are a master-only activity, spec.md
// §4.2 "Fork-specific wiring"), delegates FD lookups to the master's table
// for cheap duplication of inherited read-only FDs, disables epoll
// preemption, and installs the same policy-gated connect callback.
func wireFork(sb, master *Sandbox) {
	fds := sb.Machine.FDs()
	fds.SetVerbose(sb.Policy.VerboseSyscalls)
	fds.SetCurrentWorkingDirectory(sb.Policy.CurrentWorkingDirectory)
	fds.SetPreemptEpollWait(false)

	for _, ap := range sb.Policy.AllowedPaths {
		if !ap.Writable {
			fds.AddReadonlyFile(ap.Virtual)
		}
	}

	masterFDs := master.Machine.FDs()
	fds.SetFindReadonlyMasterVMFDCallback(func(vfd int) (hypervisor.Entry, bool) {
		return masterFDs.EntryForVFD(vfd)
	})

	fds.SetConnectSocketCallback(connectCallback(sb.Policy))
}

// connectCallback resolves spec.md §9 Open Question (b): the original
// unconditionally admits every connect attempt despite carrying a detailed
// allowed-network policy; this port wires NetworkAllowConnect and the
// allowed endpoint lists into the gate instead of silently accepting
// everything (decision recorded in DESIGN.md).
func connectCallback(pol *policy.Policy) func(fd int, addr string) bool {
	return func(fd int, addr string) bool {
		if !pol.NetworkAllowConnect {
			return false
		}

		if addr == "" {
			// The FD subsystem's syscall emulation (internal/hypervisor/fds.go)
			// does not resolve the guest's sockaddr into a string; with no
			// address to check, admission falls back to the global flag alone.
			return true
		}

		for _, e := range pol.AllowedIPv4 {
			if e.Address == addr {
				return true
			}
		}

		for _, e := range pol.AllowedIPv6 {
			if e.Address == addr {
				return true
			}
		}

		for _, p := range pol.AllowedUnixPaths {
			if p == addr {
				return true
			}
		}

		return false
	}
}
