//go:build linux

// Package debugserver opens the accept-with-timeout boundary a worker plugs
// into sandbox.Sandbox.OpenDebugger (spec.md §4.2 "Open-debugger", §6: "DEBUG=1
// causes a worker that just faulted to block on a GDB server on TCP port 2159
// with a 60-second accept timeout"). The GDB remote-serial protocol itself is
// out of scope (spec.md §1): this package only gets a TCP connection accepted
// and handed back; wiring a real protocol stub onto the returned connection is
// the caller's business.
package debugserver

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Port is the fixed GDB remote-serial port spec.md §6 names.
const Port = 2159

// Listener opens a TCP listener on Port bound to localhost, matching the
// original's single-host debug convenience (a microVM supervisor's debug
// port is never meant to be reachable off-box).
func Listener() (*net.TCPListener, error) {
	lc := net.ListenConfig{}

	l, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("127.0.0.1:%d", Port))
	if err != nil {
		return nil, fmt.Errorf("debugserver: listening on port %d: %w", Port, err)
	}

	return l.(*net.TCPListener), nil
}

// Accept builds the accept-with-timeout function that sandbox.Sandbox.OpenDebugger
// expects: it applies SO_RCVTIMEO to the listening socket (grounded on the
// unix.SetsockoptTimeval pattern used for host-side socket deadlines) and sets
// a deadline on the listener so a single Accept call bounds its wait to
// timeout, then hands the accepted connection to conn.
func Accept(l *net.TCPListener, timeout time.Duration, conn func(net.Conn) error) func() error {
	return func() error {
		if err := setAcceptTimeout(l, timeout); err != nil {
			// Ignored: the listener deadline set below bounds the wait.
			_ = err
		}

		// The Go runtime accepts on a non-blocking socket through its poller,
		// where SO_RCVTIMEO has no effect; the deadline is what ends the wait.
		if timeout > 0 {
			_ = l.SetDeadline(time.Now().Add(timeout))
		}

		c, err := l.Accept()
		if err != nil {
			return fmt.Errorf("debugserver: accept: %w", err)
		}

		defer c.Close()

		if conn == nil {
			return nil
		}

		return conn(c)
	}
}

// setAcceptTimeout applies SO_RCVTIMEO to the listening socket's raw file
// descriptor. On its own this does not bound a Go Accept call; Accept's
// listener deadline does.
func setAcceptTimeout(l *net.TCPListener, timeout time.Duration) error {
	rc, err := l.SyscallConn()
	if err != nil {
		return fmt.Errorf("debugserver: obtaining raw conn: %w", err)
	}

	var sockErr error

	err = rc.Control(func(fd uintptr) {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		sockErr = unix.SetsockoptTimeval(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)
	})
	if err != nil {
		return err
	}

	return sockErr
}
