package supervisor

import (
	"fmt"
	"net"
	"time"

	"github.com/tinyvm/supervisor/internal/policy"
	"github.com/tinyvm/supervisor/internal/sandbox"
)

// warmupDialTimeout bounds each loopback dial attempted during warmup so a
// guest that never opens its listening socket cannot hang the boot sequence
// past max_boot_time's own enforcement.
const warmupDialTimeout = 2 * time.Second

// warmup implements SPEC_FULL.md's supplemented warmup contract: when
// warmup_connect_requests > 0, open that many sequential loopback
// connections to the guest's listening socket and issue
// warmup_intra_connect_requests trivial HTTP-shaped requests per connection
// against warmup_path, discarding responses. This exercises the guest's
// listen/accept path before the resumption trap is taken (spec.md §4.3 step
// 8), using a raw net.Dial and a fixed request line rather than an HTTP
// client dependency.
func warmup(pol *policy.Policy, dial func() (net.Conn, error)) error {
	if pol.WarmupConnectRequests <= 0 {
		return nil
	}

	path := pol.WarmupPath
	if path == "" {
		path = "/"
	}

	request := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: localhost\r\nConnection: close\r\n\r\n", path)

	for i := 0; i < pol.WarmupConnectRequests; i++ {
		conn, err := dial()
		if err != nil {
			return fmt.Errorf("supervisor: warmup connect %d/%d: %w", i+1, pol.WarmupConnectRequests, err)
		}

		if err := issueWarmupRequests(conn, request, pol.WarmupIntraConnectRequests); err != nil {
			conn.Close()

			return fmt.Errorf("supervisor: warmup connection %d: %w", i+1, err)
		}

		conn.Close()
	}

	return nil
}

func issueWarmupRequests(conn net.Conn, request string, count int) error {
	if count <= 0 {
		count = 1
	}

	buf := make([]byte, 4096)

	for j := 0; j < count; j++ {
		if _, err := conn.Write([]byte(request)); err != nil {
			return fmt.Errorf("writing request %d/%d: %w", j+1, count, err)
		}

		// Response bytes are discarded; warmup only needs the guest's
		// accept/handle path exercised, not the payload.
		if _, err := conn.Read(buf); err != nil {
			return fmt.Errorf("reading response %d/%d: %w", j+1, count, err)
		}
	}

	return nil
}

// warmupCallback adapts warmup into the *master.BootInput.Warmup shape,
// dialing loopback with a per-attempt timeout. The sandbox argument is
// unused by the dial strategy itself but keeps the callback's shape aligned
// with spec.md §4.3 step 8 ("the warmup callback", invoked with the booted
// master available for inspection by richer warmup strategies later).
func warmupCallback(pol *policy.Policy, loopbackAddr string) func(*sandbox.Sandbox) error {
	return func(*sandbox.Sandbox) error {
		return warmup(pol, func() (net.Conn, error) {
			return net.DialTimeout("tcp", loopbackAddr, warmupDialTimeout)
		})
	}
}

// timedWarmup wraps a warmup callback to record its wall-clock duration into
// elapsed, surfaced in the boot banner's optional warmup=...ms field
// (spec.md §4.5 step 6).
func timedWarmup(fn func(*sandbox.Sandbox) error, elapsed *time.Duration) func(*sandbox.Sandbox) error {
	return func(sb *sandbox.Sandbox) error {
		start := time.Now()
		err := fn(sb)
		*elapsed = time.Since(start)

		return err
	}
}
