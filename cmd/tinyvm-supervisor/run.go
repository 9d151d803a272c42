package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/tinyvm/supervisor/internal/debugserver"
	"github.com/tinyvm/supervisor/internal/policy"
	"github.com/tinyvm/supervisor/internal/supervisor"
	"github.com/tinyvm/supervisor/internal/telemetry"
)

const executableName = "tinyvm-supervisor"

// debugAcceptTimeout mirrors spec.md §6's "60-second accept timeout".
const debugAcceptTimeout = 60 * time.Second

// Run is the process entry point, isolated from global state like
// stdin/stdout/stderr/env/argv the way the teacher's cmd/agent-sandbox/run.go
// structures its own Run function, so the CLI layer stays testable without a
// real process. sigCh is accepted for that same isolation but otherwise
// unused: there is no graceful shutdown path beyond process exit.
func Run(stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	_ = sigCh

	if runtime.GOOS != "linux" {
		fprintError(stderr, fmt.Errorf("requires Linux (KVM is a Linux-only facility)"))

		return 1
	}

	flags := flag.NewFlagSet(executableName, flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.Usage = func() {}
	flags.SetOutput(io.Discard)

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagVersion := flags.BoolP("version", "v", false, "Show version and exit")
	flagConfig := flags.StringP("config", "c", "", "Path to the configuration document")
	flagProgram := flags.StringP("program", "p", "", "Override the configured program path")
	flagInterpreter := flags.String("interpreter", "/lib64/ld-linux-x86-64.so.2", "Path to the dynamic linker image on the host")
	flagTenant := flags.String("tenant", "tinyvm", "Tenant name injected as KVM_NAME")
	flagWarmupAddr := flags.String("warmup-addr", "", "Loopback address to dial for warmup requests (host:port)")

	if err := flags.Parse(args[1:]); err != nil {
		fprintError(stderr, err)

		return 1
	}

	if *flagHelp {
		fprintln(stderr, usageHelp)

		return 0
	}

	if *flagVersion {
		fprintln(stdout, executableName+" "+version)

		return 0
	}

	if *flagConfig == "" {
		fprintError(stderr, fmt.Errorf("--config is required"))

		return 1
	}

	doc, err := os.ReadFile(*flagConfig)
	if err != nil {
		fprintError(stderr, fmt.Errorf("reading configuration document: %w", err))

		return 1
	}

	pol, err := policy.Load(policy.LoadInput{
		Document:            doc,
		Home:                env["HOME"],
		PWD:                 env["PWD"],
		ProgramPathOverride: *flagProgram,
		Verbose:             env["VERBOSE"] == "1",
	})
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	log := telemetry.New(stderr)

	sv := &supervisor.Supervisor{
		Policy:          pol,
		TenantName:      *flagTenant,
		InterpreterPath: *flagInterpreter,
		WarmupDialAddr:  *flagWarmupAddr,
		Log:             log,
	}

	if env["DEBUG"] == "1" || env["DEBUG_FORK"] == "1" {
		sv.DebugAccept = debuggerAccept(log)
	}

	return sv.Run()
}

// debuggerAccept wires internal/debugserver's accept-with-timeout boundary
// into the supervisor, opened only when DEBUG or DEBUG_FORK is set (spec.md
// §6). The GDB remote-serial protocol itself is out of scope (spec.md §1);
// the accepted connection is only logged here.
func debuggerAccept(log telemetry.Logger) func() error {
	listener, err := debugserver.Listener()
	if err != nil {
		log("debug server: %v", err)

		return nil
	}

	return debugserver.Accept(listener, debugAcceptTimeout, func(c net.Conn) error {
		log("debugger: connection accepted from %s", c.RemoteAddr())

		return nil
	})
}

const usageHelp = `tinyvm-supervisor - microVM supervisor for hardware-virtualized sandboxes

Usage: tinyvm-supervisor --config <file> [flags]

Flags:
  -h, --help                  Show help
  -v, --version               Show version and exit
  -c, --config <file>         Path to the configuration document (required)
  -p, --program <path>        Override the configured program path
      --interpreter <path>    Path to the dynamic linker image on the host
      --tenant <name>         Tenant name injected as KVM_NAME
      --warmup-addr <addr>    Loopback address to dial for warmup requests`

func fprintln(out io.Writer, a ...any) {
	_, _ = fmt.Fprintln(out, a...)
}

func fprintError(out io.Writer, err error) {
	_, _ = fmt.Fprintln(out, executableName+": error:", err)
}
