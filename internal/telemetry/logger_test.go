package telemetry

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNew_NilWriterIsSilent(t *testing.T) {
	log := New(nil)
	log("should not panic: %d", 1) // must not panic or write anywhere observable
}

func TestNew_WritesFormattedLine(t *testing.T) {
	var buf bytes.Buffer

	log := New(&buf)
	log("worker %d reset", 3)

	if got, want := buf.String(), "worker 3 reset\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFault_IncludesWorkerIndexErrorAndData(t *testing.T) {
	line := Fault(2, errors.New("timeout"), 0xdead)

	for _, want := range []string{"worker 2", "timeout", "0xdead"} {
		if !strings.Contains(line, want) {
			t.Errorf("fault line %q missing %q", line, want)
		}
	}
}

func TestBanner_OmitsZeroFields(t *testing.T) {
	line := Banner(BannerInput{
		ProgramPath: "/bin/prog",
		PollMethod:  "epoll",
		Concurrency: 4,
		Ephemeral:   true,
		BootTime:    250 * time.Millisecond,
	})

	if !strings.Contains(line, "vm=4") {
		t.Errorf("banner %q missing vm count", line)
	}

	if !strings.Contains(line, "ephemeral") {
		t.Errorf("banner %q missing ephemeral", line)
	}

	if strings.Contains(line, "warmup=") {
		t.Errorf("banner %q should omit warmup when zero", line)
	}

	if strings.Contains(line, "rss=") {
		t.Errorf("banner %q should omit rss when zero", line)
	}
}

func TestBanner_IncludesWarmupAndRSSWhenSet(t *testing.T) {
	line := Banner(BannerInput{
		ProgramPath:  "/bin/prog",
		PollMethod:   "poll",
		Concurrency:  1,
		BootTime:     10 * time.Millisecond,
		WarmupTime:   5 * time.Millisecond,
		ProcessRSSMB: 42,
	})

	if !strings.Contains(line, "warmup=5ms") {
		t.Errorf("banner %q missing warmup", line)
	}

	if !strings.Contains(line, "rss=42MB") {
		t.Errorf("banner %q missing rss", line)
	}
}
