package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// BannerInput holds the fields spec.md §4.5 step 6 / §6 require in the
// single informational boot banner line.
type BannerInput struct {
	ProgramPath  string
	PollMethod   string // "epoll", "poll", or "undefined"
	Concurrency  int
	Ephemeral    bool
	Hugepages    bool
	SplitHuge    bool
	BootTime     time.Duration
	WarmupTime   time.Duration // zero means "omit"
	ProcessRSSMB int64         // 0 means "omit" (statm unreadable or not requested)
}

// Banner renders the boot banner. The template is a direct translation of
// original_source/src/main.cpp's printf format ("Program '%s' loaded. %s
// vm=%u%s huge=%u/%u init=%lums%s%s\n") into Go verbs, as SPEC_FULL.md's
// SUPPLEMENTED FEATURES section #2 specifies.
func Banner(in BannerInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Program %q loaded. %s vm=%d", in.ProgramPath, in.PollMethod, in.Concurrency)

	if in.Ephemeral {
		b.WriteString(" ephemeral")
	}

	fmt.Fprintf(&b, " huge=%d/%d", boolToInt(in.Hugepages), boolToInt(in.SplitHuge))
	fmt.Fprintf(&b, " init=%dms", in.BootTime.Milliseconds())

	if in.WarmupTime > 0 {
		fmt.Fprintf(&b, " warmup=%dms", in.WarmupTime.Milliseconds())
	}

	if in.ProcessRSSMB > 0 {
		fmt.Fprintf(&b, " rss=%dMB", in.ProcessRSSMB)
	}

	return b.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
