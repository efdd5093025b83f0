package output

import (
	"context"
	"fmt"
	"time"
)

func StatusBar(ctx context.Context, refreshRate time.Duration, printF func()) {
	ticker := time.NewTicker(refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			printF()
		case <-ctx.Done():
			return
		}
	}
}

// Status is a snapshot of the profiler counters.
type Status struct {
	Rate            uint64
	Lost            uint64
	Dropped         uint64
	Inconsistencies uint64
	LiveBytes       uint64
	BufUtil         int
}

func PrettyStatus(s Status) string {
	return fmt.Sprintf("\r%-18s %-14s %-14s %-22s %-18s %-28s",
		fmt.Sprintf("Events/s: %6d", s.Rate),
		fmt.Sprintf("Lost: %6d", s.Lost),
		fmt.Sprintf("Dropped: %4d", s.Dropped),
		fmt.Sprintf("Inconsistencies: %4d", s.Inconsistencies),
		fmt.Sprintf("Live: %10s", HumanBytes(s.LiveBytes)),
		fmt.Sprintf("Events Buffer: [%s] %3d%%", ProgressBar(s.BufUtil, 10), s.BufUtil),
	)
}

// HumanBytes formats n with a binary unit.
func HumanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
