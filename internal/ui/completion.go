package ui

import (
	"fmt"

	"github.com/tarshard/tarshard/internal/stats"
)

// CompletionSummary builds a final summary line from a snapshot.
// Format: done ✓  sources 3  chunks 12  size 2.1 GiB  avg 641 MB/s  time 3m 17s  errors 0
func CompletionSummary(snap stats.Snapshot) string {
	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(snap.BytesStreamed) / snap.Elapsed.Seconds()
	}

	icon := "✓"
	if snap.SourcesFailed > 0 {
		icon = "✗"
	}

	base := fmt.Sprintf("done %s  sources %s  chunks %s  size %s  avg %s  time %s",
		icon,
		FormatCount(snap.SourcesCompleted),
		FormatCount(snap.ChunksWritten),
		FormatBytes(snap.BytesStreamed),
		FormatRate(avgSpeed),
		FormatDuration(snap.Elapsed),
	)

	if snap.SourcesSkipped > 0 {
		base += fmt.Sprintf("  skipped %s", FormatCount(snap.SourcesSkipped))
	}

	base += fmt.Sprintf("  errors %d", snap.SourcesFailed)

	return base
}
