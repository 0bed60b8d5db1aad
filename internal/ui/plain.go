package ui

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/tarshard/tarshard/internal/stats"
)

// plainPresenter prints one chronological line per event to stdout and
// periodic progress to stderr. This is the reporting-sink contract:
// events in order, one line each, timestamps applied where they happened.
type plainPresenter struct {
	w       io.Writer
	errW    io.Writer
	stats   stats.ReadTicker
	isTTY   bool
	verbose bool
}

func (p *plainPresenter) Run(events <-chan Event) error {
	secTicker := time.NewTicker(time.Second)
	defer secTicker.Stop()
	progressTicker := time.NewTicker(5 * time.Second)
	defer progressTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-secTicker.C:
			p.stats.Tick()
		case <-progressTicker.C:
			p.printProgress()
		}
	}
}

func (p *plainPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case SourceStarted:
		fmt.Fprintf(p.w, "%s: backup started (%s)\n", ev.Name, ev.Path)
	case SourceCompleted:
		fmt.Fprintf(p.w, "%s: done  %s  %d chunks\n", ev.Name, FormatBytes(ev.Bytes), ev.Chunks)
	case SourceSkipped:
		fmt.Fprintf(p.w, "%s: skipped (source %s missing)\n", ev.Name, ev.Path)
	case SourceFailed:
		fmt.Fprintf(p.w, "%s: FAILED  %s\n", ev.Name, errText(ev))
	case ChunkWritten:
		if p.verbose {
			fmt.Fprintf(p.w, "%s  %s  %s\n",
				filepath.Base(ev.Path), FormatBytes(ev.Bytes), FormatRate(p.stats.RollingSpeed(5)))
		}
	case Progress:
		// Periodic progress is printed from the ticker so output stays
		// rate-bounded even when events burst.
	case RestoreStarted:
		fmt.Fprintf(p.w, "%s: restore started  %s  %d chunks\n", ev.Name, FormatBytes(ev.Bytes), ev.Chunks)
	case RestoreCompleted:
		fmt.Fprintf(p.w, "%s: restore done  %s\n", ev.Name, FormatBytes(ev.Bytes))
	case RestoreFailed:
		fmt.Fprintf(p.w, "%s: restore FAILED  %s\n", ev.Name, errText(ev))
	}
}

func (p *plainPresenter) printProgress() {
	// Periodic progress is terminal feedback; redirected stderr gets
	// only the chronological event lines and log records.
	if !p.isTTY {
		return
	}
	snap := p.stats.Snapshot()
	fmt.Fprintf(p.errW, "progress: %s  %d chunks  %s  elapsed %s\n",
		FormatBytes(snap.BytesStreamed),
		snap.ChunksWritten,
		FormatRate(p.stats.RollingSpeed(10)),
		FormatDuration(snap.Elapsed),
	)
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}

func errText(ev Event) string {
	if ev.Error != nil {
		return ev.Error.Error()
	}
	return "error"
}
