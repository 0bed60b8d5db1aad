// Package pipeline wires the archive producer, throughput monitor, and
// chunk writer into one streaming flow per source and sequences sources
// into a run.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tarshard/tarshard/internal/archive"
	"github.com/tarshard/tarshard/internal/catalog"
	"github.com/tarshard/tarshard/internal/chunk"
	"github.com/tarshard/tarshard/internal/event"
	"github.com/tarshard/tarshard/internal/platform"
	"github.com/tarshard/tarshard/internal/stats"
)

// Outcome is the per-source result of a run.
type Outcome int

const (
	Completed Outcome = iota + 1
	Skipped
	Failed
)

var outcomeNames = [...]string{
	Completed: "completed",
	Skipped:   "skipped",
	Failed:    "failed",
}

func (o Outcome) String() string {
	if o > 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// SourceResult records what happened to one source.
type SourceResult struct {
	Name     string
	Path     string
	Outcome  Outcome
	Err      error
	Bytes    int64
	Chunks   int
	Duration time.Duration
}

// Result aggregates the whole run, in source order.
type Result struct {
	Sources []SourceResult
}

func (r Result) count(o Outcome) int {
	n := 0
	for _, s := range r.Sources {
		if s.Outcome == o {
			n++
		}
	}
	return n
}

// Completed returns the number of sources backed up successfully.
func (r Result) Completed() int { return r.count(Completed) }

// Skipped returns the number of missing sources that were skipped.
func (r Result) Skipped() int { return r.count(Skipped) }

// Failed returns the number of sources that failed.
func (r Result) Failed() int { return r.count(Failed) }

// Config describes a backup run.
type Config struct {
	Sources   []string
	DestBase  string
	ChunkSize int64
	BWLimit   int64 // bytes/sec, 0 = unlimited

	Events  chan<- event.Event
	Stats   *stats.Collector
	Catalog *catalog.Catalog // optional run history
	Log     *slog.Logger
}

// Run executes the backup pipeline for every source in order, strictly
// one at a time: a single archive stream keeps local buffering bounded
// by one copy buffer regardless of how many sources are queued.
// Per-source failures are recorded and never abort siblings; only a
// ConfigError, raised before any destination I/O, fails the run itself.
func Run(ctx context.Context, cfg Config) (Result, error) {
	names, err := validate(cfg)
	if err != nil {
		return Result{}, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}

	if err := os.MkdirAll(cfg.DestBase, 0755); err != nil {
		return Result{}, &chunk.WriteError{Path: cfg.DestBase, Err: err}
	}
	logFreeSpace(log, cfg.DestBase)

	var result Result
	for i, src := range cfg.Sources {
		res := runSource(ctx, cfg, log, names[i], src)

		switch res.Outcome {
		case Completed:
			cfg.Stats.AddSourcesCompleted(1)
		case Skipped:
			cfg.Stats.AddSourcesSkipped(1)
		case Failed:
			cfg.Stats.AddSourcesFailed(1)
		}
		result.Sources = append(result.Sources, res)

		if ctx.Err() != nil {
			break
		}
	}
	return result, nil
}

// validate rejects bad configuration before any stream starts and
// returns the derived chunk-set name for each source.
func validate(cfg Config) ([]string, error) {
	if len(cfg.Sources) == 0 {
		return nil, configErrorf("no sources given")
	}
	if cfg.DestBase == "" {
		return nil, configErrorf("no destination given")
	}
	if cfg.ChunkSize <= 0 {
		return nil, configErrorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}

	names := make([]string, len(cfg.Sources))
	seen := make(map[string]string, len(cfg.Sources))
	for i, src := range cfg.Sources {
		name, err := DeriveName(src)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[name]; dup {
			return nil, configErrorf("sources %s and %s both map to chunk-set name %q", prev, src, name)
		}
		seen[name] = src
		names[i] = name
	}
	return names, nil
}

// DeriveName maps a source path to its chunk-set name (the final path
// element).
func DeriveName(src string) (string, error) {
	name := filepath.Base(filepath.Clean(src))
	if name == "/" || name == "." || name == ".." || name == "" {
		return "", configErrorf("cannot derive a chunk-set name from source %q", src)
	}
	return name, nil
}

func runSource(ctx context.Context, cfg Config, log *slog.Logger, name, src string) SourceResult {
	start := time.Now()
	res := SourceResult{Name: name, Path: src}

	info, err := os.Lstat(src)
	if os.IsNotExist(err) {
		log.Warn("source missing, skipping", "source", src)
		emitEvent(cfg.Events, event.Event{Type: event.SourceSkipped, Name: name, Path: src})
		res.Outcome = Skipped
		res.Duration = time.Since(start)
		return res
	}
	if err == nil && !info.IsDir() {
		err = fmt.Errorf("%s is not a directory", src)
	}
	// Fail fast on unreadable sources before touching the destination:
	// privilege management belongs to the deployment layer, not to the
	// pipeline.
	if err == nil {
		var d *os.File
		if d, err = os.Open(src); err == nil {
			d.Close()
		}
	}
	if err != nil {
		return failSource(cfg, log, res, start, &ReadError{Source: src, Err: err})
	}

	destDir := filepath.Join(cfg.DestBase, name)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return failSource(cfg, log, res, start, &chunk.WriteError{Path: destDir, Err: err})
	}

	log.Info("source started", "source", src, "name", name, "dest", destDir)
	emitEvent(cfg.Events, event.Event{Type: event.SourceStarted, Name: name, Path: src})

	runID := beginCatalogRun(cfg.Catalog, log, name, src)

	writer := chunk.NewWriter(destDir, name, cfg.ChunkSize, cfg.Stats, func(index int, path string, size int64) {
		emitEvent(cfg.Events, event.Event{
			Type:  event.ChunkWritten,
			Name:  name,
			Path:  path,
			Chunk: index,
			Bytes: size,
		})
		recordCatalogChunk(cfg.Catalog, log, runID, index, size)
	})

	// Producer -> monitor -> (limiter) -> chunk writer, one continuous
	// stream. The chain is pull-free write-through: memory stays at one
	// copy buffer, never O(archive size).
	var dst io.Writer = writer
	if cfg.BWLimit > 0 {
		dst = newRateLimitedWriter(ctx, dst, NewBWLimiter(cfg.BWLimit))
	}
	dst = newMonitorWriter(dst, cfg.Stats, cfg.Events, name)

	streamErr := archive.NewProducer(src, cfg.Stats).Stream(ctx, dst)
	if cerr := writer.Close(); streamErr == nil {
		streamErr = cerr
	}

	res.Bytes = writer.BytesWritten()
	res.Chunks = writer.Chunks()

	if streamErr != nil {
		// Partial chunks stay in place for inspection; the truncated
		// final part is the restore-time detection signal.
		res = failSource(cfg, log, res, start, classify(src, streamErr))
		finishCatalogRun(cfg.Catalog, log, runID, res)
		return res
	}

	res.Outcome = Completed
	res.Duration = time.Since(start)
	finishCatalogRun(cfg.Catalog, log, runID, res)

	log.Info("source completed",
		"source", src,
		"bytes", res.Bytes,
		"chunks", res.Chunks,
		"duration", res.Duration,
	)
	emitEvent(cfg.Events, event.Event{
		Type:   event.SourceCompleted,
		Name:   name,
		Path:   src,
		Bytes:  res.Bytes,
		Chunks: res.Chunks,
	})
	return res
}

func failSource(cfg Config, log *slog.Logger, res SourceResult, start time.Time, err error) SourceResult {
	res.Outcome = Failed
	res.Err = err
	res.Duration = time.Since(start)
	log.Error("source failed", "source", res.Path, "error", err)
	emitEvent(cfg.Events, event.Event{Type: event.SourceFailed, Name: res.Name, Path: res.Path, Error: err})
	return res
}

func logFreeSpace(log *slog.Logger, destBase string) {
	free, err := platform.FreeSpace(destBase)
	if err != nil {
		return
	}
	if free == 0 {
		log.Warn("destination reports no free space", "dest", destBase)
		return
	}
	log.Info("destination free space", "dest", destBase, "bytes", free, "human", stats.FormatBytes(free))
}

// Catalog updates are best-effort: run history must never fail a backup.

func beginCatalogRun(cat *catalog.Catalog, log *slog.Logger, name, src string) string {
	if cat == nil {
		return ""
	}
	id, err := cat.BeginRun(name, src)
	if err != nil {
		log.Warn("catalog: begin run", "error", err)
		return ""
	}
	return id
}

func recordCatalogChunk(cat *catalog.Catalog, log *slog.Logger, runID string, index int, size int64) {
	if cat == nil || runID == "" {
		return
	}
	if err := cat.RecordChunk(runID, index, size); err != nil {
		log.Warn("catalog: record chunk", "error", err)
	}
}

func finishCatalogRun(cat *catalog.Catalog, log *slog.Logger, runID string, res SourceResult) {
	if cat == nil || runID == "" {
		return
	}
	if err := cat.FinishRun(runID, res.Outcome.String(), res.Bytes, res.Chunks, res.Err); err != nil {
		log.Warn("catalog: finish run", "error", err)
	}
}
