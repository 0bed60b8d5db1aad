package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/tarshard/tarshard/internal/archive"
	"github.com/tarshard/tarshard/internal/catalog"
	"github.com/tarshard/tarshard/internal/chunk"
	"github.com/tarshard/tarshard/internal/event"
	"github.com/tarshard/tarshard/internal/stats"
)

// RestoreConfig describes a restore of one chunk set.
type RestoreConfig struct {
	DestBase string // where the backup was written
	Name     string // chunk-set name
	Target   string // directory to extract into

	Events  chan<- event.Event
	Stats   *stats.Collector
	Catalog *catalog.Catalog // optional chunk-count cross-check
	Log     *slog.Logger
}

// Restore reconstructs the archive stream for one chunk set and unpacks
// it under cfg.Target. The set is validated in full before the first
// byte is extracted: a gap or truncated part fails the restore with no
// partial extraction.
func Restore(ctx context.Context, cfg RestoreConfig) error {
	if cfg.Name == "" {
		return configErrorf("no chunk-set name given")
	}
	if cfg.Target == "" {
		return configErrorf("no restore target given")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}

	dir := filepath.Join(cfg.DestBase, cfg.Name)
	set, err := chunk.Discover(dir, cfg.Name)
	if err != nil {
		return err
	}
	if err := set.Validate(); err != nil {
		return failRestore(cfg, log, err)
	}
	if err := crossCheckCatalog(cfg.Catalog, log, cfg.Name, len(set.Parts)); err != nil {
		return failRestore(cfg, log, err)
	}

	log.Info("restore started",
		"name", cfg.Name,
		"chunks", len(set.Parts),
		"bytes", set.TotalBytes(),
		"target", cfg.Target,
	)
	emitEvent(cfg.Events, event.Event{
		Type:   event.RestoreStarted,
		Name:   cfg.Name,
		Bytes:  set.TotalBytes(),
		Chunks: len(set.Parts),
	})

	r := set.Reader()
	defer r.Close()

	if err := archive.Extract(ctx, newMonitorReader(r, cfg.Stats, cfg.Events, cfg.Name), cfg.Target); err != nil {
		return failRestore(cfg, log, err)
	}

	log.Info("restore completed", "name", cfg.Name, "target", cfg.Target)
	emitEvent(cfg.Events, event.Event{
		Type:   event.RestoreCompleted,
		Name:   cfg.Name,
		Bytes:  set.TotalBytes(),
		Chunks: len(set.Parts),
	})
	return nil
}

// crossCheckCatalog compares the discovered part count against the last
// completed run recorded for this set, when a catalog is available.
// Chunk files on disk stay the source of truth; the catalog only adds an
// extra tripwire for sets that lost their tail.
func crossCheckCatalog(cat *catalog.Catalog, log *slog.Logger, name string, found int) error {
	if cat == nil {
		return nil
	}
	run, err := cat.LastCompleted(name)
	if err != nil {
		log.Warn("catalog: last completed run", "error", err)
		return nil
	}
	if run == nil {
		return nil
	}
	if run.Chunks != found {
		return &chunk.RestoreError{
			Name:   name,
			Reason: fmt.Sprintf("catalog records %d chunks for the last completed run, found %d", run.Chunks, found),
		}
	}
	return nil
}

func failRestore(cfg RestoreConfig, log *slog.Logger, err error) error {
	log.Error("restore failed", "name", cfg.Name, "error", err)
	emitEvent(cfg.Events, event.Event{Type: event.RestoreFailed, Name: cfg.Name, Error: err})
	return err
}
