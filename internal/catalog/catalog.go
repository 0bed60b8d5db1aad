// Package catalog keeps a per-destination SQLite record of backup runs
// and the chunks they produced. Chunk files on disk remain the source of
// truth for restore; the catalog exists for run history and as an extra
// truncation tripwire.
package catalog

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

// Catalog provides SQLite-backed run history for one destination base.
type Catalog struct {
	db       *sql.DB
	destBase string

	// Batch buffer for RecordChunk calls.
	mu      sync.Mutex
	batch   []chunkRow
	done    chan struct{}
	stopped bool
}

type chunkRow struct {
	runID string
	index int
	size  int64
}

// Run is one recorded backup of one source.
type Run struct {
	ID       string
	SetID    string
	Name     string
	Source   string
	Outcome  string
	Bytes    int64
	Chunks   int
	Started  time.Time
	Finished time.Time
	Error    string
}

// Open opens (or creates) the catalog at DEST_BASE/.tarshard/catalog.db.
func Open(destBase string) (*Catalog, error) {
	dir := filepath.Join(destBase, ".tarshard")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}

	dbPath := filepath.Join(dir, "catalog.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}

	c := &Catalog{
		db:       db,
		destBase: destBase,
		done:     make(chan struct{}),
	}

	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}

	// Start background batch flusher.
	go c.flushLoop()

	return c, nil
}

func (c *Catalog) init() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id       TEXT PRIMARY KEY,
			set_id   TEXT NOT NULL,
			name     TEXT NOT NULL,
			source   TEXT NOT NULL,
			outcome  TEXT NOT NULL DEFAULT 'running',
			bytes    INTEGER NOT NULL DEFAULT 0,
			chunks   INTEGER NOT NULL DEFAULT 0,
			started  INTEGER NOT NULL,
			finished INTEGER NOT NULL DEFAULT 0,
			error    TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS chunks (
			run_id  TEXT NOT NULL,
			idx     INTEGER NOT NULL,
			size    INTEGER NOT NULL,
			PRIMARY KEY (run_id, idx)
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// BeginRun inserts a new run row and returns its ID.
func (c *Catalog) BeginRun(name, source string) (string, error) {
	id := uuid.NewString()
	_, err := c.db.Exec(
		"INSERT INTO runs (id, set_id, name, source, started) VALUES (?, ?, ?, ?, ?)",
		id, SetID(source, c.destBase), name, source, time.Now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// RecordChunk records one completed chunk file. Writes are batched and
// flushed periodically for performance.
func (c *Catalog) RecordChunk(runID string, index int, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batch = append(c.batch, chunkRow{runID: runID, index: index, size: size})

	if len(c.batch) >= 100 {
		return c.flushLocked()
	}
	return nil
}

// FinishRun flushes pending chunks and closes out the run row.
func (c *Catalog) FinishRun(runID, outcome string, bytes int64, chunks int, runErr error) error {
	if err := c.Flush(); err != nil {
		return err
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	_, err := c.db.Exec(
		"UPDATE runs SET outcome = ?, bytes = ?, chunks = ?, finished = ?, error = ? WHERE id = ?",
		outcome, bytes, chunks, time.Now().UnixNano(), errMsg, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Runs returns recorded runs, newest first. An empty name returns all sets.
func (c *Catalog) Runs(name string) ([]Run, error) {
	query := `SELECT id, set_id, name, source, outcome, bytes, chunks, started, finished, error
		FROM runs ORDER BY started DESC`
	args := []any{}
	if name != "" {
		query = `SELECT id, set_id, name, source, outcome, bytes, chunks, started, finished, error
			FROM runs WHERE name = ? ORDER BY started DESC`
		args = append(args, name)
	}

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.SetID, &r.Name, &r.Source, &r.Outcome,
			&r.Bytes, &r.Chunks, &started, &finished, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Started = time.Unix(0, started)
		if finished > 0 {
			r.Finished = time.Unix(0, finished)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastCompleted returns the most recent completed run for a set, or nil
// if none is recorded.
func (c *Catalog) LastCompleted(name string) (*Run, error) {
	row := c.db.QueryRow(
		`SELECT id, set_id, name, source, outcome, bytes, chunks, started, finished, error
		FROM runs WHERE name = ? AND outcome = 'completed' ORDER BY started DESC LIMIT 1`,
		name,
	)

	var r Run
	var started, finished int64
	err := row.Scan(&r.ID, &r.SetID, &r.Name, &r.Source, &r.Outcome,
		&r.Bytes, &r.Chunks, &started, &finished, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last completed: %w", err)
	}
	r.Started = time.Unix(0, started)
	r.Finished = time.Unix(0, finished)
	return &r, nil
}

// Flush writes any pending batch entries to the database.
func (c *Catalog) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Catalog) flushLocked() error {
	if len(c.batch) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO chunks (run_id, idx, size) VALUES (?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, row := range c.batch {
		if _, err := stmt.Exec(row.runID, row.index, row.size); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert chunk %d: %w", row.index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	c.batch = c.batch[:0]
	return nil
}

func (c *Catalog) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			_ = c.flushLocked()
			c.mu.Unlock()
		}
	}
}

// Close flushes any pending writes and closes the database.
func (c *Catalog) Close() error {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.done)
	}
	_ = c.flushLocked()
	c.mu.Unlock()
	return c.db.Close()
}

// SetID computes a deterministic chunk-set ID from source and
// destination paths, stable across runs of the same pair.
func SetID(source, destBase string) string {
	h := blake3.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(destBase))
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:8])
}
