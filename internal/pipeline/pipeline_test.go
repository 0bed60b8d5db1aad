package pipeline

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/tarshard/tarshard/internal/archive"
	"github.com/tarshard/tarshard/internal/catalog"
	"github.com/tarshard/tarshard/internal/chunk"
	"github.com/tarshard/tarshard/internal/event"
	"github.com/tarshard/tarshard/internal/stats"
)

func hashFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	h := blake3.Sum256(data)
	return h[:]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildSource creates a tree with enough data to span several chunks at
// test-sized chunk limits.
func buildSource(t *testing.T, parent, name string) string {
	t.Helper()
	src := filepath.Join(parent, name)
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "file.txt"), []byte("file data"), 0644))

	big := make([]byte, 20*1024)
	_, err := rand.Read(big)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "big.bin"), big, 0600))
	require.NoError(t, os.Symlink("big.bin", filepath.Join(src, "sub", "link")))
	return src
}

func TestRunRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := buildSource(t, dir, "home")
	dest := filepath.Join(dir, "backup")

	result, err := Run(context.Background(), Config{
		Sources:   []string{src},
		DestBase:  dest,
		ChunkSize: 4096,
		Log:       quietLogger(),
	})
	require.NoError(t, err)
	require.Len(t, result.Sources, 1)
	require.Equal(t, Completed, result.Sources[0].Outcome)
	assert.Greater(t, result.Sources[0].Chunks, 1)

	target := filepath.Join(dir, "restored")
	require.NoError(t, Restore(context.Background(), RestoreConfig{
		DestBase: dest,
		Name:     "home",
		Target:   target,
		Log:      quietLogger(),
	}))

	for _, rel := range []string{"file.txt", "sub/big.bin"} {
		assert.Equal(t, hashFile(t, filepath.Join(src, rel)), hashFile(t, filepath.Join(target, rel)), rel)
	}
	link, err := os.Readlink(filepath.Join(target, "sub", "link"))
	require.NoError(t, err)
	assert.Equal(t, "big.bin", link)
}

func TestRunChunkLayout(t *testing.T) {
	dir := t.TempDir()
	src := buildSource(t, dir, "home")
	dest := filepath.Join(dir, "backup")
	const chunkSize = 4096

	result, err := Run(context.Background(), Config{
		Sources:   []string{src},
		DestBase:  dest,
		ChunkSize: chunkSize,
		Log:       quietLogger(),
	})
	require.NoError(t, err)
	require.Equal(t, Completed, result.Sources[0].Outcome)

	set, err := chunk.Discover(filepath.Join(dest, "home"), "home")
	require.NoError(t, err)
	require.NoError(t, set.Validate())
	require.Equal(t, result.Sources[0].Chunks, len(set.Parts))

	// Every part except the last is exactly the chunk size; the last is
	// in (0, chunkSize].
	for _, p := range set.Parts[:len(set.Parts)-1] {
		assert.Equal(t, int64(chunkSize), p.Size)
	}
	last := set.Parts[len(set.Parts)-1]
	assert.Greater(t, last.Size, int64(0))
	assert.LessOrEqual(t, last.Size, int64(chunkSize))

	// Concatenating the parts in index order reproduces the exact
	// archive stream the producer emits.
	var want bytes.Buffer
	require.NoError(t, archive.NewProducer(src, nil).Stream(context.Background(), &want))

	r := set.Reader()
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got)
	assert.Equal(t, result.Sources[0].Bytes, int64(len(got)))
}

func TestRunMissingSourceSkipped(t *testing.T) {
	dir := t.TempDir()
	a := buildSource(t, dir, "a")
	b := buildSource(t, dir, "b")
	missing := filepath.Join(dir, "missing")
	dest := filepath.Join(dir, "backup")

	collector := stats.NewCollector()
	result, err := Run(context.Background(), Config{
		Sources:   []string{a, missing, b},
		DestBase:  dest,
		ChunkSize: 4096,
		Stats:     collector,
		Log:       quietLogger(),
	})
	require.NoError(t, err)
	require.Len(t, result.Sources, 3)

	assert.Equal(t, Completed, result.Sources[0].Outcome)
	assert.Equal(t, Skipped, result.Sources[1].Outcome)
	assert.Equal(t, Completed, result.Sources[2].Outcome)

	assert.Equal(t, 2, result.Completed())
	assert.Equal(t, 1, result.Skipped())
	assert.Equal(t, 0, result.Failed())

	snap := collector.Snapshot()
	assert.Equal(t, int64(2), snap.SourcesCompleted)
	assert.Equal(t, int64(1), snap.SourcesSkipped)
}

func TestRunConfigErrors(t *testing.T) {
	dir := t.TempDir()
	src := buildSource(t, dir, "home")
	dest := filepath.Join(dir, "backup")

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no sources", Config{DestBase: dest, ChunkSize: 4096}},
		{"no destination", Config{Sources: []string{src}, ChunkSize: 4096}},
		{"zero chunk size", Config{Sources: []string{src}, DestBase: dest, ChunkSize: 0}},
		{"negative chunk size", Config{Sources: []string{src}, DestBase: dest, ChunkSize: -1}},
		{"root source", Config{Sources: []string{"/"}, DestBase: dest, ChunkSize: 4096}},
		{"duplicate names", Config{
			Sources:   []string{src, filepath.Join(t.TempDir(), "home")},
			DestBase:  dest,
			ChunkSize: 4096,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Log = quietLogger()
			_, err := Run(context.Background(), tt.cfg)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)

			// Config errors are rejected before any destination I/O.
			_, serr := os.Stat(dest)
			assert.True(t, os.IsNotExist(serr))
		})
	}
}

func TestRunDestinationFailureIsolated(t *testing.T) {
	dir := t.TempDir()
	a := buildSource(t, dir, "a")
	b := buildSource(t, dir, "b")
	dest := filepath.Join(dir, "backup")

	// Block a's destination subdirectory with a plain file.
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "a"), []byte("in the way"), 0644))

	result, err := Run(context.Background(), Config{
		Sources:   []string{a, b},
		DestBase:  dest,
		ChunkSize: 4096,
		Log:       quietLogger(),
	})
	require.NoError(t, err)
	require.Len(t, result.Sources, 2)

	assert.Equal(t, Failed, result.Sources[0].Outcome)
	var we *chunk.WriteError
	assert.ErrorAs(t, result.Sources[0].Err, &we)

	// The failure did not abort the sibling.
	assert.Equal(t, Completed, result.Sources[1].Outcome)
	set, err := chunk.Discover(filepath.Join(dest, "b"), "b")
	require.NoError(t, err)
	assert.NoError(t, set.Validate())
}

func TestRunFailureAfterChunksKeepsCompletedParts(t *testing.T) {
	dir := t.TempDir()
	a := buildSource(t, dir, "a")
	b := buildSource(t, dir, "b")
	dest := filepath.Join(dir, "backup")
	const chunkSize = 4096

	// A directory squatting on part 3's name makes that open fail; parts
	// 1 and 2 are already closed by then.
	blocked := filepath.Join(dest, "a", chunk.PartName("a", 3))
	require.NoError(t, os.MkdirAll(blocked, 0755))

	result, err := Run(context.Background(), Config{
		Sources:   []string{a, b},
		DestBase:  dest,
		ChunkSize: chunkSize,
		Log:       quietLogger(),
	})
	require.NoError(t, err)
	require.Len(t, result.Sources, 2)

	failed := result.Sources[0]
	require.Equal(t, Failed, failed.Outcome)
	var we *chunk.WriteError
	require.ErrorAs(t, failed.Err, &we)
	assert.Equal(t, 2, failed.Chunks)
	assert.Equal(t, 1, result.Failed())

	// The parts completed before the failure hold the exact stream
	// prefix at full chunk size.
	var want bytes.Buffer
	require.NoError(t, archive.NewProducer(a, nil).Stream(context.Background(), &want))
	for i := 1; i <= 2; i++ {
		got, rerr := os.ReadFile(filepath.Join(dest, "a", chunk.PartName("a", i)))
		require.NoError(t, rerr)
		require.Len(t, got, chunkSize)
		assert.Equal(t, want.Bytes()[(i-1)*chunkSize:i*chunkSize], got)
	}

	// The sibling still completed with a valid set.
	assert.Equal(t, Completed, result.Sources[1].Outcome)
	set, serr := chunk.Discover(filepath.Join(dest, "b"), "b")
	require.NoError(t, serr)
	assert.NoError(t, set.Validate())
}

func TestRunUnreadableSourceFailsFast(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("mode bits do not restrict root")
	}
	dir := t.TempDir()
	src := buildSource(t, dir, "locked")
	require.NoError(t, os.Chmod(src, 0000))
	t.Cleanup(func() { _ = os.Chmod(src, 0755) })

	dest := filepath.Join(dir, "backup")
	result, err := Run(context.Background(), Config{
		Sources:   []string{src},
		DestBase:  dest,
		ChunkSize: 4096,
		Log:       quietLogger(),
	})
	require.NoError(t, err)
	require.Equal(t, Failed, result.Sources[0].Outcome)

	var re *ReadError
	assert.ErrorAs(t, result.Sources[0].Err, &re)

	// Failed fast: no chunk set was started for the source.
	_, serr := os.Stat(filepath.Join(dest, "locked"))
	assert.True(t, os.IsNotExist(serr))
}

func TestRunNonDirectorySourceFails(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("not a dir"), 0644))

	result, err := Run(context.Background(), Config{
		Sources:   []string{file},
		DestBase:  filepath.Join(dir, "backup"),
		ChunkSize: 4096,
		Log:       quietLogger(),
	})
	require.NoError(t, err)
	require.Equal(t, Failed, result.Sources[0].Outcome)
	assert.Contains(t, result.Sources[0].Err.Error(), "not a directory")
}

func TestRunEventSequence(t *testing.T) {
	dir := t.TempDir()
	src := buildSource(t, dir, "home")
	dest := filepath.Join(dir, "backup")

	events := make(chan event.Event, 256)
	var collected []event.Event
	done := make(chan struct{})
	go func() {
		for ev := range events {
			collected = append(collected, ev)
		}
		close(done)
	}()

	result, err := Run(context.Background(), Config{
		Sources:   []string{src},
		DestBase:  dest,
		ChunkSize: 4096,
		Events:    events,
		Log:       quietLogger(),
	})
	close(events)
	<-done

	require.NoError(t, err)
	require.Equal(t, Completed, result.Sources[0].Outcome)

	typeSet := make(map[event.Type]bool)
	for _, ev := range collected {
		typeSet[ev.Type] = true
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.True(t, typeSet[event.SourceStarted], "expected SourceStarted event")
	assert.True(t, typeSet[event.ChunkWritten], "expected ChunkWritten event")
	assert.True(t, typeSet[event.SourceCompleted], "expected SourceCompleted event")

	// Started first, completed last.
	assert.Equal(t, event.SourceStarted, collected[0].Type)
	assert.Equal(t, event.SourceCompleted, collected[len(collected)-1].Type)
}

func TestRunWithCatalog(t *testing.T) {
	dir := t.TempDir()
	src := buildSource(t, dir, "home")
	dest := filepath.Join(dir, "backup")

	cat, err := catalog.Open(dest)
	require.NoError(t, err)
	defer cat.Close()

	result, err := Run(context.Background(), Config{
		Sources:   []string{src},
		DestBase:  dest,
		ChunkSize: 4096,
		Catalog:   cat,
		Log:       quietLogger(),
	})
	require.NoError(t, err)
	require.Equal(t, Completed, result.Sources[0].Outcome)

	run, err := cat.LastCompleted("home")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, result.Sources[0].Chunks, run.Chunks)
	assert.Equal(t, result.Sources[0].Bytes, run.Bytes)
	assert.Equal(t, src, run.Source)
}

func TestDeriveName(t *testing.T) {
	name, err := DeriveName("/srv/data/home/")
	require.NoError(t, err)
	assert.Equal(t, "home", name)

	for _, bad := range []string{"/", ".", ""} {
		_, err := DeriveName(bad)
		assert.Error(t, err, bad)
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "skipped", Skipped.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}
