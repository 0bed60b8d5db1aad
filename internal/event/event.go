package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	SourceStarted Type = iota + 1
	SourceCompleted
	SourceSkipped
	SourceFailed
	ChunkWritten
	Progress
	RestoreStarted
	RestoreCompleted
	RestoreFailed
)

var typeNames = [...]string{
	SourceStarted:    "SourceStarted",
	SourceCompleted:  "SourceCompleted",
	SourceSkipped:    "SourceSkipped",
	SourceFailed:     "SourceFailed",
	ChunkWritten:     "ChunkWritten",
	Progress:         "Progress",
	RestoreStarted:   "RestoreStarted",
	RestoreCompleted: "RestoreCompleted",
	RestoreFailed:    "RestoreFailed",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from the pipeline.
type Event struct {
	Type      Type
	Timestamp time.Time
	Name      string // chunk-set name (derived source name)
	Path      string // source path, or chunk file path for ChunkWritten
	Bytes     int64  // bytes so far (Progress) or bytes total (completions)
	Chunk     int    // chunk index (ChunkWritten)
	Chunks    int    // chunk count (completions)
	Error     error
}
